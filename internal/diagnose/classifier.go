// internal/diagnose/classifier.go

// Package diagnose turns closed analysis windows into diagnosis documents.
// A deterministic rule pass always runs; an external scorer is consulted only
// when the window's source coverage leaves the rules unsure.
package diagnose

import (
	"context"
	"fmt"
	"time"

	"github.com/clawsight/sentinel/internal/config"
	"github.com/clawsight/sentinel/internal/metrics"
	"github.com/clawsight/sentinel/internal/protocol"
	"github.com/clawsight/sentinel/internal/window"
)

// ruleModel names the rule pass in diagnoses that never reached a scorer.
const ruleModel = "rules"

// excerptLimit bounds the log lines handed to the scorer.
const excerptLimit = 50

// Classifier runs the rule pass and the scorer deferral policy.
type Classifier struct {
	cfg     config.AnalysisConfig
	tracker config.TrackerConfig
	scorer  Scorer
}

// New creates a Classifier. A nil scorer disables deferral; rule-only
// diagnoses then carry their raw confidence.
func New(cfg config.AnalysisConfig, tracker config.TrackerConfig, scorer Scorer) *Classifier {
	return &Classifier{cfg: cfg, tracker: tracker, scorer: scorer}
}

// Diagnose produces the diagnosis for one closed window. extra carries issues
// raised while the window was open, e.g. by the WiFi analyzer; states is the
// tracker's current snapshot, so rules judge every tracked device each cycle,
// not only the ones that changed inside this window. Diagnose never fails:
// when the scorer is unreachable it falls back to the rule verdict with
// capped confidence.
func (c *Classifier) Diagnose(ctx context.Context, w *window.Window, extra []protocol.Issue, states []protocol.DeviceState, now time.Time) protocol.Diagnosis {
	facts := collect(w)
	// The live snapshot supersedes any stale delta the window carries.
	for _, st := range states {
		facts.states[st.Key] = st
	}

	issues := append([]protocol.Issue{}, extra...)
	issues = append(issues, c.deviceRules(facts, now)...)
	issues = append(issues, c.leaseRules(facts, now)...)
	issues = append(issues, c.wifiRules(facts)...)

	mets := c.windowMetrics(facts)
	confidence := float64(len(w.Sources())) / float64(len(protocol.Sources))

	diag := protocol.Diagnosis{
		Timestamp:      w.ClosedAt,
		WindowSeq:      w.Seq,
		Model:          ruleModel,
		InputLogsCount: len(w.Items),
		Confidence:     confidence,
		Truncated:      w.Truncated,
	}

	if c.scorer != nil && confidence < c.cfg.ConfidenceThreshold {
		result, err := c.score(ctx, facts, mets)
		if err == nil {
			issues = append(issues, result.Issues...)
			if result.Model != "" {
				diag.Model = result.Model
			}
			if result.Confidence > diag.Confidence {
				diag.Confidence = result.Confidence
			}
			diag.Body.Summary = result.Summary
		} else if diag.Confidence > 0.5 {
			diag.Confidence = 0.5
		}
	}

	if len(issues) == 0 {
		issues = append(issues, protocol.Issue{
			Severity:    protocol.SeverityInfo,
			Type:        "healthy",
			Description: "no anomalies detected",
		})
	}
	protocol.SortIssues(issues)

	diag.Body.Issues = issues
	diag.Body.Metrics = mets
	if diag.Body.Summary == "" {
		diag.Body.Summary = summarize(issues, facts)
	}
	return diag
}

// facts is everything the rules read out of a window in one pass.
type facts struct {
	states   map[string]protocol.DeviceState // latest per device
	wifi     map[string]protocol.WifiSnapshot
	leases   map[string]time.Time // device key -> expiry
	excerpt  []string
	obsCount int
}

func collect(w *window.Window) *facts {
	f := &facts{
		states: make(map[string]protocol.DeviceState),
		wifi:   make(map[string]protocol.WifiSnapshot),
		leases: make(map[string]time.Time),
	}
	for _, it := range w.Items {
		switch {
		case it.State != nil:
			f.states[it.State.Key] = *it.State
		case it.Wifi != nil:
			f.wifi[it.Wifi.Interface] = *it.Wifi
		case it.Observation != nil:
			f.obsCount++
			obs := it.Observation
			if obs.Source == protocol.SourceSyslog && len(f.excerpt) < excerptLimit {
				msg, _ := obs.FieldString("message")
				prog, _ := obs.FieldString("program")
				f.excerpt = append(f.excerpt, fmt.Sprintf("%s %s: %s", obs.DeviceKey, prog, msg))
			}
			if obs.Source == protocol.SourceDHCP {
				if exp, ok := obs.Fields["expires_at"].(time.Time); ok {
					f.leases[obs.DeviceKey] = exp
				}
			}
		}
	}
	return f
}

func (c *Classifier) deviceRules(f *facts, now time.Time) []protocol.Issue {
	var issues []protocol.Issue
	for key, st := range f.states {
		name := key
		if v := vendorFor(key); v != "" {
			name = fmt.Sprintf("%s (%s)", key, v)
		}

		switch st.Status {
		case protocol.StatusOffline:
			severity := protocol.SeverityWarning
			if now.Sub(st.StatusSince) > c.tracker.OfflineCriticalAfter {
				severity = protocol.SeverityCritical
			}
			issues = append(issues, protocol.Issue{
				Severity:       severity,
				Type:           "device_offline",
				Description:    fmt.Sprintf("device %s offline since %s", name, st.StatusSince.UTC().Format(time.RFC3339)),
				Recommendation: "check device power and cabling",
				DeviceKey:      key,
			})
			continue
		case protocol.StatusFlapping:
			issues = append(issues, protocol.Issue{
				Severity:       protocol.SeverityWarning,
				Type:           "device_flapping",
				Description:    fmt.Sprintf("device %s is flapping between online and offline", name),
				Recommendation: "inspect link quality or device stability",
				DeviceKey:      key,
			})
		}

		switch {
		case st.LossRate >= c.cfg.PacketLossCritical:
			issues = append(issues, protocol.Issue{
				Severity:       protocol.SeverityCritical,
				Type:           "packet_loss",
				Description:    fmt.Sprintf("device %s losing %.1f%% of packets", key, st.LossRate),
				Recommendation: "check for interference or failing hardware",
				DeviceKey:      key,
			})
		case st.LossRate >= c.cfg.PacketLossWarning:
			issues = append(issues, protocol.Issue{
				Severity:       protocol.SeverityWarning,
				Type:           "packet_loss",
				Description:    fmt.Sprintf("device %s losing %.1f%% of packets", key, st.LossRate),
				DeviceKey:      key,
			})
		}

		switch {
		case st.LatencyMs >= c.cfg.LatencyCriticalMs:
			issues = append(issues, protocol.Issue{
				Severity:       protocol.SeverityCritical,
				Type:           "latency",
				Description:    fmt.Sprintf("device %s latency %.0f ms", key, st.LatencyMs),
				Recommendation: "check for congestion on the path",
				DeviceKey:      key,
			})
		case st.LatencyMs >= c.cfg.LatencyWarningMs:
			issues = append(issues, protocol.Issue{
				Severity:    protocol.SeverityWarning,
				Type:        "latency",
				Description: fmt.Sprintf("device %s latency %.0f ms", key, st.LatencyMs),
				DeviceKey:   key,
			})
		}
	}
	return issues
}

func (c *Classifier) leaseRules(f *facts, now time.Time) []protocol.Issue {
	var issues []protocol.Issue
	for key, exp := range f.leases {
		left := exp.Sub(now)
		switch {
		case left > 0 && left < c.cfg.LeaseExpiryHorizon:
			issues = append(issues, protocol.Issue{
				Severity:       protocol.SeverityWarning,
				Type:           "lease_expiring",
				Description:    fmt.Sprintf("DHCP lease for %s expires in %s", key, left.Round(time.Minute)),
				Recommendation: "confirm the client renews or reserve the address",
				DeviceKey:      key,
			})
		case left <= 0:
			issues = append(issues, protocol.Issue{
				Severity:    protocol.SeverityInfo,
				Type:        "lease_expired",
				Description: fmt.Sprintf("DHCP lease for %s expired %s ago", key, (-left).Round(time.Minute)),
				DeviceKey:   key,
			})
		}
	}
	return issues
}

func (c *Classifier) wifiRules(f *facts) []protocol.Issue {
	clients := 0
	for _, snap := range f.wifi {
		clients += snap.ClientsCount
	}
	if clients > c.cfg.WifiClientsWarning {
		return []protocol.Issue{{
			Severity:       protocol.SeverityWarning,
			Type:           "wifi_clients",
			Description:    fmt.Sprintf("%d WiFi clients associated, above the %d threshold", clients, c.cfg.WifiClientsWarning),
			Recommendation: "consider adding an access point or segmenting the network",
		}}
	}
	return nil
}

func (c *Classifier) windowMetrics(f *facts) map[string]float64 {
	var offline, flapping int
	var lossSum, latSum float64
	var measured int
	for _, st := range f.states {
		switch st.Status {
		case protocol.StatusOffline:
			offline++
		case protocol.StatusFlapping:
			flapping++
		}
		if st.Status != protocol.StatusOffline {
			lossSum += st.LossRate
			latSum += st.LatencyMs
			measured++
		}
	}

	clients := 0
	for _, snap := range f.wifi {
		clients += snap.ClientsCount
	}

	mets := map[string]float64{
		"total_devices":  float64(len(f.states)),
		"offline_count":  float64(offline),
		"flapping_count": float64(flapping),
		"wifi_clients":   float64(clients),
		"observations":   float64(f.obsCount),
	}
	if measured > 0 {
		mets["avg_packet_loss"] = lossSum / float64(measured)
		mets["avg_latency_ms"] = latSum / float64(measured)
	}
	return mets
}

func (c *Classifier) score(ctx context.Context, f *facts, mets map[string]float64) (protocol.ScoreResult, error) {
	sctx, cancel := context.WithTimeout(ctx, c.cfg.ScorerTimeout)
	defer cancel()

	result, err := c.scorer.Score(sctx, protocol.ScoreRequest{
		LogsExcerpt:   f.excerpt,
		WindowMetrics: mets,
	})
	switch {
	case err == nil:
		metrics.ScorerCalls.WithLabelValues("ok").Inc()
	case sctx.Err() != nil:
		metrics.ScorerCalls.WithLabelValues("timeout").Inc()
	default:
		metrics.ScorerCalls.WithLabelValues("error").Inc()
	}
	return result, err
}

func summarize(issues []protocol.Issue, f *facts) string {
	counts := protocol.CountBySeverity(issues)
	if counts[protocol.SeverityCritical] == 0 && counts[protocol.SeverityWarning] == 0 {
		return fmt.Sprintf("network healthy, %d devices tracked", len(f.states))
	}
	return fmt.Sprintf("%d critical and %d warning issues across %d devices",
		counts[protocol.SeverityCritical], counts[protocol.SeverityWarning], len(f.states))
}
