// internal/diagnose/classifier_test.go
package diagnose

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/clawsight/sentinel/internal/config"
	"github.com/clawsight/sentinel/internal/protocol"
	"github.com/clawsight/sentinel/internal/window"
)

func analysisCfg() config.AnalysisConfig {
	return config.AnalysisConfig{
		FrequencyMinutes:    5,
		MaxLogsPerAnalysis:  2000,
		ConfidenceThreshold: 0.6,
		PacketLossWarning:   1.0,
		PacketLossCritical:  5.0,
		LatencyWarningMs:    100,
		LatencyCriticalMs:   500,
		WifiClientsWarning:  100,
		LeaseExpiryHorizon:  time.Hour,
		ScorerTimeout:       time.Second,
	}
}

func trackerCfg() config.TrackerConfig {
	return config.TrackerConfig{OfflineCriticalAfter: 30 * time.Minute}
}

// fakeScorer returns a canned result or error.
type fakeScorer struct {
	result protocol.ScoreResult
	err    error
	called bool
}

func (f *fakeScorer) Score(ctx context.Context, req protocol.ScoreRequest) (protocol.ScoreResult, error) {
	f.called = true
	return f.result, f.err
}

// fullWindow builds a window containing all four sources so confidence is 1.
func fullWindow(now time.Time, states ...protocol.DeviceState) *window.Window {
	w := &window.Window{Seq: 1, OpenedAt: now.Add(-5 * time.Minute), ClosedAt: now}
	for _, src := range protocol.Sources {
		obs := protocol.Observation{Source: src, DeviceKey: "dev", Timestamp: now}
		w.Items = append(w.Items, window.Item{Observation: &obs})
	}
	for i := range states {
		w.Items = append(w.Items, window.Item{State: &states[i]})
	}
	return w
}

func findIssue(t *testing.T, issues []protocol.Issue, typ string) protocol.Issue {
	t.Helper()
	for _, is := range issues {
		if is.Type == typ {
			return is
		}
	}
	t.Fatalf("no %q issue in %v", typ, issues)
	return protocol.Issue{}
}

func TestOfflineDeviceEscalatesAfterGrace(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	c := New(analysisCfg(), trackerCfg(), nil)

	// Offline for 10 minutes: warning.
	w := fullWindow(now, protocol.DeviceState{
		Key: "dev-a", Status: protocol.StatusOffline, StatusSince: now.Add(-10 * time.Minute),
	})
	diag := c.Diagnose(context.Background(), w, nil, nil, now)
	if is := findIssue(t, diag.Body.Issues, "device_offline"); is.Severity != protocol.SeverityWarning {
		t.Errorf("10m offline severity = %q, want warning", is.Severity)
	}

	// Offline past the grace period: critical.
	w = fullWindow(now, protocol.DeviceState{
		Key: "dev-a", Status: protocol.StatusOffline, StatusSince: now.Add(-31 * time.Minute),
	})
	diag = c.Diagnose(context.Background(), w, nil, nil, now)
	if is := findIssue(t, diag.Body.Issues, "device_offline"); is.Severity != protocol.SeverityCritical {
		t.Errorf("31m offline severity = %q, want critical", is.Severity)
	}
}

func TestPacketLossAndLatencyThresholds(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	c := New(analysisCfg(), trackerCfg(), nil)

	w := fullWindow(now,
		protocol.DeviceState{Key: "lossy", Status: protocol.StatusOnline, LossRate: 2.5},
		protocol.DeviceState{Key: "dead", Status: protocol.StatusOnline, LossRate: 7},
		protocol.DeviceState{Key: "slow", Status: protocol.StatusOnline, LatencyMs: 600},
	)
	diag := c.Diagnose(context.Background(), w, nil, nil, now)

	var warn, crit, lat bool
	for _, is := range diag.Body.Issues {
		switch {
		case is.Type == "packet_loss" && is.DeviceKey == "lossy":
			warn = is.Severity == protocol.SeverityWarning
		case is.Type == "packet_loss" && is.DeviceKey == "dead":
			crit = is.Severity == protocol.SeverityCritical
		case is.Type == "latency" && is.DeviceKey == "slow":
			lat = is.Severity == protocol.SeverityCritical
		}
	}
	if !warn || !crit || !lat {
		t.Errorf("issues = %v", diag.Body.Issues)
	}

	// Issues come back ordered critical first.
	if diag.Body.Issues[0].Severity != protocol.SeverityCritical {
		t.Errorf("first issue severity = %q, want critical", diag.Body.Issues[0].Severity)
	}
}

func TestLeaseExpiryWarning(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	c := New(analysisCfg(), trackerCfg(), nil)

	w := fullWindow(now)
	obs := protocol.Observation{
		Source:    protocol.SourceDHCP,
		DeviceKey: "AA:BB:CC:00:11:22",
		Timestamp: now,
		Fields:    map[string]any{"expires_at": now.Add(20 * time.Minute)},
	}
	w.Items = append(w.Items, window.Item{Observation: &obs})

	diag := c.Diagnose(context.Background(), w, nil, nil, now)
	is := findIssue(t, diag.Body.Issues, "lease_expiring")
	if is.DeviceKey != "AA:BB:CC:00:11:22" {
		t.Errorf("lease issue = %+v", is)
	}
}

func TestHealthyWindowGetsInfoIssue(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	c := New(analysisCfg(), trackerCfg(), nil)

	w := fullWindow(now, protocol.DeviceState{Key: "dev", Status: protocol.StatusOnline})
	diag := c.Diagnose(context.Background(), w, nil, nil, now)

	if len(diag.Body.Issues) != 1 || diag.Body.Issues[0].Severity != protocol.SeverityInfo {
		t.Fatalf("issues = %v, want single info issue", diag.Body.Issues)
	}
	if diag.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1 with all sources present", diag.Confidence)
	}
	if diag.Model != ruleModel {
		t.Errorf("Model = %q, want %q", diag.Model, ruleModel)
	}
}

func TestConfidenceIsSourceFraction(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	c := New(analysisCfg(), trackerCfg(), nil)

	w := &window.Window{Seq: 3, ClosedAt: now}
	obs := protocol.Observation{Source: protocol.SourceSNMP, DeviceKey: "dev", Timestamp: now}
	w.Items = append(w.Items, window.Item{Observation: &obs})

	diag := c.Diagnose(context.Background(), w, nil, nil, now)
	if diag.Confidence != 0.25 {
		t.Errorf("Confidence = %v, want 0.25 with 1 of 4 sources", diag.Confidence)
	}
}

func TestScorerConsultedBelowThreshold(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	scorer := &fakeScorer{result: protocol.ScoreResult{
		Summary:    "intermittent uplink trouble",
		Issues:     []protocol.Issue{{Severity: protocol.SeverityWarning, Type: "uplink", Description: "losses correlate with uplink resets"}},
		Confidence: 0.8,
		Model:      "test-model",
	}}
	c := New(analysisCfg(), trackerCfg(), scorer)

	w := &window.Window{Seq: 1, ClosedAt: now}
	obs := protocol.Observation{Source: protocol.SourceSyslog, DeviceKey: "gw", Timestamp: now,
		Fields: map[string]any{"program": "pppd", "message": "LCP terminated"}}
	w.Items = append(w.Items, window.Item{Observation: &obs})

	diag := c.Diagnose(context.Background(), w, nil, nil, now)
	if !scorer.called {
		t.Fatal("scorer not consulted at confidence 0.25")
	}
	if diag.Model != "test-model" {
		t.Errorf("Model = %q, want test-model", diag.Model)
	}
	if diag.Confidence != 0.8 {
		t.Errorf("Confidence = %v, want the scorer's 0.8", diag.Confidence)
	}
	if diag.Body.Summary != "intermittent uplink trouble" {
		t.Errorf("Summary = %q", diag.Body.Summary)
	}
	findIssue(t, diag.Body.Issues, "uplink")
}

func TestScorerNotConsultedAboveThreshold(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	scorer := &fakeScorer{}
	c := New(analysisCfg(), trackerCfg(), scorer)

	c.Diagnose(context.Background(), fullWindow(now), nil, nil, now)
	if scorer.called {
		t.Error("scorer consulted despite full source coverage")
	}
}

func TestScorerFailureFallsBackRuleOnly(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	scorer := &fakeScorer{err: ErrScorerUnavailable}
	c := New(analysisCfg(), trackerCfg(), scorer)

	w := &window.Window{Seq: 1, ClosedAt: now}
	for _, src := range []protocol.Source{protocol.SourceSNMP, protocol.SourceSyslog} {
		obs := protocol.Observation{Source: src, DeviceKey: "dev", Timestamp: now}
		w.Items = append(w.Items, window.Item{Observation: &obs})
	}
	st := protocol.DeviceState{Key: "dev", Status: protocol.StatusOffline, StatusSince: now.Add(-time.Hour)}
	w.Items = append(w.Items, window.Item{State: &st})

	diag := c.Diagnose(context.Background(), w, nil, nil, now)
	if diag.Model != ruleModel {
		t.Errorf("Model = %q, want rule fallback", diag.Model)
	}
	if diag.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want capped 0.5", diag.Confidence)
	}
	// The rule verdict survives the scorer outage.
	findIssue(t, diag.Body.Issues, "device_offline")
}

func TestExtraIssuesMerged(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	c := New(analysisCfg(), trackerCfg(), nil)

	extra := []protocol.Issue{{Severity: protocol.SeverityWarning, Type: "wifi_overlap", Description: "x"}}
	diag := c.Diagnose(context.Background(), fullWindow(now), extra, nil, now)
	findIssue(t, diag.Body.Issues, "wifi_overlap")
}

func TestOfflineIssueNamesVendor(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	c := New(analysisCfg(), trackerCfg(), nil)

	w := fullWindow(now, protocol.DeviceState{
		Key: "B8:27:EB:AA:BB:CC", Status: protocol.StatusOffline, StatusSince: now.Add(-time.Hour),
	})
	diag := c.Diagnose(context.Background(), w, nil, nil, now)
	is := findIssue(t, diag.Body.Issues, "device_offline")
	if !strings.Contains(is.Description, "Raspberry Pi") {
		t.Errorf("description %q does not name the vendor", is.Description)
	}

	// IP-keyed devices get no vendor suffix.
	w = fullWindow(now, protocol.DeviceState{
		Key: "192.168.1.10", Status: protocol.StatusOffline, StatusSince: now.Add(-time.Hour),
	})
	diag = c.Diagnose(context.Background(), w, nil, nil, now)
	is = findIssue(t, diag.Body.Issues, "device_offline")
	if strings.Contains(is.Description, "(") {
		t.Errorf("description %q has an unexpected vendor suffix", is.Description)
	}
}

func TestExpiredLeaseIsInformational(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	c := New(analysisCfg(), trackerCfg(), nil)

	w := fullWindow(now)
	obs := protocol.Observation{
		Source:    protocol.SourceDHCP,
		DeviceKey: "AA:BB:CC:00:11:22",
		Timestamp: now,
		Fields:    map[string]any{"expires_at": now.Add(-10 * time.Minute)},
	}
	w.Items = append(w.Items, window.Item{Observation: &obs})

	diag := c.Diagnose(context.Background(), w, nil, nil, now)
	is := findIssue(t, diag.Body.Issues, "lease_expired")
	if is.Severity != protocol.SeverityInfo {
		t.Errorf("lease_expired severity = %q, want info", is.Severity)
	}
}

func TestScorerErrorKindIgnoredForFallback(t *testing.T) {
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	scorer := &fakeScorer{err: errors.New("boom")}
	c := New(analysisCfg(), trackerCfg(), scorer)

	w := &window.Window{Seq: 1, ClosedAt: now}
	diag := c.Diagnose(context.Background(), w, nil, nil, now)
	if diag.Model != ruleModel {
		t.Errorf("Model = %q, want rules", diag.Model)
	}
	// Confidence was already 0 with no sources; the cap never raises it.
	if diag.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0", diag.Confidence)
	}
}
