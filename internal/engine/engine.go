// internal/engine/engine.go

// Package engine owns the correlation pipeline: raw records come in through
// a buffered intake channel, a single run loop normalizes and routes them,
// and closed windows leave as persisted diagnoses. Everything the loop
// touches directly is single-goroutine; the tracker, analyzer and store do
// their own locking so read APIs stay usable from other goroutines.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/clawsight/sentinel/internal/checkpoint"
	"github.com/clawsight/sentinel/internal/config"
	"github.com/clawsight/sentinel/internal/diagnose"
	"github.com/clawsight/sentinel/internal/metrics"
	"github.com/clawsight/sentinel/internal/normalize"
	"github.com/clawsight/sentinel/internal/protocol"
	"github.com/clawsight/sentinel/internal/report"
	"github.com/clawsight/sentinel/internal/tracker"
	"github.com/clawsight/sentinel/internal/wifi"
	"github.com/clawsight/sentinel/internal/window"
)

const (
	intakeBuffer = 4096
	dedupSize    = 8192

	// trendCapacity bounds the retained history: one point per 5-minute
	// window covers 24 hours.
	trendCapacity = 288

	checkpointEvery = time.Minute
	windowPollEvery = time.Second
)

// Engine is the correlation pipeline.
type Engine struct {
	cfg *config.Config

	norm       *normalize.Normalizer
	dedup      *normalize.DedupCache
	tracker    *tracker.Tracker
	wifi       *wifi.Analyzer
	windows    *window.Manager
	classifier *diagnose.Classifier
	store      *report.Store
	ckpt       *checkpoint.Store

	intake chan protocol.RawRecord

	// pendingIssues collects analyzer findings for the open window. Only the
	// run loop touches it.
	pendingIssues []protocol.Issue

	mu      sync.Mutex
	last    *protocol.Diagnosis
	history []trendPoint
}

type trendPoint struct {
	at      time.Time
	loss    float64
	latency float64
}

// New assembles an engine. ckpt may be nil to run without persistence of
// tracker state; scorer may be nil to run rule-only.
func New(cfg *config.Config, store *report.Store, ckpt *checkpoint.Store, scorer diagnose.Scorer) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		norm:       normalize.New(cfg.Ingest.ClockSkewMax),
		dedup:      normalize.NewDedupCache(dedupSize),
		tracker:    tracker.New(cfg.Tracker),
		wifi:       wifi.New(cfg.Wifi),
		windows:    window.NewManager(cfg.Frequency(), cfg.Analysis.MaxLogsPerAnalysis, time.Now().UTC()),
		classifier: diagnose.New(cfg.Analysis, cfg.Tracker, scorer),
		store:      store,
		ckpt:       ckpt,
		intake:     make(chan protocol.RawRecord, intakeBuffer),
	}

	if ckpt != nil {
		states, err := ckpt.LoadStates()
		if err != nil {
			return nil, fmt.Errorf("restoring tracker state: %w", err)
		}
		e.tracker.Restore(states)
		seq, err := ckpt.LoadWindowSeq()
		if err != nil {
			return nil, fmt.Errorf("restoring window seq: %w", err)
		}
		e.windows.Restore(seq)
		if len(states) > 0 {
			log.Printf("restored %d device states, window seq %d", len(states), seq)
		}
	}
	return e, nil
}

// Ingest queues one raw record. It never blocks; a full intake drops the
// record and returns false.
func (e *Engine) Ingest(rec protocol.RawRecord) bool {
	select {
	case e.intake <- rec:
		return true
	default:
		return false
	}
}

// Run drives the pipeline until ctx is cancelled. It owns all window and
// tracker mutation; producers only touch the intake channel.
func (e *Engine) Run(ctx context.Context) error {
	trackerTick := time.NewTicker(e.cfg.Tracker.CheckInterval)
	defer trackerTick.Stop()
	windowTick := time.NewTicker(windowPollEvery)
	defer windowTick.Stop()
	ckptTick := time.NewTicker(checkpointEvery)
	defer ckptTick.Stop()

	for {
		select {
		case <-ctx.Done():
			e.checkpoint()
			return nil

		case rec := <-e.intake:
			e.process(ctx, rec)

		case now := <-trackerTick.C:
			e.sweepTracker(ctx, now.UTC())

		case now := <-windowTick.C:
			e.pollWindow(ctx, now.UTC())

		case <-ckptTick.C:
			e.checkpoint()
		}
	}
}

// sweepTracker advances every device by one check interval and feeds the
// resulting status changes into the open window.
func (e *Engine) sweepTracker(ctx context.Context, now time.Time) {
	for _, st := range e.tracker.Tick(now) {
		st := st
		e.append(ctx, now, window.Item{State: &st})
	}
}

// pollWindow closes the open window once its duration has elapsed.
func (e *Engine) pollWindow(ctx context.Context, now time.Time) {
	if w := e.windows.Tick(now); w != nil {
		e.closeWindow(ctx, w)
	}
}

func (e *Engine) process(ctx context.Context, rec protocol.RawRecord) {
	now := time.Now().UTC()

	if err := e.store.AppendRaw(rec.ReceivedAt, fmt.Sprintf("%s %s", rec.Source, rec.Payload)); err != nil {
		log.Printf("rawlog append: %v", err)
	}

	obs, err := e.norm.Normalize(rec)
	if err != nil {
		// One bad record never stalls ingestion.
		log.Printf("dropping record: %v", err)
		return
	}

	if e.dedup.Seen(normalize.DedupKey(obs)) {
		metrics.DuplicateRecords.Inc()
		return
	}

	if obs.Wifi != nil {
		snap, issues := e.wifi.Analyze(*obs.Wifi)
		e.pendingIssues = append(e.pendingIssues, issues...)
		e.append(ctx, now, window.Item{Wifi: &snap})
	} else if obs.DeviceKey != "" {
		if st, changed := e.tracker.Observe(obs); changed {
			e.append(ctx, now, window.Item{State: &st})
		}
	}

	e.append(ctx, now, window.Item{Observation: &obs})
}

// append adds one item to the open window and handles a cap closure.
func (e *Engine) append(ctx context.Context, now time.Time, it window.Item) {
	if w := e.windows.Append(now, it); w != nil {
		e.closeWindow(ctx, w)
	}
}

func (e *Engine) closeWindow(ctx context.Context, w *window.Window) {
	extra := e.pendingIssues
	e.pendingIssues = nil

	diag := e.classifier.Diagnose(ctx, w, extra, e.tracker.States(), w.ClosedAt)
	diag.Degraded = e.store.Degraded()

	if err := e.store.Save(diag); err != nil {
		log.Printf("persisting diagnosis %d: %v", diag.WindowSeq, err)
		diag.Degraded = true
	}

	e.mu.Lock()
	e.last = &diag
	e.history = append(e.history, trendPoint{
		at:      diag.Timestamp,
		loss:    diag.Body.Metrics["avg_packet_loss"],
		latency: diag.Body.Metrics["avg_latency_ms"],
	})
	if len(e.history) > trendCapacity {
		e.history = e.history[len(e.history)-trendCapacity:]
	}
	e.mu.Unlock()

	log.Printf("window %d closed: %d items, confidence %.2f, %s",
		diag.WindowSeq, diag.InputLogsCount, diag.Confidence, diag.Body.Summary)
}

func (e *Engine) checkpoint() {
	if e.ckpt == nil {
		return
	}
	if err := e.ckpt.SaveStates(e.tracker.States()); err != nil {
		log.Printf("checkpointing states: %v", err)
	}
	if err := e.ckpt.SaveWindowSeq(e.windows.Seq()); err != nil {
		log.Printf("checkpointing window seq: %v", err)
	}
}

// LastDiagnosis returns the most recent diagnosis, if any window closed yet.
func (e *Engine) LastDiagnosis() (protocol.Diagnosis, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return protocol.Diagnosis{}, false
	}
	return *e.last, true
}

// ByDevice returns the tracked state for one device key.
func (e *Engine) ByDevice(key string) (protocol.DeviceState, bool) {
	return e.tracker.Get(key)
}

// Summary builds the dashboard projection from live state.
func (e *Engine) Summary() protocol.Summary {
	states := e.tracker.States()

	s := protocol.Summary{
		Timestamp:    time.Now().UTC(),
		TotalDevices: len(states),
		WifiClients:  e.wifi.Clients(),
	}

	var lossSum, latSum float64
	var measured int
	for _, st := range states {
		switch st.Status {
		case protocol.StatusOffline:
			s.OfflineCount++
			s.OfflineList = append(s.OfflineList, st.Key)
		default:
			s.OnlineCount++
			lossSum += st.LossRate
			latSum += st.LatencyMs
			measured++
		}
	}
	if measured > 0 {
		s.PacketLoss = lossSum / float64(measured)
		s.AvgLatencyMs = latSum / float64(measured)
	}

	if diag, ok := e.LastDiagnosis(); ok {
		for _, is := range diag.Body.Issues {
			if is.Severity == protocol.SeverityCritical {
				s.ActiveAlert = is.Description
				break
			}
		}
	}
	return s
}

// Trends reports packet loss and latency over the last period, comparing the
// first and second half of the retained points.
func (e *Engine) Trends(hours int) protocol.TrendReport {
	cutoff := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	e.mu.Lock()
	var pts []trendPoint
	for _, p := range e.history {
		if p.at.After(cutoff) {
			pts = append(pts, p)
		}
	}
	e.mu.Unlock()

	tr := protocol.TrendReport{PeriodHours: hours, DataPoints: len(pts)}
	tr.PacketLoss = trendStat(pts, func(p trendPoint) float64 { return p.loss })
	tr.Latency = trendStat(pts, func(p trendPoint) float64 { return p.latency })
	return tr
}

func trendStat(pts []trendPoint, value func(trendPoint) float64) protocol.TrendStat {
	if len(pts) == 0 {
		return protocol.TrendStat{Trend: "stable"}
	}

	stat := protocol.TrendStat{Min: value(pts[0]), Max: value(pts[0])}
	var sum float64
	for _, p := range pts {
		v := value(p)
		sum += v
		if v < stat.Min {
			stat.Min = v
		}
		if v > stat.Max {
			stat.Max = v
		}
	}
	stat.Avg = sum / float64(len(pts))

	half := len(pts) / 2
	if half == 0 {
		stat.Trend = "stable"
		return stat
	}
	var first, second float64
	for _, p := range pts[:half] {
		first += value(p)
	}
	for _, p := range pts[half:] {
		second += value(p)
	}
	first /= float64(half)
	second /= float64(len(pts) - half)

	switch {
	case second > first*1.2 && second > first+0.01:
		stat.Trend = "increasing"
	case second < first*0.8:
		stat.Trend = "decreasing"
	default:
		stat.Trend = "stable"
	}
	return stat
}
