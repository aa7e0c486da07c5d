// internal/engine/engine_test.go
package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/clawsight/sentinel/internal/checkpoint"
	"github.com/clawsight/sentinel/internal/config"
	"github.com/clawsight/sentinel/internal/protocol"
	"github.com/clawsight/sentinel/internal/report"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()

	store, err := report.NewStore(cfg.Storage.Dir, cfg.Storage.RetentionDays, cfg.MaxStoreBytes())
	if err != nil {
		t.Fatal(err)
	}
	e, err := New(cfg, store, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func snmpRecord(t *testing.T, key string, ts time.Time, reachable bool) protocol.RawRecord {
	t.Helper()
	payload, err := json.Marshal(protocol.SNMPSample{
		DeviceKey: key, Timestamp: ts, Reachable: reachable, LatencyMs: 8, LossPct: 0.2,
	})
	if err != nil {
		t.Fatal(err)
	}
	return protocol.RawRecord{Source: protocol.SourceSNMP, ReceivedAt: ts, Payload: payload}
}

func TestProcessRoutesObservations(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	e.process(context.Background(), snmpRecord(t, "192.168.1.10", now, true))

	// One observation item plus the unknown->online state change item.
	if got := e.windows.Pending(); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
	st, ok := e.ByDevice("192.168.1.10")
	if !ok || st.Status != protocol.StatusOnline {
		t.Errorf("device state = %+v (ok=%v)", st, ok)
	}
}

func TestProcessSuppressesDuplicates(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	rec := snmpRecord(t, "192.168.1.10", now, true)

	e.process(context.Background(), rec)
	before := e.windows.Pending()
	e.process(context.Background(), rec)

	if got := e.windows.Pending(); got != before {
		t.Errorf("duplicate grew the window from %d to %d items", before, got)
	}
}

func TestProcessDropsMalformed(t *testing.T) {
	e := newTestEngine(t)

	e.process(context.Background(), protocol.RawRecord{
		Source: protocol.SourceSNMP, ReceivedAt: time.Now().UTC(), Payload: []byte("{"),
	})
	if got := e.windows.Pending(); got != 0 {
		t.Errorf("malformed record reached the window: %d items", got)
	}
	if e.norm.MalformedCount() != 1 {
		t.Errorf("MalformedCount = %d, want 1", e.norm.MalformedCount())
	}
}

func TestProcessFeedsWifiAnalyzer(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	payload, _ := json.Marshal(protocol.WifiScanEntry{
		Interface: "wlan0", Timestamp: now, Channel: 6, SignalDbm: -45, ClientsCount: 9,
	})

	e.process(context.Background(), protocol.RawRecord{
		Source: protocol.SourceWifiScan, ReceivedAt: now, Payload: payload,
	})

	snap, ok := e.wifi.Snapshot("wlan0")
	if !ok || snap.SignalClass != "good" {
		t.Errorf("snapshot = %+v (ok=%v)", snap, ok)
	}
	// Snapshot item plus observation item.
	if got := e.windows.Pending(); got != 2 {
		t.Errorf("Pending = %d, want 2", got)
	}
}

func TestCloseWindowPersistsDiagnosis(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	e.process(context.Background(), snmpRecord(t, "192.168.1.10", now, true))
	w := e.windows.Tick(now.Add(6 * time.Minute))
	if w == nil {
		t.Fatal("window did not close")
	}
	e.closeWindow(context.Background(), w)

	diag, ok := e.LastDiagnosis()
	if !ok {
		t.Fatal("no last diagnosis")
	}
	if diag.WindowSeq != w.Seq {
		t.Errorf("WindowSeq = %d, want %d", diag.WindowSeq, w.Seq)
	}

	recent, err := e.store.Recent(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].WindowSeq != w.Seq {
		t.Errorf("Recent = %+v", recent)
	}
}

// TestSilentDeviceEscalatesAcrossQuietWindows drives the run loop's tick
// handlers for forty minutes of simulated time. A device that reports once
// and then goes silent stops producing state deltas long before the grace
// period ends; the diagnosis for a later, quieter window must still call it
// out as critical because every window evaluates the live tracker snapshot.
func TestSilentDeviceEscalatesAcrossQuietWindows(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	start := time.Now().UTC()

	e.process(ctx, snmpRecord(t, "192.168.1.77", start, true))

	for minute := 1; minute <= 40; minute++ {
		now := start.Add(time.Duration(minute) * time.Minute)
		e.sweepTracker(ctx, now)
		e.pollWindow(ctx, now)
	}

	diag, ok := e.LastDiagnosis()
	if !ok {
		t.Fatal("no diagnosis after eight window closures")
	}

	var offline protocol.Issue
	for _, is := range diag.Body.Issues {
		if is.Type == "device_offline" && is.DeviceKey == "192.168.1.77" {
			offline = is
		}
		if is.Type == "healthy" {
			t.Errorf("diagnosis reports healthy with a device down for over half an hour: %+v", diag.Body.Issues)
		}
	}
	if offline.Type == "" {
		t.Fatalf("no device_offline issue in %v", diag.Body.Issues)
	}
	if offline.Severity != protocol.SeverityCritical {
		t.Errorf("offline severity = %q after 37 minutes, want critical", offline.Severity)
	}

	if diag.Body.Metrics["total_devices"] != 1 {
		t.Errorf("total_devices = %v, want 1", diag.Body.Metrics["total_devices"])
	}
	if diag.Body.Metrics["offline_count"] != 1 {
		t.Errorf("offline_count = %v, want 1", diag.Body.Metrics["offline_count"])
	}
}

func TestSummaryCountsStates(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	e.process(context.Background(), snmpRecord(t, "alive", now, true))
	e.process(context.Background(), snmpRecord(t, "dying", now, true))

	// Three missed polls take one device offline.
	for i := 1; i <= 3; i++ {
		e.process(context.Background(), snmpRecord(t, "dying", now.Add(time.Duration(i)*time.Second), false))
	}

	s := e.Summary()
	if s.TotalDevices != 2 || s.OnlineCount != 1 || s.OfflineCount != 1 {
		t.Errorf("summary = %+v", s)
	}
	if len(s.OfflineList) != 1 || s.OfflineList[0] != "dying" {
		t.Errorf("OfflineList = %v", s.OfflineList)
	}
}

func TestTrends(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()

	// First half low loss, second half high: an increasing trend.
	for i := 0; i < 6; i++ {
		loss := 0.5
		if i >= 3 {
			loss = 2.0
		}
		e.history = append(e.history, trendPoint{at: now.Add(-time.Hour + time.Duration(i)*time.Minute), loss: loss, latency: 10})
	}

	tr := e.Trends(24)
	if tr.DataPoints != 6 {
		t.Fatalf("DataPoints = %d, want 6", tr.DataPoints)
	}
	if tr.PacketLoss.Trend != "increasing" {
		t.Errorf("PacketLoss.Trend = %q, want increasing", tr.PacketLoss.Trend)
	}
	if tr.Latency.Trend != "stable" {
		t.Errorf("Latency.Trend = %q, want stable", tr.Latency.Trend)
	}
	if tr.PacketLoss.Max != 2 || tr.PacketLoss.Min != 0.5 {
		t.Errorf("PacketLoss stat = %+v", tr.PacketLoss)
	}

	// Points outside the period are excluded.
	if got := e.Trends(0).DataPoints; got != 0 {
		t.Errorf("Trends(0).DataPoints = %d, want 0", got)
	}
}

func TestRestoreFromCheckpoint(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Dir = t.TempDir()
	store, err := report.NewStore(cfg.Storage.Dir, cfg.Storage.RetentionDays, cfg.MaxStoreBytes())
	if err != nil {
		t.Fatal(err)
	}

	ckptPath := filepath.Join(cfg.Storage.Dir, "checkpoint.db")
	ckpt, err := checkpoint.Open(ckptPath)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	ckpt.SaveStates([]protocol.DeviceState{
		{Key: "dev", Status: protocol.StatusOnline, LastSeen: now, StatusSince: now, Seq: 12},
	})
	ckpt.SaveWindowSeq(7)
	ckpt.Close()

	ckpt, err = checkpoint.Open(ckptPath)
	if err != nil {
		t.Fatal(err)
	}
	defer ckpt.Close()

	e, err := New(cfg, store, ckpt, nil)
	if err != nil {
		t.Fatal(err)
	}
	st, ok := e.ByDevice("dev")
	if !ok || st.Seq != 12 {
		t.Errorf("restored state = %+v (ok=%v)", st, ok)
	}
	if e.windows.Seq() != 7 {
		t.Errorf("window seq = %d, want 7", e.windows.Seq())
	}
}

func TestIngestNonBlocking(t *testing.T) {
	e := newTestEngine(t)
	rec := snmpRecord(t, "dev", time.Now().UTC(), true)

	for i := 0; i < intakeBuffer; i++ {
		if !e.Ingest(rec) {
			t.Fatalf("intake refused record %d below capacity", i)
		}
	}
	if e.Ingest(rec) {
		t.Error("intake accepted a record beyond capacity")
	}
}
