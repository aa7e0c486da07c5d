// internal/normalize/normalize.go
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/clawsight/sentinel/internal/metrics"
	"github.com/clawsight/sentinel/internal/protocol"
)

// ErrMalformedRecord indicates a record that cannot be normalized. It drops
// exactly one record; ingestion of subsequent records continues.
var ErrMalformedRecord = errors.New("malformed record")

// IsMalformed reports whether err is a malformed-record failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedRecord)
}

// Matches "Jan  2 15:04:05 host rest..." with an optional <pri> prefix.
var syslogRe = regexp.MustCompile(`^(?:<\d{1,3}>)?([A-Z][a-z]{2} [ \d]\d \d{2}:\d{2}:\d{2}) (\S+) (.+)$`)

// Normalizer converts heterogeneous raw records into Observations on the
// engine's canonical clock.
type Normalizer struct {
	skewMax   time.Duration
	malformed atomic.Int64
	suspect   atomic.Int64
}

// New creates a Normalizer with the given clock-skew bound.
func New(skewMax time.Duration) *Normalizer {
	return &Normalizer{skewMax: skewMax}
}

// MalformedCount returns how many records failed to decode so far.
func (n *Normalizer) MalformedCount() int64 { return n.malformed.Load() }

// SuspectCount returns how many records carried an implausible timestamp.
func (n *Normalizer) SuspectCount() int64 { return n.suspect.Load() }

// Normalize decodes one raw record. Decoding failures return a
// ErrMalformedRecord-wrapped error and are counted; they never halt the
// caller's loop.
func (n *Normalizer) Normalize(raw protocol.RawRecord) (protocol.Observation, error) {
	var (
		obs protocol.Observation
		err error
	)

	switch raw.Source {
	case protocol.SourceSyslog:
		obs, err = n.decodeSyslog(raw)
	case protocol.SourceSNMP:
		obs, err = n.decodeSNMP(raw)
	case protocol.SourceWifiScan:
		obs, err = n.decodeWifiScan(raw)
	case protocol.SourceDHCP:
		obs, err = n.decodeDHCP(raw)
	default:
		err = fmt.Errorf("%w: unknown source %q", ErrMalformedRecord, raw.Source)
	}

	if err != nil {
		n.malformed.Add(1)
		metrics.MalformedRecords.WithLabelValues(string(raw.Source)).Inc()
		return protocol.Observation{}, err
	}

	obs.Timestamp, obs.ClockSuspect = n.alignClock(obs.Timestamp, raw.ReceivedAt)
	if obs.ClockSuspect {
		n.suspect.Add(1)
		metrics.ClockSuspectRecords.Inc()
	}
	return obs, nil
}

// alignClock re-aligns a source timestamp onto the canonical clock. A
// timestamp deviating from receipt time by more than the skew bound is
// replaced by receipt time and flagged suspect; the record is never dropped.
func (n *Normalizer) alignClock(src, received time.Time) (time.Time, bool) {
	received = received.UTC()
	if src.IsZero() {
		return received, false
	}
	src = src.UTC()
	skew := src.Sub(received)
	if skew < 0 {
		skew = -skew
	}
	if skew > n.skewMax {
		return received, true
	}
	return src, false
}

func (n *Normalizer) decodeSyslog(raw protocol.RawRecord) (protocol.Observation, error) {
	var p protocol.SyslogPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return protocol.Observation{}, fmt.Errorf("%w: syslog payload: %v", ErrMalformedRecord, err)
	}

	m := syslogRe.FindStringSubmatch(strings.TrimSpace(p.Line))
	if m == nil {
		return protocol.Observation{}, fmt.Errorf("%w: unparseable syslog line", ErrMalformedRecord)
	}

	// Syslog stamps carry no year; borrow it from the receipt time.
	ts, err := time.Parse("Jan _2 15:04:05", m[1])
	if err != nil {
		return protocol.Observation{}, fmt.Errorf("%w: syslog timestamp: %v", ErrMalformedRecord, err)
	}
	recv := raw.ReceivedAt.UTC()
	ts = ts.AddDate(recv.Year(), 0, 0)
	// A December line received on Jan 1 belongs to the previous year.
	if ts.Sub(recv) > 24*time.Hour {
		ts = ts.AddDate(-1, 0, 0)
	}

	host, msg := m[2], m[3]
	fields := map[string]any{"message": msg}
	if tag, rest, ok := strings.Cut(msg, ": "); ok && !strings.Contains(tag, " ") {
		fields["program"] = strings.TrimSuffix(tag, ":")
		fields["message"] = rest
	}

	return protocol.Observation{
		Source:    protocol.SourceSyslog,
		DeviceKey: host,
		Timestamp: ts,
		Fields:    fields,
	}, nil
}

func (n *Normalizer) decodeSNMP(raw protocol.RawRecord) (protocol.Observation, error) {
	var s protocol.SNMPSample
	if err := json.Unmarshal(raw.Payload, &s); err != nil {
		return protocol.Observation{}, fmt.Errorf("%w: snmp payload: %v", ErrMalformedRecord, err)
	}
	if s.DeviceKey == "" {
		return protocol.Observation{}, fmt.Errorf("%w: snmp sample missing device_key", ErrMalformedRecord)
	}

	return protocol.Observation{
		Source:    protocol.SourceSNMP,
		DeviceKey: s.DeviceKey,
		Timestamp: s.Timestamp,
		Fields: map[string]any{
			"reachable":  s.Reachable,
			"latency_ms": s.LatencyMs,
			"loss_pct":   s.LossPct,
		},
	}, nil
}

func (n *Normalizer) decodeWifiScan(raw protocol.RawRecord) (protocol.Observation, error) {
	var w protocol.WifiScanEntry
	if err := json.Unmarshal(raw.Payload, &w); err != nil {
		return protocol.Observation{}, fmt.Errorf("%w: wifi_scan payload: %v", ErrMalformedRecord, err)
	}
	if w.Interface == "" {
		return protocol.Observation{}, fmt.Errorf("%w: wifi scan missing interface", ErrMalformedRecord)
	}
	if w.Channel <= 0 {
		return protocol.Observation{}, fmt.Errorf("%w: wifi scan has channel %d", ErrMalformedRecord, w.Channel)
	}

	return protocol.Observation{
		Source:    protocol.SourceWifiScan,
		DeviceKey: w.Interface,
		Timestamp: w.Timestamp,
		Fields: map[string]any{
			"channel":       w.Channel,
			"signal_dbm":    w.SignalDbm,
			"clients_count": w.ClientsCount,
		},
		Wifi: &w,
	}, nil
}

func (n *Normalizer) decodeDHCP(raw protocol.RawRecord) (protocol.Observation, error) {
	var l protocol.DhcpLease
	if err := json.Unmarshal(raw.Payload, &l); err != nil {
		return protocol.Observation{}, fmt.Errorf("%w: dhcp payload: %v", ErrMalformedRecord, err)
	}
	if l.MAC == "" || l.IP == "" {
		return protocol.Observation{}, fmt.Errorf("%w: dhcp lease missing mac or ip", ErrMalformedRecord)
	}

	fields := map[string]any{
		"mac":        strings.ToUpper(strings.ReplaceAll(l.MAC, "-", ":")),
		"ip":         l.IP,
		"expires_at": l.ExpiresAt,
	}
	if l.Hostname != "" {
		fields["hostname"] = l.Hostname
	}

	return protocol.Observation{
		Source:    protocol.SourceDHCP,
		DeviceKey: strings.ToUpper(strings.ReplaceAll(l.MAC, "-", ":")),
		Timestamp: raw.ReceivedAt,
		Fields:    fields,
	}, nil
}

// DedupKey identifies an observation for duplicate suppression: re-delivery
// of the same source+timestamp+device is an idempotent no-op.
func DedupKey(obs protocol.Observation) string {
	return string(obs.Source) + "|" + obs.DeviceKey + "|" + obs.Timestamp.UTC().Format(time.RFC3339Nano)
}

// DedupCache remembers recently seen observation keys with a bounded size.
// Single-goroutine use from the ingestion path; no locking.
type DedupCache struct {
	max   int
	seen  map[string]struct{}
	order []string
}

// NewDedupCache creates a cache holding at most max keys.
func NewDedupCache(max int) *DedupCache {
	return &DedupCache{max: max, seen: make(map[string]struct{}, max)}
}

// Seen records the key and reports whether it was already present.
func (c *DedupCache) Seen(key string) bool {
	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = struct{}{}
	c.order = append(c.order, key)
	if len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	return false
}
