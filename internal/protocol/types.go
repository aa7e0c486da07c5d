// internal/protocol/types.go
package protocol

import (
	"encoding/json"
	"sort"
	"time"
)

// Source identifies which collector produced a record.
type Source string

const (
	SourceSyslog   Source = "syslog"
	SourceSNMP     Source = "snmp"
	SourceWifiScan Source = "wifi_scan"
	SourceDHCP     Source = "dhcp"
)

// Sources lists every source the engine expects to hear from. Window
// confidence is the fraction of these present in a closed window.
var Sources = []Source{SourceSyslog, SourceSNMP, SourceWifiScan, SourceDHCP}

// RawRecord is what ingestion producers push into the engine. The payload
// shape depends on Source and is decoded by the Normalizer.
type RawRecord struct {
	Source     Source          `json:"source"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// SyslogPayload carries one raw syslog line.
type SyslogPayload struct {
	Line string `json:"line"`
}

// SNMPSample is a structured poll result for one device. Wire decoding
// happens upstream; the engine only sees parsed samples.
type SNMPSample struct {
	DeviceKey string    `json:"device_key"`
	Timestamp time.Time `json:"timestamp"`
	Reachable bool      `json:"reachable"`
	LatencyMs float64   `json:"latency_ms"`
	LossPct   float64   `json:"loss_pct"`
}

// NeighborEntry is one AP seen during a WiFi scan.
type NeighborEntry struct {
	SSID      string  `json:"ssid"`
	BSSID     string  `json:"bssid"`
	Channel   int     `json:"channel"`
	SignalDbm float64 `json:"signal_dbm"`
}

// WifiScanEntry is one scan cycle for one interface.
type WifiScanEntry struct {
	Interface     string          `json:"interface"`
	Timestamp     time.Time       `json:"timestamp"`
	Channel       int             `json:"channel"`
	SignalDbm     float64         `json:"signal_dbm"`
	CongestionPct *float64        `json:"congestion_pct,omitempty"` // computed from neighbors when absent
	Neighbors     []NeighborEntry `json:"neighbors"`
	ClientsCount  int             `json:"clients_count"`
	AuthFailures  int             `json:"auth_failures"`
}

// DhcpLease is one lease record from the router's lease table.
type DhcpLease struct {
	MAC       string    `json:"mac"`
	IP        string    `json:"ip"`
	Hostname  string    `json:"hostname,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Observation is the normalized form every source converges on. Immutable
// once created.
type Observation struct {
	Source       Source         `json:"source"`
	DeviceKey    string         `json:"device_key"`
	Timestamp    time.Time      `json:"timestamp"` // canonical clock, UTC
	ClockSuspect bool           `json:"clock_suspect,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`

	// Wifi holds the decoded scan entry for wifi_scan observations so the
	// analyzer does not have to re-parse Fields.
	Wifi *WifiScanEntry `json:"wifi,omitempty"`
}

// FieldFloat reads a numeric field, tolerating json.Unmarshal's float64
// representation of numbers.
func (o Observation) FieldFloat(name string) (float64, bool) {
	v, ok := o.Fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

// FieldString reads a string field.
func (o Observation) FieldString(name string) (string, bool) {
	v, ok := o.Fields[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DeviceStatus is the tracker's liveness verdict for a device.
type DeviceStatus string

const (
	StatusUnknown  DeviceStatus = "unknown"
	StatusOnline   DeviceStatus = "online"
	StatusOffline  DeviceStatus = "offline"
	StatusFlapping DeviceStatus = "flapping"
)

// DeviceState is the tracker's per-device record. Seq increases with every
// mutation; a delivery that would move it backward is rejected.
type DeviceState struct {
	Key               string       `json:"key"`
	Status            DeviceStatus `json:"status"`
	LastSeen          time.Time    `json:"last_seen"`
	StatusSince       time.Time    `json:"status_since"`
	ConsecutiveMisses int          `json:"consecutive_misses"`
	LossRate          float64      `json:"loss_rate"`
	LatencyMs         float64      `json:"latency_ms"`
	Seq               uint64       `json:"seq"`
}

// WifiSnapshot is the analyzer's classified view of one scan cycle. It
// replaces the previous snapshot for the interface wholesale.
type WifiSnapshot struct {
	Interface     string          `json:"interface"`
	Timestamp     time.Time       `json:"timestamp"`
	Channel       int             `json:"channel"`
	SignalDbm     float64         `json:"signal_dbm"`
	SignalClass   string          `json:"signal_class"` // good, fair, poor
	CongestionPct float64         `json:"congestion_pct"`
	Congestion    string          `json:"congestion"` // clear, moderate, congested
	Overlap       string          `json:"overlap"`    // none, partial, severe
	Neighbors     []NeighborEntry `json:"neighbors"`
	ClientsCount  int             `json:"clients_count"`
	AuthFailures  int             `json:"auth_failures"`
}

// Severity levels, ordered critical > warning > info.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

var severityRank = map[string]int{
	SeverityCritical: 0,
	SeverityWarning:  1,
	SeverityInfo:     2,
}

// Issue is a single finding within a Diagnosis.
type Issue struct {
	Severity       string `json:"severity"`
	Type           string `json:"type,omitempty"`
	Description    string `json:"description"`
	Recommendation string `json:"recommendation,omitempty"`
	DeviceKey      string `json:"device_key,omitempty"`
}

// SortIssues orders issues severity-descending, preserving detection order
// within a severity.
func SortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		return severityRank[issues[i].Severity] < severityRank[issues[j].Severity]
	})
}

// CountBySeverity tallies issues per severity level.
func CountBySeverity(issues []Issue) map[string]int {
	counts := make(map[string]int)
	for _, is := range issues {
		counts[is.Severity]++
	}
	return counts
}

// DiagnosisBody is the inner "diagnosis" object of the persisted schema.
type DiagnosisBody struct {
	Summary string             `json:"summary"`
	Issues  []Issue            `json:"issues"`
	Metrics map[string]float64 `json:"metrics"`
}

// Diagnosis is one immutable document per closed window, identified by
// (date, window sequence). The JSON layout is load-bearing: the dashboard
// and agent API read these files directly.
type Diagnosis struct {
	Timestamp      time.Time     `json:"timestamp"`
	WindowSeq      uint64        `json:"window_seq"`
	Model          string        `json:"model"`
	InputLogsCount int           `json:"input_logs_count"`
	Body           DiagnosisBody `json:"diagnosis"`
	Confidence     float64       `json:"confidence"`
	Truncated      bool          `json:"truncated,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
}

// Date returns the calendar day the diagnosis belongs to.
func (d Diagnosis) Date() string {
	return d.Timestamp.UTC().Format("2006-01-02")
}

// Summary is the read-only projection served to the dashboard/API layer.
type Summary struct {
	Timestamp    time.Time `json:"timestamp"`
	TotalDevices int       `json:"total_devices"`
	OnlineCount  int       `json:"online_count"`
	OfflineCount int       `json:"offline_count"`
	OfflineList  []string  `json:"offline_list"`
	PacketLoss   float64   `json:"packet_loss"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	WifiClients  int       `json:"wifi_clients"`
	ActiveAlert  string    `json:"active_alert,omitempty"`
}

// ScoreRequest is what the classifier hands to the external scoring
// collaborator for ambiguous windows.
type ScoreRequest struct {
	LogsExcerpt   []string           `json:"logs_excerpt"`
	WindowMetrics map[string]float64 `json:"window_metrics"`
}

// ScoreResult is the collaborator's free-form diagnosis.
type ScoreResult struct {
	Summary    string  `json:"summary"`
	Issues     []Issue `json:"issues"`
	Confidence float64 `json:"confidence"`
	Model      string  `json:"model,omitempty"`
}

// TrendStat summarizes one metric over a trend period.
type TrendStat struct {
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
	Min   float64 `json:"min"`
	Trend string  `json:"trend"` // increasing, stable, decreasing
}

// TrendReport compares the first and second half of the retained history.
type TrendReport struct {
	PeriodHours int       `json:"period_hours"`
	DataPoints  int       `json:"data_points"`
	PacketLoss  TrendStat `json:"packet_loss"`
	Latency     TrendStat `json:"latency"`
}
