// internal/wifi/analyzer.go
package wifi

import (
	"fmt"
	"sort"
	"sync"

	"github.com/clawsight/sentinel/internal/config"
	"github.com/clawsight/sentinel/internal/protocol"
)

// Signal classification labels.
const (
	SignalGood = "good"
	SignalFair = "fair"
	SignalPoor = "poor"
)

// Congestion classification labels.
const (
	CongestionClear    = "clear"
	CongestionModerate = "moderate"
	CongestionHigh     = "congested"
)

// Overlap classification labels.
const (
	OverlapNone    = "none"
	OverlapPartial = "partial"
	OverlapSevere  = "severe"
)

// Analyzer classifies periodic scan snapshots per interface. Each snapshot
// replaces the previous one wholesale; only a short trail is retained for
// streak detection.
type Analyzer struct {
	cfg config.WifiConfig

	mu     sync.Mutex
	ifaces map[string]*ifaceState
}

type ifaceState struct {
	last protocol.WifiSnapshot
	// poorStreak counts consecutive snapshots classified poor.
	poorStreak int
	// streakAuthFailures accumulates auth failures over the poor streak.
	streakAuthFailures int
}

// New creates an Analyzer.
func New(cfg config.WifiConfig) *Analyzer {
	return &Analyzer{cfg: cfg, ifaces: make(map[string]*ifaceState)}
}

// Analyze classifies one scan cycle and returns the snapshot plus any issues
// it raises.
func (a *Analyzer) Analyze(entry protocol.WifiScanEntry) (protocol.WifiSnapshot, []protocol.Issue) {
	snap := protocol.WifiSnapshot{
		Interface:    entry.Interface,
		Timestamp:    entry.Timestamp,
		Channel:      entry.Channel,
		SignalDbm:    entry.SignalDbm,
		Neighbors:    entry.Neighbors,
		ClientsCount: entry.ClientsCount,
		AuthFailures: entry.AuthFailures,
	}

	snap.SignalClass = a.classifySignal(entry.SignalDbm)

	overlapping := overlappingNeighbors(entry.Channel, entry.Neighbors)
	snap.Overlap = a.classifyOverlap(entry.SignalDbm, overlapping)

	if entry.CongestionPct != nil {
		snap.CongestionPct = *entry.CongestionPct
	} else {
		snap.CongestionPct = estimateCongestion(overlapping)
	}
	snap.Congestion = a.classifyCongestion(snap.CongestionPct)

	a.mu.Lock()
	st, ok := a.ifaces[entry.Interface]
	if !ok {
		st = &ifaceState{}
		a.ifaces[entry.Interface] = st
	}
	if snap.SignalClass == SignalPoor {
		st.poorStreak++
		st.streakAuthFailures += entry.AuthFailures
	} else {
		st.poorStreak = 0
		st.streakAuthFailures = 0
	}
	poorStreak, streakAuth := st.poorStreak, st.streakAuthFailures
	st.last = snap
	a.mu.Unlock()

	var issues []protocol.Issue

	if snap.Overlap == OverlapSevere {
		issues = append(issues, protocol.Issue{
			Severity:       protocol.SeverityWarning,
			Type:           "wifi_overlap",
			Description:    fmt.Sprintf("channel %d on %s has severe overlap with %d neighboring APs", snap.Channel, snap.Interface, len(overlapping)),
			Recommendation: "move to a less occupied channel",
			DeviceKey:      snap.Interface,
		})
	}

	if snap.Congestion == CongestionHigh {
		issues = append(issues, protocol.Issue{
			Severity:       protocol.SeverityWarning,
			Type:           "wifi_congestion",
			Description:    fmt.Sprintf("channel %d on %s is %.0f%% utilized", snap.Channel, snap.Interface, snap.CongestionPct),
			Recommendation: "switch channel or reduce load",
			DeviceKey:      snap.Interface,
		})
	}

	if poorStreak >= a.cfg.PoorSignalStreak {
		severity := protocol.SeverityWarning
		desc := fmt.Sprintf("signal on %s poor (%.0f dBm) for %d consecutive scans", snap.Interface, snap.SignalDbm, poorStreak)
		if streakAuth > a.cfg.AuthFailureThreshold {
			severity = protocol.SeverityCritical
			desc = fmt.Sprintf("%s with %d client auth failures", desc, streakAuth)
		}
		issues = append(issues, protocol.Issue{
			Severity:       severity,
			Type:           "wifi_signal",
			Description:    desc,
			Recommendation: "reposition the AP or raise transmit power",
			DeviceKey:      snap.Interface,
		})
	}

	return snap, issues
}

// Snapshot returns the latest snapshot for an interface.
func (a *Analyzer) Snapshot(iface string) (protocol.WifiSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.ifaces[iface]
	if !ok {
		return protocol.WifiSnapshot{}, false
	}
	return st.last, true
}

// Snapshots returns the latest snapshot of every interface, sorted by name.
func (a *Analyzer) Snapshots() []protocol.WifiSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]protocol.WifiSnapshot, 0, len(a.ifaces))
	for _, st := range a.ifaces {
		out = append(out, st.last)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Interface < out[j].Interface })
	return out
}

// Clients returns the total client count across interfaces.
func (a *Analyzer) Clients() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, st := range a.ifaces {
		total += st.last.ClientsCount
	}
	return total
}

func (a *Analyzer) classifySignal(dbm float64) string {
	switch {
	case dbm > a.cfg.SignalGoodDbm:
		return SignalGood
	case dbm < a.cfg.SignalPoorDbm:
		return SignalPoor
	default:
		return SignalFair
	}
}

func (a *Analyzer) classifyCongestion(pct float64) string {
	switch {
	case pct > a.cfg.CongestionHighPct:
		return CongestionHigh
	case pct >= a.cfg.CongestionModeratePct:
		return CongestionModerate
	default:
		return CongestionClear
	}
}

// classifyOverlap applies the fixed policy: none without sharing, partial
// for one overlapping neighbor, severe for two or more or any overlapping
// neighbor within 10 dBm of the local AP.
func (a *Analyzer) classifyOverlap(localDbm float64, overlapping []protocol.NeighborEntry) string {
	if len(overlapping) == 0 {
		return OverlapNone
	}
	if len(overlapping) >= 2 {
		return OverlapSevere
	}
	for _, n := range overlapping {
		d := localDbm - n.SignalDbm
		if d < 0 {
			d = -d
		}
		if d <= 10 {
			return OverlapSevere
		}
	}
	return OverlapPartial
}

// overlappingNeighbors filters neighbors whose channel overlaps ours within
// the band's channel width. 2.4 GHz channels sit 5 MHz apart under a 20 MHz
// width, so anything within 4 channels overlaps; 5 GHz channels are spaced a
// full width apart, so only an identical channel counts.
func overlappingNeighbors(channel int, neighbors []protocol.NeighborEntry) []protocol.NeighborEntry {
	var out []protocol.NeighborEntry
	for _, n := range neighbors {
		if sameBand(channel, n.Channel) && channelsOverlap(channel, n.Channel) {
			out = append(out, n)
		}
	}
	return out
}

func sameBand(a, b int) bool {
	return (a <= 14) == (b <= 14)
}

func channelsOverlap(a, b int) bool {
	if a > 14 {
		return a == b
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= 4
}

// estimateCongestion derives a utilization percentage when the scan source
// does not report one: mean overlapping-neighbor signal weighted against the
// neighbor count, saturating at five networks.
func estimateCongestion(overlapping []protocol.NeighborEntry) float64 {
	if len(overlapping) == 0 {
		return 0
	}
	var sum float64
	for _, n := range overlapping {
		sum += n.SignalDbm
	}
	avg := sum / float64(len(overlapping))

	signalWeight := (avg + 90) / 60
	if signalWeight < 0 {
		signalWeight = 0
	}
	if signalWeight > 1 {
		signalWeight = 1
	}
	countWeight := float64(len(overlapping)) / 5
	if countWeight > 1 {
		countWeight = 1
	}

	pct := (signalWeight*0.7 + countWeight*0.3) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
