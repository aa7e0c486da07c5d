// internal/tracker/tracker.go
package tracker

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/clawsight/sentinel/internal/config"
	"github.com/clawsight/sentinel/internal/metrics"
	"github.com/clawsight/sentinel/internal/protocol"
)

const shardCount = 16

// Tracker maintains per-device liveness state machines. State is sharded by
// device key so updates for different devices proceed without contention;
// each shard is guarded by its own mutex.
type Tracker struct {
	cfg    config.TrackerConfig
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	devices map[string]*device
}

type device struct {
	state protocol.DeviceState
	// flaps holds online<->offline transition instants inside the rolling
	// flap window.
	flaps       []time.Time
	latencyInit bool
	lossInit    bool
}

// New creates a Tracker.
func New(cfg config.TrackerConfig) *Tracker {
	t := &Tracker{cfg: cfg}
	for i := range t.shards {
		t.shards[i].devices = make(map[string]*device)
	}
	return t
}

func (t *Tracker) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &t.shards[h.Sum32()%shardCount]
}

// Observe feeds one normalized observation into the device's state machine.
// It returns the resulting state and whether the status changed. A delivery
// older than the device's last seen instant would move the per-device
// sequence backward and is rejected unchanged.
func (t *Tracker) Observe(obs protocol.Observation) (protocol.DeviceState, bool) {
	s := t.shardFor(obs.DeviceKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[obs.DeviceKey]
	if !ok {
		// LastSeen starts at the first record's timestamp even when that
		// record is an unreachable poll, so the eviction clock always runs.
		d = &device{state: protocol.DeviceState{
			Key:      obs.DeviceKey,
			Status:   protocol.StatusUnknown,
			LastSeen: obs.Timestamp,
		}}
		s.devices[obs.DeviceKey] = d
	}

	if !d.state.LastSeen.IsZero() && obs.Timestamp.Before(d.state.LastSeen) {
		return d.state, false
	}

	if reachable, ok := obs.Fields["reachable"].(bool); ok && !reachable {
		// A poll that got no answer is a missed interval, not contact.
		return t.recordMiss(d, obs.Timestamp)
	}

	prev := d.state.Status
	wasOffline := prev == protocol.StatusOffline

	if wasOffline {
		d.recordTransition(obs.Timestamp, t.cfg.FlapWindow)
		// Stale history from before the outage is discarded.
		d.latencyInit = false
		d.lossInit = false
		d.state.LossRate = 0
		d.state.LatencyMs = 0
	}

	d.state.LastSeen = obs.Timestamp
	d.state.ConsecutiveMisses = 0

	if v, ok := obs.FieldFloat("latency_ms"); ok {
		d.state.LatencyMs = ewma(d.state.LatencyMs, v, t.cfg.EwmaAlpha, d.latencyInit)
		d.latencyInit = true
	}
	if v, ok := obs.FieldFloat("loss_pct"); ok {
		d.state.LossRate = ewma(d.state.LossRate, v, t.cfg.EwmaAlpha, d.lossInit)
		d.lossInit = true
	}

	next := protocol.StatusOnline
	if d.flapCount(obs.Timestamp, t.cfg.FlapWindow) >= t.cfg.FlapThreshold {
		next = protocol.StatusFlapping
	}
	d.setStatus(next, obs.Timestamp)
	d.state.Seq++

	return d.state, d.state.Status != prev
}

func (t *Tracker) recordMiss(d *device, now time.Time) (protocol.DeviceState, bool) {
	if d.state.Status == protocol.StatusUnknown || d.state.Status == protocol.StatusOffline {
		return d.state, false
	}
	prev := d.state.Status
	d.state.ConsecutiveMisses++
	d.state.Seq++
	if d.state.ConsecutiveMisses >= t.cfg.MissThreshold {
		d.recordTransition(now, t.cfg.FlapWindow)
		d.setStatus(protocol.StatusOffline, now)
	}
	return d.state, d.state.Status != prev
}

// Tick advances every device by one expected check interval and returns the
// states that changed status. Devices silent past the grace period are
// evicted.
func (t *Tracker) Tick(now time.Time) []protocol.DeviceState {
	var deltas []protocol.DeviceState
	total := 0

	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, d := range s.devices {
			if !d.state.LastSeen.IsZero() && now.Sub(d.state.LastSeen) > t.cfg.EvictAfter {
				delete(s.devices, key)
				continue
			}
			if d.state.Status == protocol.StatusUnknown || d.state.Status == protocol.StatusOffline {
				continue
			}
			if now.Sub(d.state.LastSeen) < t.cfg.CheckInterval {
				continue
			}
			if st, changed := t.recordMiss(d, now); changed {
				deltas = append(deltas, st)
			}
		}
		total += len(s.devices)
		s.mu.Unlock()
	}

	metrics.TrackedDevices.Set(float64(total))
	return deltas
}

// Get returns the state for one device key.
func (t *Tracker) Get(key string) (protocol.DeviceState, bool) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[key]
	if !ok {
		return protocol.DeviceState{}, false
	}
	return d.state, true
}

// States returns a copy of every device state, sorted by key.
func (t *Tracker) States() []protocol.DeviceState {
	var out []protocol.DeviceState
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, d := range s.devices {
			out = append(out, d.state)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore loads checkpointed states, e.g. after a restart. Flap history is
// not checkpointed; a restart starts the rolling window fresh.
func (t *Tracker) Restore(states []protocol.DeviceState) {
	for _, st := range states {
		s := t.shardFor(st.Key)
		s.mu.Lock()
		s.devices[st.Key] = &device{
			state:       st,
			latencyInit: st.LatencyMs > 0,
			lossInit:    st.LossRate > 0,
		}
		s.mu.Unlock()
	}
}

func (d *device) setStatus(status protocol.DeviceStatus, at time.Time) {
	if d.state.Status == status {
		return
	}
	d.state.Status = status
	d.state.StatusSince = at
	metrics.DeviceTransitions.WithLabelValues(string(status)).Inc()
}

func (d *device) recordTransition(at time.Time, window time.Duration) {
	d.flaps = append(d.flaps, at)
	d.prune(at, window)
}

func (d *device) flapCount(now time.Time, window time.Duration) int {
	d.prune(now, window)
	return len(d.flaps)
}

func (d *device) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(d.flaps) && d.flaps[i].Before(cutoff) {
		i++
	}
	d.flaps = d.flaps[i:]
}

func ewma(cur, sample, alpha float64, initialized bool) float64 {
	if !initialized {
		return sample
	}
	return alpha*sample + (1-alpha)*cur
}
