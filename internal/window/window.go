// internal/window/window.go

// Package window accumulates engine events into fixed, non-overlapping
// analysis windows. A window closes when its duration elapses or when it
// reaches the item cap, whichever comes first; the next window opens at the
// exact closure instant so no event can fall between windows.
package window

import (
	"time"

	"github.com/clawsight/sentinel/internal/metrics"
	"github.com/clawsight/sentinel/internal/protocol"
)

// Item is one event inside a window. Exactly one of the pointers is set.
type Item struct {
	Observation *protocol.Observation  `json:"observation,omitempty"`
	State       *protocol.DeviceState  `json:"state,omitempty"`
	Wifi        *protocol.WifiSnapshot `json:"wifi,omitempty"`
}

// Window is a closed batch of items handed to the classifier.
type Window struct {
	Seq       uint64
	OpenedAt  time.Time
	ClosedAt  time.Time
	Items     []Item
	Truncated bool
}

// Sources returns the distinct observation sources present in the window.
func (w *Window) Sources() map[protocol.Source]bool {
	seen := make(map[protocol.Source]bool)
	for _, it := range w.Items {
		if it.Observation != nil {
			seen[it.Observation.Source] = true
		}
	}
	return seen
}

// Manager owns the single open window. It is driven from one goroutine; the
// engine's run loop serializes Append and Tick.
type Manager struct {
	duration time.Duration
	maxItems int

	seq    uint64
	opened time.Time
	items  []Item
}

// NewManager creates a Manager whose first window opens at start.
func NewManager(duration time.Duration, maxItems int, start time.Time) *Manager {
	return &Manager{
		duration: duration,
		maxItems: maxItems,
		seq:      1,
		opened:   start,
	}
}

// Append adds an item to the open window and returns the closed window if
// the addition filled it to the cap, else nil.
func (m *Manager) Append(now time.Time, it Item) *Window {
	m.items = append(m.items, it)
	if len(m.items) >= m.maxItems {
		metrics.WindowsClosed.WithLabelValues("truncated").Inc()
		return m.close(now, true)
	}
	return nil
}

// Tick closes the open window if its duration has elapsed. An empty window
// still closes and produces a (quiet) diagnosis downstream.
func (m *Manager) Tick(now time.Time) *Window {
	if now.Sub(m.opened) < m.duration {
		return nil
	}
	metrics.WindowsClosed.WithLabelValues("elapsed").Inc()
	return m.close(now, false)
}

// Seq returns the sequence number of the open window.
func (m *Manager) Seq() uint64 { return m.seq }

// Pending returns the open window's current item count.
func (m *Manager) Pending() int { return len(m.items) }

// Restore resumes the window sequence after a restart.
func (m *Manager) Restore(nextSeq uint64) {
	if nextSeq > m.seq {
		m.seq = nextSeq
	}
}

func (m *Manager) close(now time.Time, truncated bool) *Window {
	w := &Window{
		Seq:       m.seq,
		OpenedAt:  m.opened,
		ClosedAt:  now,
		Items:     m.items,
		Truncated: truncated,
	}
	m.seq++
	// The next window opens at the closure instant; an event arriving at
	// exactly that instant belongs to the new window.
	m.opened = now
	m.items = nil
	return w
}
