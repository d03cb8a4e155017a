package buffer

import (
	"log/slog"
	"sync"

	"github.com/zsiec/refract/internal/signal"
)

// lowBufferThreshold is the forward gap, in seconds, below which playback is
// considered stalled while the player intends to play.
const lowBufferThreshold = 0.5

// StallReason explains why playback is stalled.
type StallReason string

const (
	ReasonNone      StallReason = ""
	ReasonBuffering StallReason = "buffering"
	ReasonSeeking   StallReason = "seeking"
)

// Health is the monitor's derived output.
type Health struct {
	Gap     float64
	Stalled bool
	Reason  StallReason
}

// PlatformEvent mirrors the media-element events the monitor consumes.
type PlatformEvent string

const (
	EventPlay       PlatformEvent = "play"
	EventPause      PlatformEvent = "pause"
	EventSeeking    PlatformEvent = "seeking"
	EventWaiting    PlatformEvent = "waiting"
	EventStalledEvt PlatformEvent = "stalled"
	EventPlaying    PlatformEvent = "playing"
	EventEnded      PlatformEvent = "ended"
	EventTimeUpdate PlatformEvent = "timeupdate"
)

// Monitor tracks buffered ranges and the platform's stall-related events,
// publishing a Health signal whenever the derived state changes. Signals are
// delivered monotonically with respect to the underlying platform events:
// each event is folded in under one lock acquisition and published before
// the next is accepted.
type Monitor struct {
	log *slog.Logger

	mu              sync.Mutex
	ranges          Ranges
	position        float64
	intendingToPlay bool
	platformStalled bool
	seeking         bool
	last            Health
	hasLast         bool

	sig *signal.Signal[Health]
}

// NewMonitor creates a Monitor. If log is nil, slog.Default() is used.
func NewMonitor(log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		log: log.With("component", "buffer-monitor"),
		sig: signal.New[Health](),
	}
}

// Subscribe registers for health updates; the current health, if derived,
// is delivered immediately.
func (m *Monitor) Subscribe() (<-chan Health, func()) {
	return m.sig.Subscribe()
}

// Health returns the current derived health.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.derive()
}

// Append records [start, end) as buffered.
func (m *Monitor) Append(start, end float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges.Add(start, end)
	m.publish()
}

// Remove drops [start, end) from the buffered set.
func (m *Monitor) Remove(start, end float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges.Remove(start, end)
	m.publish()
}

// Buffered returns a copy of the buffered ranges.
func (m *Monitor) Buffered() []Range {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ranges.All()
}

// SetPosition updates the playhead position.
func (m *Monitor) SetPosition(pos float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.position = pos
	m.publish()
}

// Position returns the current playhead position.
func (m *Monitor) Position() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// OnPlatformEvent folds in a media-element event.
func (m *Monitor) OnPlatformEvent(ev PlatformEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ev {
	case EventPlay:
		m.intendingToPlay = true
	case EventPause:
		m.intendingToPlay = false
	case EventSeeking:
		m.seeking = true
		m.platformStalled = true
	case EventWaiting, EventStalledEvt:
		m.platformStalled = true
	case EventPlaying:
		m.platformStalled = false
		m.seeking = false
	case EventEnded:
		m.intendingToPlay = false
		m.platformStalled = false
		m.seeking = false
	}
	m.publish()
}

// Reset clears all buffered and stall state for a content change.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ranges.Clear()
	m.position = 0
	m.intendingToPlay = false
	m.platformStalled = false
	m.seeking = false
	m.hasLast = false
}

// EnforcePolicy evicts buffered media outside the retention window around
// pos, invoking remove for each evicted interval. maxBehind and maxAhead are
// in seconds; a non-positive bound means unlimited on that side.
func (m *Monitor) EnforcePolicy(pos, maxBehind, maxAhead float64, remove func(start, end float64)) {
	m.mu.Lock()
	all := m.ranges.All()
	m.mu.Unlock()

	for _, r := range all {
		if maxBehind > 0 && r.Start < pos-maxBehind {
			end := pos - maxBehind
			if r.End < end {
				end = r.End
			}
			remove(r.Start, end)
			m.Remove(r.Start, end)
		}
		if maxAhead > 0 && r.End > pos+maxAhead {
			start := pos + maxAhead
			if r.Start > start {
				start = r.Start
			}
			remove(start, r.End)
			m.Remove(start, r.End)
		}
	}
}

// derive computes Health from current state. Callers hold m.mu.
func (m *Monitor) derive() Health {
	gap := m.ranges.GapAt(m.position)
	stalled := m.platformStalled || (m.intendingToPlay && gap < lowBufferThreshold)
	reason := ReasonNone
	if stalled {
		reason = ReasonBuffering
		if m.seeking {
			reason = ReasonSeeking
		}
	}
	return Health{Gap: gap, Stalled: stalled, Reason: reason}
}

// publish emits the derived health when it differs from the last published
// value. Callers hold m.mu.
func (m *Monitor) publish() {
	h := m.derive()
	if m.hasLast && h == m.last {
		return
	}
	m.last = h
	m.hasLast = true
	m.sig.Publish(h)
}
