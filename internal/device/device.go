// Package device emits the device-side inputs the chooser reacts to:
// viewport width and document visibility. The embedding layer calls the
// setters when the platform reports changes; the chooser subscribes.
package device

import (
	"math"

	"github.com/zsiec/refract/internal/signal"
)

// State is a point-in-time view of the device.
type State struct {
	// Width is the viewport width in device pixels. +Inf means unknown or
	// unconstrained.
	Width float64
	// Visible reports whether the document is currently visible.
	Visible bool
}

// Source publishes device state changes. Safe for concurrent use.
type Source struct {
	sig *signal.Signal[State]
}

// NewSource creates a Source with an unconstrained, visible initial state.
func NewSource() *Source {
	s := &Source{sig: signal.New[State]()}
	s.sig.Publish(State{Width: math.Inf(1), Visible: true})
	return s
}

// SetWidth updates the viewport width and notifies subscribers.
func (s *Source) SetWidth(w float64) {
	cur, _ := s.sig.Get()
	if w <= 0 {
		w = math.Inf(1)
	}
	cur.Width = w
	s.sig.Publish(cur)
}

// SetVisible updates document visibility and notifies subscribers.
func (s *Source) SetVisible(visible bool) {
	cur, _ := s.sig.Get()
	cur.Visible = visible
	s.sig.Publish(cur)
}

// Current returns the latest state.
func (s *Source) Current() State {
	cur, _ := s.sig.Get()
	return cur
}

// Subscribe registers for state updates; the current state is delivered
// immediately.
func (s *Source) Subscribe() (<-chan State, func()) {
	return s.sig.Subscribe()
}
