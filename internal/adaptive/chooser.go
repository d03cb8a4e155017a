// Package adaptive selects, per track type, the representation to request
// next. The chooser combines the bandwidth estimate with user ceilings,
// device constraints, manual pins, and buffer health, and publishes a new
// selection whenever any input changes the outcome.
package adaptive

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/refract/internal/signal"
	"github.com/zsiec/refract/media"
)

const (
	// safetyFactor leaves headroom between the estimate and the selected
	// bitrate so a selection does not saturate the link it was measured on.
	safetyFactor = 0.95

	// Hysteresis bounds. A downswitch needs the cap to fall below 70% of the
	// current bitrate; an upswitch needs 115% of the candidate bitrate.
	downswitchFactor = 0.7
	upswitchFactor   = 1.15

	// stallFallbackAfter is how long a stall may persist before the chooser
	// abandons hysteresis and drops to the lowest filtered representation.
	stallFallbackAfter = 3 * time.Second
)

// Config carries the chooser's tunables.
type Config struct {
	// InitialBitrate stands in for the bandwidth estimate until the
	// estimator produces one.
	InitialBitrate float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{InitialBitrate: 500_000}
}

// Selection is the chooser's output: the representation to fetch next.
type Selection struct {
	Representation media.Representation
	// Manual reports whether the selection came from a user pin rather than
	// the adaptive path.
	Manual bool
}

// Chooser computes the per-track-type selection. All setters recompute
// synchronously and publish only when the selected representation or its
// Manual flag changes.
type Chooser struct {
	log       *slog.Logger
	trackType media.TrackType
	cfg       Config
	now       func() time.Time

	mu         sync.Mutex
	adaptation *media.Adaptation
	estimate   float64
	estimateOK bool
	manual     int64
	maxBitrate float64
	limitWidth float64
	throttle   float64
	stalledAt  time.Time // zero when not stalled
	current    *media.Representation
	currentSel Selection

	sig *signal.Signal[Selection]
}

// NewChooser creates a chooser for one track type. If log is nil,
// slog.Default() is used.
func NewChooser(trackType media.TrackType, cfg Config, log *slog.Logger) *Chooser {
	if log == nil {
		log = slog.Default()
	}
	return &Chooser{
		log:        log.With("component", "chooser", "track", string(trackType)),
		trackType:  trackType,
		cfg:        cfg,
		now:        time.Now,
		maxBitrate: math.Inf(1),
		limitWidth: math.Inf(1),
		throttle:   math.Inf(1),
		sig:        signal.New[Selection](),
	}
}

// Subscribe registers for selection changes; the current selection, if any,
// is delivered immediately.
func (c *Chooser) Subscribe() (<-chan Selection, func()) {
	return c.sig.Subscribe()
}

// Current returns the latest selection and whether one exists.
func (c *Chooser) Current() (Selection, bool) {
	return c.sig.Get()
}

// SetAdaptation installs the representation set to choose from. A nil
// adaptation clears the selection.
func (c *Chooser) SetAdaptation(a *media.Adaptation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adaptation = a
	c.current = nil
	c.recompute()
}

// SetEstimate feeds the latest bandwidth estimate. ok=false marks the
// estimate undefined (insufficient data), in which case the configured
// initial bitrate is used.
func (c *Chooser) SetEstimate(bitsPerSecond float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.estimate = bitsPerSecond
	c.estimateOK = ok
	c.recompute()
}

// SetManualBitrate pins the selection to the given bitrate; 0 returns to
// adaptive selection.
func (c *Chooser) SetManualBitrate(bitsPerSecond int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.manual = bitsPerSecond
	c.recompute()
}

// SetMaxBitrate caps the adaptive selection. Pass math.Inf(1) to uncap.
func (c *Chooser) SetMaxBitrate(bitsPerSecond float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bitsPerSecond <= 0 {
		bitsPerSecond = math.Inf(1)
	}
	c.maxBitrate = bitsPerSecond
	c.recompute()
}

// SetLimitWidth filters out representations wider than the viewport. Only
// video tracks are affected. Pass math.Inf(1) to unconstrain.
func (c *Chooser) SetLimitWidth(pixels float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limitWidth = pixels
	c.recompute()
}

// SetThrottleBitrate caps the selection while the document is hidden.
// math.Inf(1) when visible. Only video tracks are affected.
func (c *Chooser) SetThrottleBitrate(bitsPerSecond float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.throttle = bitsPerSecond
	c.recompute()
}

// SetBufferHealth feeds the monitor's stall state. Once a stall has lasted
// stallFallbackAfter, the chooser forces the lowest filtered representation.
func (c *Chooser) SetBufferHealth(stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stalled {
		if c.stalledAt.IsZero() {
			c.stalledAt = c.now()
		}
	} else {
		c.stalledAt = time.Time{}
	}
	c.recompute()
}

// Reset clears the selection state for a content change. The ceilings and
// the manual pin persist; they are user settings, not content state.
func (c *Chooser) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adaptation = nil
	c.current = nil
	c.estimateOK = false
	c.stalledAt = time.Time{}
}

// recompute runs the selection algorithm and publishes if the outcome
// changed. Callers hold c.mu.
func (c *Chooser) recompute() {
	if c.adaptation == nil || len(c.adaptation.Representations) == 0 {
		return
	}

	sel := c.choose()
	if c.current != nil && c.current.ID == sel.Representation.ID && c.currentSel.Manual == sel.Manual {
		return
	}
	c.current = &sel.Representation
	c.currentSel = sel
	c.log.Debug("selection changed",
		"id", sel.Representation.ID,
		"bitrate", sel.Representation.Bitrate,
		"manual", sel.Manual,
	)
	c.sig.Publish(sel)
}

// choose implements the selection algorithm. Callers hold c.mu.
func (c *Chooser) choose() Selection {
	reps := c.adaptation.Representations

	// Image tracks carry no adaptive policy: always the cheapest rendition.
	if c.trackType == media.TypeImage {
		return Selection{Representation: reps[0]}
	}

	// A manual pin overrides every cap: exact bitrate, or the closest lower,
	// or the lowest when even that is absent.
	if c.manual > 0 {
		pick := reps[0]
		for _, r := range reps {
			if r.Bitrate <= c.manual {
				pick = r
			}
		}
		return Selection{Representation: pick, Manual: true}
	}

	estimate := c.cfg.InitialBitrate
	if c.estimateOK {
		estimate = c.estimate
	}
	throttle := math.Inf(1)
	if c.trackType == media.TypeVideo {
		throttle = c.throttle
	}
	cap := math.Min(estimate*safetyFactor, math.Min(c.maxBitrate, throttle))

	filtered := c.filterByWidth(reps)

	// Stalls trump hysteresis: after the fallback window, take the cheapest
	// representation that survives the width filter.
	if !c.stalledAt.IsZero() && c.now().Sub(c.stalledAt) >= stallFallbackAfter {
		return Selection{Representation: filtered[0]}
	}

	candidate := filtered[0]
	for _, r := range filtered {
		if float64(r.Bitrate) <= cap {
			candidate = r
		}
	}

	// Hysteresis: resist small oscillations of the cap around the current
	// bitrate. Switching down requires the cap to be well below the current
	// rate; switching up requires clear headroom above the candidate.
	if c.current != nil && candidate.ID != c.current.ID && c.inFilteredSet(filtered, c.current.ID) {
		switch {
		case candidate.Bitrate < c.current.Bitrate:
			if cap >= float64(c.current.Bitrate)*downswitchFactor {
				return Selection{Representation: *c.current}
			}
		case candidate.Bitrate > c.current.Bitrate:
			if cap < float64(candidate.Bitrate)*upswitchFactor {
				return Selection{Representation: *c.current}
			}
		}
	}

	return Selection{Representation: candidate}
}

// filterByWidth drops video representations wider than the viewport, keeping
// at least the narrowest so the filtered set is never empty.
func (c *Chooser) filterByWidth(reps []media.Representation) []media.Representation {
	if c.trackType != media.TypeVideo || math.IsInf(c.limitWidth, 1) {
		return reps
	}
	filtered := make([]media.Representation, 0, len(reps))
	for _, r := range reps {
		if r.Width == 0 || float64(r.Width) <= c.limitWidth {
			filtered = append(filtered, r)
		}
	}
	if len(filtered) == 0 {
		narrowest := reps[0]
		for _, r := range reps[1:] {
			if r.Width < narrowest.Width {
				narrowest = r
			}
		}
		filtered = append(filtered, narrowest)
	}
	return filtered
}

func (c *Chooser) inFilteredSet(filtered []media.Representation, id string) bool {
	for _, r := range filtered {
		if r.ID == id {
			return true
		}
	}
	return false
}
