// Package player exposes the Refract engine to embedders: a controller that
// wires bandwidth estimation, per-track representation choosers, segment
// pipelines, and buffer health monitoring behind a small imperative API with
// an event stream.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/zsiec/refract/internal/adaptive"
	"github.com/zsiec/refract/internal/bandwidth"
	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/device"
	"github.com/zsiec/refract/internal/errs"
	"github.com/zsiec/refract/internal/metrics"
	"github.com/zsiec/refract/internal/segment"
	"github.com/zsiec/refract/media"
)

// ErrDisposed is returned by LoadContent after Dispose.
var ErrDisposed = errors.New("player disposed")

// Deps are the external collaborators injected at construction. Components
// receive their peers' interfaces here; no component owns another's
// lifecycle except through the Player.
type Deps struct {
	Manifests ManifestLoader
	Source    SourceBuffer
	Keys      KeySystem // optional
	Log       *slog.Logger
	Registry  prometheus.Registerer // optional
}

// Player is the engine controller. All methods are safe for concurrent use.
type Player struct {
	log *slog.Logger
	cfg Config

	manifests ManifestLoader
	source    SourceBuffer
	keys      KeySystem

	bus     *metrics.Bus
	gauges  *metrics.Gauges
	device  *device.Source
	monitor *buffer.Monitor

	events       chan Event
	emitMu       sync.RWMutex
	eventsClosed bool
	positionTick rate.Sometimes

	mu          sync.Mutex
	state       State
	returnState State // state to restore after BUFFERING/SEEKING
	disposed    bool
	lastErr     error
	manifest    *media.Manifest
	startAt     float64
	estimator   *bandwidth.Estimator
	choosers    map[media.TrackType]*adaptive.Chooser
	pipelines   map[media.TrackType]*segment.Pipeline
	keySession  KeySession
	runCancel   context.CancelFunc
	runDone     chan struct{}
	appendedAny bool
	wasStalled  bool

	maxBitrate        map[media.TrackType]float64
	manualBitrate     map[media.TrackType]int64
	wantedBufferAhead float64
	maxBufferAhead    float64
	maxBufferBehind   float64
}

// New creates a stopped Player.
func New(cfg Config, deps Deps) (*Player, error) {
	if deps.Manifests == nil {
		return nil, fmt.Errorf("player: Deps.Manifests is required")
	}
	if deps.Source == nil {
		return nil, fmt.Errorf("player: Deps.Source is required")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "player")

	p := &Player{
		log:               log,
		cfg:               cfg,
		manifests:         deps.Manifests,
		source:            deps.Source,
		keys:              deps.Keys,
		bus:               metrics.NewBus(log, deps.Registry),
		gauges:            metrics.NewGauges(deps.Registry),
		device:            device.NewSource(),
		monitor:           buffer.NewMonitor(log),
		events:            make(chan Event, eventBufferSize),
		positionTick:      rate.Sometimes{Interval: cfg.PositionUpdateInterval},
		state:             StateStopped,
		returnState:       StatePaused,
		maxBitrate:        map[media.TrackType]float64{},
		manualBitrate:     map[media.TrackType]int64{},
		wantedBufferAhead: cfg.WantedBufferAhead,
		maxBufferAhead:    cfg.MaxBufferAhead,
		maxBufferBehind:   cfg.MaxBufferBehind,
	}
	p.bus.Attach(estimatorFeed{p})
	return p, nil
}

// estimatorFeed routes bus samples into the current estimator and fans the
// refreshed estimate out to the choosers. Samples are applied in emission
// order; a selection observed by a pipeline therefore always reflects an
// estimator state at least as new as the sample that triggered it.
type estimatorFeed struct{ p *Player }

func (f estimatorFeed) ObserveSample(s metrics.Sample) {
	f.p.mu.Lock()
	est := f.p.estimator
	choosers := f.p.choosers
	f.p.mu.Unlock()
	if est == nil {
		return
	}
	est.AddSample(s.DurationMs, s.Bytes, s.IsChunk)

	v, ok := est.Estimate(true)
	if ok {
		f.p.gauges.Estimate.Set(v)
	}
	for _, c := range choosers {
		c.SetEstimate(v, ok)
	}
}

// State returns the controller state.
func (p *Player) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// GetEstimate returns the current bandwidth estimate in bits per second,
// or ok=false while undefined.
func (p *Player) GetEstimate() (float64, bool) {
	p.mu.Lock()
	est := p.estimator
	p.mu.Unlock()
	if est == nil {
		return 0, false
	}
	return est.Estimate(true)
}

// GetError returns the stored fatal error, if any, until the next load.
func (p *Player) GetError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// SelectedRepresentation returns the current selection for a track type.
func (p *Player) SelectedRepresentation(t media.TrackType) (media.Representation, bool) {
	p.mu.Lock()
	c := p.choosers[t]
	p.mu.Unlock()
	if c == nil {
		return media.Representation{}, false
	}
	sel, ok := c.Current()
	return sel.Representation, ok
}

// SetMaxVideoBitrate caps adaptive video selection. math.Inf(1) uncaps.
// Stored while stopped and applied on the next load.
func (p *Player) SetMaxVideoBitrate(bitsPerSecond float64) { p.setMaxBitrate(media.TypeVideo, bitsPerSecond) }

// SetMaxAudioBitrate caps adaptive audio selection. math.Inf(1) uncaps.
func (p *Player) SetMaxAudioBitrate(bitsPerSecond float64) { p.setMaxBitrate(media.TypeAudio, bitsPerSecond) }

func (p *Player) setMaxBitrate(t media.TrackType, v float64) {
	p.mu.Lock()
	p.maxBitrate[t] = v
	c := p.choosers[t]
	p.mu.Unlock()
	if c != nil {
		c.SetMaxBitrate(v)
	}
}

// SetVideoBitrate pins video to an exact bitrate; 0 returns to auto.
func (p *Player) SetVideoBitrate(bitsPerSecond int64) { p.setManualBitrate(media.TypeVideo, bitsPerSecond) }

// SetAudioBitrate pins audio to an exact bitrate; 0 returns to auto.
func (p *Player) SetAudioBitrate(bitsPerSecond int64) { p.setManualBitrate(media.TypeAudio, bitsPerSecond) }

func (p *Player) setManualBitrate(t media.TrackType, v int64) {
	p.mu.Lock()
	p.manualBitrate[t] = v
	c := p.choosers[t]
	p.mu.Unlock()
	if c != nil {
		c.SetManualBitrate(v)
	}
}

// SetWantedBufferAhead sets the target forward buffer in seconds.
func (p *Player) SetWantedBufferAhead(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wantedBufferAhead = seconds
}

// SetMaxBufferAhead bounds forward retention in seconds; +Inf disables.
func (p *Player) SetMaxBufferAhead(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBufferAhead = seconds
}

// SetMaxBufferBehind bounds backward retention in seconds; +Inf disables.
func (p *Player) SetMaxBufferBehind(seconds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBufferBehind = seconds
}

// SetViewportWidth reports the viewport width in device pixels.
func (p *Player) SetViewportWidth(pixels float64) {
	p.device.SetWidth(pixels)
}

// SetVisible reports document visibility.
func (p *Player) SetVisible(visible bool) {
	p.device.SetVisible(visible)
}

// SeekTo moves the playhead. Exactly one SeekTarget field must be set.
func (p *Player) SeekTo(target SeekTarget) error {
	set := 0
	if target.Position != nil {
		set++
	}
	if target.Relative != nil {
		set++
	}
	if target.WallClockTime != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("seekTo: exactly one target field must be set, got %d", set)
	}

	p.mu.Lock()
	m := p.manifest
	p.mu.Unlock()
	if m == nil {
		return fmt.Errorf("seekTo: no content loaded")
	}

	var pos float64
	switch {
	case target.Position != nil:
		pos = *target.Position
	case target.Relative != nil:
		pos = p.monitor.Position() + *target.Relative
	case target.WallClockTime != nil:
		if m.AvailabilityStart.IsZero() {
			return fmt.Errorf("seekTo: manifest has no wall-clock anchor")
		}
		pos = target.WallClockTime.Sub(m.AvailabilityStart).Seconds()
	}

	pos = math.Max(m.MinPosition, math.Min(pos, m.MaxPosition))
	p.monitor.OnPlatformEvent(buffer.EventSeeking)
	p.monitor.SetPosition(pos)
	p.emit(Event{Kind: EventPositionUpdate, Position: Position{Position: pos, Gap: p.monitor.Health().Gap}})
	return nil
}

// OnPlatformEvent folds in a media-element event from the platform adapter.
func (p *Player) OnPlatformEvent(ev buffer.PlatformEvent) {
	p.monitor.OnPlatformEvent(ev)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.active() {
		return
	}
	switch ev {
	case buffer.EventPlay:
		p.returnState = StatePlaying
		if p.state == StateLoaded || p.state == StatePaused {
			p.setStateLocked(StatePlaying)
		}
	case buffer.EventPause:
		p.returnState = StatePaused
		if p.state == StatePlaying {
			p.setStateLocked(StatePaused)
		}
	case buffer.EventEnded:
		p.setStateLocked(StateEnded)
	}
}

// OnTimeUpdate reports playhead progress from the platform adapter.
func (p *Player) OnTimeUpdate(position float64) {
	p.monitor.SetPosition(position)

	h := p.monitor.Health()
	p.positionTick.Do(func() {
		p.emit(Event{Kind: EventPositionUpdate, Position: Position{Position: position, Gap: h.Gap}})
	})

	p.mu.Lock()
	behind, ahead := p.maxBufferBehind, p.maxBufferAhead
	p.mu.Unlock()
	if !math.IsInf(behind, 1) || !math.IsInf(ahead, 1) {
		p.monitor.EnforcePolicy(position, behind, ahead, func(start, end float64) {
			if err := p.source.Remove(start, end); err != nil {
				p.log.Warn("source buffer remove failed", "error", err)
			}
		})
	}
}

// BufferHealth returns the monitor's current derived health.
func (p *Player) BufferHealth() buffer.Health {
	return p.monitor.Health()
}

// Position returns the current playhead position in seconds.
func (p *Player) Position() float64 {
	return p.monitor.Position()
}

// Stop cancels everything and transitions to STOPPED. Stop from STOPPED is
// a no-op. The stored error survives until the next load.
func (p *Player) Stop() {
	p.stop(nil)
}

func (p *Player) stop(cause error) {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	cancel := p.runCancel
	done := p.runDone
	p.runCancel = nil
	p.runDone = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.mu.Lock()
	for _, pl := range p.pipelines {
		pl.Stop()
	}
	if p.estimator != nil {
		p.estimator.Reset()
	}
	for _, c := range p.choosers {
		c.Reset()
	}
	if p.keySession != nil {
		if err := p.keySession.Close(); err != nil {
			p.log.Warn("key session close failed", "error", err)
		}
		p.keySession = nil
	}
	p.monitor.Reset()
	p.choosers = nil
	p.pipelines = nil
	p.manifest = nil
	p.appendedAny = false
	if cause != nil {
		p.lastErr = cause
	}
	changed := p.state != StateStopped
	if changed {
		p.setStateLocked(StateStopped)
	}
	p.mu.Unlock()

	if cause != nil {
		p.emit(Event{Kind: EventError, Err: cause})
	}
}

// Dispose stops the player and releases it permanently. Calling Dispose
// more than once is harmless.
func (p *Player) Dispose() {
	p.stop(nil)

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.mu.Unlock()

	p.bus.Close()

	p.emitMu.Lock()
	p.eventsClosed = true
	close(p.events)
	p.emitMu.Unlock()
}

// fatalError stores err, stops everything, and emits the error event.
func (p *Player) fatalError(err error) {
	p.log.Error("fatal error", "kind", errs.KindOf(err).String(), "error", err)
	p.stop(err)
}

// setStateLocked transitions the controller state and emits the change
// exactly once. Callers hold p.mu.
func (p *Player) setStateLocked(s State) {
	if p.state == s {
		return
	}
	p.state = s
	p.gauges.StateChanges.WithLabelValues(string(s)).Inc()
	p.log.Info("state change", "state", string(s))
	p.emit(Event{Kind: EventStateChange, State: s})
}
