package player

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/adaptive"
	"github.com/zsiec/refract/internal/bandwidth"
	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/internal/errs"
	"github.com/zsiec/refract/internal/segment"
	"github.com/zsiec/refract/media"
)

// pacingInterval is how often a saturated track loop rechecks the buffer
// level, and how often a persistent stall is re-fed to the choosers so
// their stall-fallback window can elapse.
const pacingInterval = 500 * time.Millisecond

// LoadContent starts loading a content. Loading while another content is
// active stops it first, cancelling its in-flight requests. ctx governs the
// load phase (manifest, DRM init); playback runs until Stop, Dispose, a
// fatal error, or end of stream.
func (p *Player) LoadContent(ctx context.Context, opts LoadOptions) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return ErrDisposed
	}
	active := p.state != StateStopped
	p.mu.Unlock()
	if active {
		p.stop(nil)
	}

	p.mu.Lock()
	p.lastErr = nil
	p.setStateLocked(StateLoading)
	p.mu.Unlock()

	m, err := p.manifests.Load(ctx, opts.URL)
	if err != nil {
		ferr := errs.New(errs.KindManifest, err)
		p.fatalError(ferr)
		return ferr
	}
	if err := m.Validate(); err != nil {
		ferr := errs.New(errs.KindManifest, err)
		p.fatalError(ferr)
		return ferr
	}

	var session KeySession
	if len(opts.KeySystems) > 0 && p.keys != nil {
		session, err = p.keys.Init(ctx, opts.KeySystems)
		if err != nil {
			ferr := errs.New(errs.KindKey, err)
			p.fatalError(ferr)
			return ferr
		}
	}

	var transport segment.Transport
	switch opts.Transport {
	case "", "http":
		transport = segment.NewHTTPTransport(nil, p.log)
	case "http3":
		transport = segment.NewHTTP3Transport(nil, p.log)
	default:
		ferr := errs.New(errs.KindManifest, fmt.Errorf("unsupported transport %q", opts.Transport))
		p.fatalError(ferr)
		return ferr
	}

	tracks := selectTracks(m, opts)
	if len(tracks) == 0 {
		ferr := errs.New(errs.KindManifest, fmt.Errorf("manifest has no usable tracks"))
		p.fatalError(ferr)
		return ferr
	}

	bwCfg := p.cfg.Bandwidth
	bwCfg.LowLatencyMode = opts.LowLatencyMode
	plCfg := p.cfg.Pipeline
	plCfg.LowLatencyMode = opts.LowLatencyMode

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.manifest = m
	p.startAt = math.Max(m.MinPosition, math.Min(opts.StartAt, m.MaxPosition))
	p.estimator = bandwidth.NewEstimator(bwCfg, p.log)
	p.choosers = make(map[media.TrackType]*adaptive.Chooser, len(tracks))
	p.pipelines = make(map[media.TrackType]*segment.Pipeline, len(tracks))
	for t, ad := range tracks {
		c := adaptive.NewChooser(t, p.cfg.Chooser, p.log)
		if v, ok := p.maxBitrate[t]; ok {
			c.SetMaxBitrate(v)
		}
		if v := p.manualBitrate[t]; v != 0 {
			c.SetManualBitrate(v)
		}
		c.SetAdaptation(ad)
		p.choosers[t] = c

		cfg := plCfg
		if t == media.TypeImage {
			cfg.Retry.MaxRetry = 0
		}
		pl := segment.NewPipeline(t, transport, nil, p.bus, cfg, p.log)
		pl.SetGauges(p.gauges)
		p.pipelines[t] = pl
	}
	p.keySession = session
	p.runCancel = cancel
	p.runDone = done
	if opts.AutoPlay {
		p.returnState = StatePlaying
	} else {
		p.returnState = StatePaused
	}
	choosers := p.choosers
	pipelines := p.pipelines
	startAt := p.startAt
	p.mu.Unlock()

	p.monitor.SetPosition(startAt)
	if opts.AutoPlay {
		p.monitor.OnPlatformEvent(buffer.EventPlay)
	}
	p.emit(Event{Kind: EventManifestChange, Manifest: m})

	go p.watchDevice(runCtx)
	go p.watchHealth(runCtx)
	for t, c := range choosers {
		go p.watchSelection(runCtx, t, c)
	}
	if session != nil {
		go p.watchKeys(runCtx, session)
	}

	g, gctx := errgroup.WithContext(runCtx)
	for t, ad := range tracks {
		g.Go(func() error {
			return p.runTrack(gctx, t, ad, pipelines[t], choosers[t], m, startAt)
		})
	}
	go func() {
		err := g.Wait()
		close(done)
		if runCtx.Err() != nil {
			return // stopped externally; no terminal transition
		}
		if err != nil {
			p.fatalError(err)
			return
		}
		p.mu.Lock()
		p.setStateLocked(StateEnded)
		p.mu.Unlock()
	}()

	return nil
}

// selectTracks maps each activated track type to its adaptation: video and
// audio whenever the manifest carries them, text and image on request.
func selectTracks(m *media.Manifest, opts LoadOptions) map[media.TrackType]*media.Adaptation {
	tracks := make(map[media.TrackType]*media.Adaptation)
	if ad := m.AdaptationFor(media.TypeVideo, ""); ad != nil {
		tracks[media.TypeVideo] = ad
	}
	if ad := m.AdaptationFor(media.TypeAudio, opts.DefaultAudioTrack); ad != nil {
		tracks[media.TypeAudio] = ad
	}
	if opts.DefaultTextTrack != "" {
		if ad := m.AdaptationFor(media.TypeText, opts.DefaultTextTrack); ad != nil {
			tracks[media.TypeText] = ad
		}
	}
	for _, id := range opts.SupplementaryTextTracks {
		if ad := adaptationByID(m, media.TypeText, id); ad != nil {
			tracks[media.TypeText] = ad
			break
		}
	}
	for _, id := range opts.SupplementaryImageTracks {
		if ad := adaptationByID(m, media.TypeImage, id); ad != nil {
			tracks[media.TypeImage] = ad
			break
		}
	}
	return tracks
}

func adaptationByID(m *media.Manifest, t media.TrackType, id string) *media.Adaptation {
	list := m.Adaptations[t]
	for i := range list {
		if list[i].ID == id {
			return &list[i]
		}
	}
	return nil
}

// runTrack is the per-track fetch loop: keep the buffer filled up to the
// wanted level with segments of the currently selected representation.
func (p *Player) runTrack(ctx context.Context, track media.TrackType, ad *media.Adaptation, pl *segment.Pipeline, ch *adaptive.Chooser, m *media.Manifest, startAt float64) error {
	selCh, cancelSel := ch.Subscribe()
	defer cancelSel()

	var sel adaptive.Selection
	select {
	case sel = <-selCh:
	case <-ctx.Done():
		return nil
	}

	segDur := m.SegmentDuration
	if segDur <= 0 {
		return errs.New(errs.KindManifest, fmt.Errorf("manifest segment duration %v", segDur))
	}
	index := int(startAt / segDur)
	nextPos := float64(index) * segDur
	initLoadedFor := ""

	for ctx.Err() == nil {
		select {
		case s := <-selCh:
			sel = s
		default:
		}

		// Pace against the buffer: once the wanted level is reached, wait
		// for consumption or a selection change.
		p.mu.Lock()
		wanted := p.wantedBufferAhead
		p.mu.Unlock()
		if nextPos > p.monitor.Position()+wanted {
			select {
			case s := <-selCh:
				sel = s
			case <-time.After(pacingInterval):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		repr := sel.Representation
		if initLoadedFor != repr.ID {
			if err := p.ensureInit(ctx, pl, repr, track); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			initLoadedFor = repr.ID
		}

		desc := media.MediaSegment(repr, index, segDur)
		parsed, err := p.loadOne(ctx, pl, repr, desc, track)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A 4xx on one rendition may not afflict the others: retry the
			// segment once at the lowest rung before declaring it fatal.
			if errs.KindOf(err) == errs.KindHTTP && repr.ID != ad.Lowest().ID {
				p.emit(Event{Kind: EventWarning, Track: track, Err: err})
				low := ad.Lowest()
				if ierr := p.ensureInit(ctx, pl, low, track); ierr == nil {
					parsed, err = p.loadOne(ctx, pl, low, media.MediaSegment(low, index, segDur), track)
				}
			}
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}

		if err := p.appendMedia(parsed, desc); err != nil {
			return err
		}
		nextPos += segDur
		index++

		if !m.IsLive && nextPos >= m.MaxPosition {
			p.log.Debug("track reached end of stream", "track", string(track))
			return nil
		}
	}
	return nil
}

// ensureInit loads (or revalidates from cache) the representation's
// initialization segment and appends it to the source buffer.
func (p *Player) ensureInit(ctx context.Context, pl *segment.Pipeline, repr media.Representation, track media.TrackType) error {
	if repr.InitURL == "" {
		return nil
	}
	parsed, err := p.loadOne(ctx, pl, repr, media.InitSegment(repr), track)
	if err != nil {
		return err
	}
	if err := p.source.Append(parsed.Data, 0, 0); err != nil {
		return errs.New(errs.KindMedia, fmt.Errorf("append init segment: %w", err))
	}
	return nil
}

// appendMedia pushes a parsed media segment into the source buffer and the
// buffer monitor, and drives the LOADING → LOADED transition on the first
// appended media.
func (p *Player) appendMedia(parsed *segment.Parsed, desc media.SegmentDescriptor) error {
	end := desc.Position + desc.Duration
	if err := p.source.Append(parsed.Data, desc.Position, end); err != nil {
		return errs.New(errs.KindMedia, fmt.Errorf("append segment: %w", err))
	}
	p.monitor.Append(desc.Position, end)

	p.mu.Lock()
	if !p.appendedAny {
		p.appendedAny = true
		if p.state == StateLoading {
			p.setStateLocked(StateLoaded)
			if p.returnState == StatePlaying {
				p.setStateLocked(StatePlaying)
			}
		}
	}
	p.mu.Unlock()
	return nil
}

// loadOne drives a single pipeline load to completion, relaying warnings to
// the event stream. A cancelled load returns ctx.Err().
func (p *Player) loadOne(ctx context.Context, pl *segment.Pipeline, repr media.Representation, desc media.SegmentDescriptor, track media.TrackType) (*segment.Parsed, error) {
	var parsed *segment.Parsed
	for ev := range pl.LoadSegment(ctx, repr, desc) {
		switch ev.Kind {
		case segment.EventWarning:
			p.emit(Event{Kind: EventWarning, Track: track, Err: ev.Err})
		case segment.EventError:
			return nil, ev.Err
		case segment.EventParsed:
			parsed = ev.Parsed
		}
	}
	if parsed == nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, errs.New(errs.KindNetwork, fmt.Errorf("segment load ended without result"))
	}
	return parsed, nil
}

// watchDevice routes viewport and visibility changes into the video chooser.
func (p *Player) watchDevice(ctx context.Context) {
	ch, cancel := p.device.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-ch:
			p.mu.Lock()
			c := p.choosers[media.TypeVideo]
			p.mu.Unlock()
			if c == nil {
				continue
			}
			if p.cfg.LimitResolution {
				c.SetLimitWidth(st.Width)
			}
			throttle := math.Inf(1)
			if !st.Visible {
				throttle = p.cfg.ThrottleBitrateWhenHidden
			}
			c.SetThrottleBitrate(throttle)
		}
	}
}

// watchHealth routes buffer health into the choosers and drives the
// BUFFERING and SEEKING state transitions. While a stall persists, the
// stall state is re-fed periodically so the choosers' fallback window can
// elapse without a fresh platform event.
func (p *Player) watchHealth(ctx context.Context) {
	ch, cancel := p.monitor.Subscribe()
	defer cancel()

	ticker := time.NewTicker(pacingInterval)
	defer ticker.Stop()

	var last buffer.Health
	apply := func(h buffer.Health) {
		p.mu.Lock()
		choosers := p.choosers
		if h.Stalled && !p.wasStalled {
			p.gauges.Stalls.Inc()
		}
		p.wasStalled = h.Stalled
		if p.state.active() && p.state != StateEnded {
			switch {
			case h.Stalled && h.Reason == buffer.ReasonSeeking:
				p.setStateLocked(StateSeeking)
			case h.Stalled:
				p.setStateLocked(StateBuffering)
			case p.state == StateBuffering || p.state == StateSeeking:
				p.setStateLocked(p.returnState)
			}
		}
		p.mu.Unlock()

		for _, c := range choosers {
			c.SetBufferHealth(h.Stalled)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case h := <-ch:
			last = h
			apply(h)
		case <-ticker.C:
			if last.Stalled {
				apply(last)
			}
		}
	}
}

// watchSelection relays chooser output to the event stream and gauges.
func (p *Player) watchSelection(ctx context.Context, track media.TrackType, c *adaptive.Chooser) {
	ch, cancel := c.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case sel := <-ch:
			r := sel.Representation
			p.gauges.SelectedBitrate.WithLabelValues(string(track)).Set(float64(r.Bitrate))
			p.emit(Event{Kind: EventRepresentationChange, Track: track, Representation: &r, Bitrate: r.Bitrate})
			switch track {
			case media.TypeVideo:
				p.emit(Event{Kind: EventVideoBitrateChange, Track: track, Bitrate: r.Bitrate})
			case media.TypeAudio:
				p.emit(Event{Kind: EventAudioBitrateChange, Track: track, Bitrate: r.Bitrate})
			}
		}
	}
}

// watchKeys propagates DRM key status. Unrecoverable key failures are fatal
// for the content; recoverable ones surface as warnings.
func (p *Player) watchKeys(ctx context.Context, session KeySession) {
	for {
		select {
		case <-ctx.Done():
			return
		case status, ok := <-session.Status():
			if !ok {
				return
			}
			if status.Err == nil {
				continue
			}
			if status.Recoverable {
				p.emit(Event{Kind: EventWarning, Err: errs.New(errs.KindKey, status.Err)})
				continue
			}
			p.fatalError(errs.New(errs.KindKey, status.Err))
			return
		}
	}
}
