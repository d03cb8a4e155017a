package main

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/refract/internal/buffer"
	"github.com/zsiec/refract/player"
)

// platformTick is the simulated media-element clock resolution.
const platformTick = 250 * time.Millisecond

// countingSink implements player.SourceBuffer for headless runs, counting
// bytes instead of feeding a decoder.
type countingSink struct {
	appended atomic.Int64
	removed  atomic.Int64
}

func (s *countingSink) Append(data []byte, start, end float64) error {
	s.appended.Add(int64(len(data)))
	return nil
}

func (s *countingSink) Remove(start, end float64) error {
	s.removed.Add(1)
	return nil
}

// platformDriver simulates a media element: it advances the playhead
// through buffered content while the player is PLAYING or BUFFERING, and reports
// waiting/playing transitions when the buffer runs dry or refills.
type platformDriver struct {
	log     *slog.Logger
	p       *player.Player
	stalled bool
	pos     float64
}

func newPlatformDriver(p *player.Player, startAt float64, log *slog.Logger) *platformDriver {
	return &platformDriver{
		log: log.With("component", "platform"),
		p:   p,
		pos: startAt,
	}
}

// run ticks the simulated clock until ctx is cancelled.
func (d *platformDriver) run(ctx context.Context) error {
	ticker := time.NewTicker(platformTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		state := d.p.State()
		if state != player.StatePlaying && state != player.StateBuffering {
			continue
		}

		h := d.p.BufferHealth()
		step := platformTick.Seconds()
		if h.Gap > step {
			if d.stalled {
				d.stalled = false
				d.p.OnPlatformEvent(buffer.EventPlaying)
			}
			d.pos += step
			d.p.OnTimeUpdate(d.pos)
			continue
		}

		if !d.stalled {
			d.stalled = true
			d.log.Debug("simulated element stalled", "position", d.pos)
			d.p.OnPlatformEvent(buffer.EventWaiting)
		}
	}
}
