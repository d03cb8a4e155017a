// Command refract runs the ABR engine headlessly against a JSON manifest,
// logging selection and state changes, with a diagnostics HTTP server
// exposing status and Prometheus metrics.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/refract/internal/config"
	"github.com/zsiec/refract/internal/diag"
	"github.com/zsiec/refract/media"
	"github.com/zsiec/refract/player"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if cfg.Manifest.URL == "" {
		slog.Error("manifest.url is required (REFRACT_MANIFEST__URL or config file)")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	registry := prometheus.NewRegistry()
	sink := &countingSink{}

	pcfg := player.DefaultConfig()
	if cfg.Buffer.WantedAhead > 0 {
		pcfg.WantedBufferAhead = cfg.Buffer.WantedAhead
	}
	pcfg.MaxBufferAhead = config.MaxOrInf(cfg.Buffer.MaxAhead)
	pcfg.MaxBufferBehind = config.MaxOrInf(cfg.Buffer.MaxBehind)

	p, err := player.New(pcfg, player.Deps{
		Manifests: newManifestLoader(),
		Source:    sink,
		Log:       slog.Default(),
		Registry:  registry,
	})
	if err != nil {
		slog.Error("failed to create player", "error", err)
		os.Exit(1)
	}
	defer p.Dispose()

	if cfg.Playback.MaxVideoBitrate > 0 {
		p.SetMaxVideoBitrate(cfg.Playback.MaxVideoBitrate)
	}
	if cfg.Playback.MaxAudioBitrate > 0 {
		p.SetMaxAudioBitrate(cfg.Playback.MaxAudioBitrate)
	}

	slog.Info("refract starting",
		"version", version,
		"manifest", cfg.Manifest.URL,
		"transport", cfg.Playback.Transport,
		"lowLatency", cfg.Playback.LowLatency,
	)

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Diag.Enabled {
		diagSrv := diag.NewServer(cfg.Diag.Addr, registry, snapshotter(p), slog.Default())
		g.Go(func() error {
			return diagSrv.Start(ctx)
		})
	}

	g.Go(func() error {
		return watchEvents(ctx, p, cancel)
	})

	driver := newPlatformDriver(p, cfg.Playback.StartAt, slog.Default())
	g.Go(func() error {
		return driver.run(ctx)
	})

	g.Go(func() error {
		return p.LoadContent(ctx, player.LoadOptions{
			URL:               cfg.Manifest.URL,
			Transport:         cfg.Playback.Transport,
			StartAt:           cfg.Playback.StartAt,
			AutoPlay:          cfg.Playback.AutoPlay,
			DefaultAudioTrack: cfg.Playback.AudioTrack,
			DefaultTextTrack:  cfg.Playback.TextTrack,
			LowLatencyMode:    cfg.Playback.LowLatency,
		})
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("refract exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("refract stopped", "bytesAppended", sink.appended.Load())
}

// watchEvents logs the player's event stream and cancels the run group on
// terminal conditions.
func watchEvents(ctx context.Context, p *player.Player, cancel context.CancelFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-p.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case player.EventStateChange:
				slog.Info("player state", "state", string(ev.State))
				if ev.State == player.StateEnded {
					cancel()
				}
			case player.EventRepresentationChange:
				slog.Info("representation change",
					"track", string(ev.Track),
					"id", ev.Representation.ID,
					"bitrate", ev.Bitrate,
				)
			case player.EventPositionUpdate:
				slog.Debug("position", "pos", ev.Position.Position, "gap", ev.Position.Gap)
			case player.EventWarning:
				slog.Warn("player warning", "error", ev.Err)
			case player.EventError:
				return fmt.Errorf("player error: %w", ev.Err)
			case player.EventManifestChange:
				slog.Info("manifest loaded",
					"live", ev.Manifest.IsLive,
					"maxPosition", ev.Manifest.MaxPosition,
				)
			}
		}
	}
}

// snapshotter adapts the player to the diagnostics status endpoint.
func snapshotter(p *player.Player) diag.Snapshotter {
	return func() diag.Snapshot {
		est, ok := p.GetEstimate()
		h := p.BufferHealth()
		snap := diag.Snapshot{
			State:         string(p.State()),
			EstimateBits:  est,
			EstimateKnown: ok,
			Position:      p.Position(),
			BufferGap:     h.Gap,
			Stalled:       h.Stalled,
			Selections:    map[string]diag.Selected{},
		}
		for _, t := range []media.TrackType{media.TypeVideo, media.TypeAudio, media.TypeText, media.TypeImage} {
			if r, ok := p.SelectedRepresentation(t); ok {
				snap.Selections[string(t)] = diag.Selected{
					ID:      r.ID,
					Bitrate: r.Bitrate,
					Width:   r.Width,
					Height:  r.Height,
				}
			}
		}
		return snap
	}
}
