package segment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zsiec/refract/internal/errs"
	"github.com/zsiec/refract/internal/metrics"
	"github.com/zsiec/refract/media"
)

// Parsed is a downloaded, parser-approved segment payload ready for the
// source buffer.
type Parsed struct {
	Data     []byte
	Duration float64
	IsInit   bool
}

// Parser validates and transforms a raw segment payload. Container
// interpretation happens outside the engine; implementations typically
// check framing and pass bytes through.
type Parser interface {
	Parse(data []byte, desc media.SegmentDescriptor) (*Parsed, error)
}

// RawParser passes payloads through untouched.
type RawParser struct{}

// Parse implements Parser.
func (RawParser) Parse(data []byte, desc media.SegmentDescriptor) (*Parsed, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty segment payload")
	}
	return &Parsed{Data: data, Duration: desc.Duration, IsInit: desc.IsInit}, nil
}

// EventKind discriminates pipeline events.
type EventKind int

const (
	// EventProgress reports bytes received so far during a chunked fetch.
	EventProgress EventKind = iota
	// EventParsed is the successful terminal event.
	EventParsed
	// EventWarning reports a consumed, retried failure.
	EventWarning
	// EventError is the fatal terminal event.
	EventError
)

// Progress carries cumulative transfer state for one in-flight fetch.
type Progress struct {
	DurationMs float64
	Bytes      int64
	IsChunk    bool
}

// Event is one occurrence on a segment load stream. Parsed is set for
// EventParsed, Err for EventWarning and EventError.
type Event struct {
	Kind     EventKind
	Parsed   *Parsed
	Progress Progress
	Err      error
}

// Config controls one pipeline instance.
type Config struct {
	Retry RetryPolicy
	// RequestTimeout is the per-request deadline. Expiry classifies as a
	// retryable network error.
	RequestTimeout time.Duration
	// LowLatencyMode enables chunk progress samples for responses without a
	// content length.
	LowLatencyMode bool
	// ProgressInterval floors the spacing of progress samples.
	ProgressInterval time.Duration
}

// DefaultConfig returns the production pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Retry:            DefaultRetryPolicy(),
		RequestTimeout:   30 * time.Second,
		ProgressInterval: 200 * time.Millisecond,
	}
}

// Pipeline downloads and parses segments for one track type, emitting
// download samples into the metrics bus.
type Pipeline struct {
	log       *slog.Logger
	track     media.TrackType
	transport Transport
	parser    Parser
	bus       *metrics.Bus
	cache     *InitCache
	cfg       Config
	gauges    *metrics.Gauges
}

// NewPipeline creates a pipeline. If parser is nil, RawParser is used; if
// log is nil, slog.Default() is used.
func NewPipeline(track media.TrackType, transport Transport, parser Parser, bus *metrics.Bus, cfg Config, log *slog.Logger) *Pipeline {
	if parser == nil {
		parser = RawParser{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log.With("component", "pipeline", "track", string(track)),
		track:     track,
		transport: transport,
		parser:    parser,
		bus:       bus,
		cache:     NewInitCache(),
		cfg:       cfg,
	}
}

// SetGauges attaches engine-state collectors for retry counting.
func (p *Pipeline) SetGauges(g *metrics.Gauges) {
	p.gauges = g
}

// Stop evicts the init-segment cache. In-flight loads are cancelled through
// their contexts by the owner.
func (p *Pipeline) Stop() {
	p.cache.Clear()
}

// InitCached reports whether an init segment is cached for a representation.
func (p *Pipeline) InitCached(reprID string) bool {
	_, ok := p.cache.Get(reprID)
	return ok
}

// LoadSegment fetches and parses one segment, streaming events on the
// returned channel. The channel closes after a terminal event (EventParsed
// or EventError); a load cancelled through ctx closes the channel with no
// terminal event.
func (p *Pipeline) LoadSegment(ctx context.Context, repr media.Representation, desc media.SegmentDescriptor) <-chan Event {
	out := make(chan Event, 8)
	go func() {
		defer close(out)
		p.load(ctx, repr, desc, out)
	}()
	return out
}

func (p *Pipeline) load(ctx context.Context, repr media.Representation, desc media.SegmentDescriptor, out chan<- Event) {
	reqID := uuid.NewString()
	log := p.log.With("request", reqID, "url", desc.URL)

	var parsed *Parsed
	var err error
	if desc.IsInit {
		// Initialization segments are cached per representation and produce
		// no bandwidth samples. Concurrent callers share one fetch.
		parsed, err = p.cache.GetOrFetch(ctx, repr.ID, func() (*Parsed, error) {
			return p.fetchWithRetry(ctx, log, desc, out, false)
		})
	} else {
		parsed, err = p.fetchWithRetry(ctx, log, desc, out, true)
	}

	if ctx.Err() != nil {
		// Cancelled: no terminal event for the original consumer.
		return
	}
	if err != nil {
		log.Error("segment load failed", "error", err)
		p.emit(ctx, out, Event{Kind: EventError, Err: err})
		return
	}
	p.emit(ctx, out, Event{Kind: EventParsed, Parsed: parsed})
}

// fetchWithRetry runs the attempt loop: network-kind failures retry up to
// the policy budget with backoff; a parse failure earns exactly one fresh
// refetch; everything else is fatal for the segment.
func (p *Pipeline) fetchWithRetry(ctx context.Context, log *slog.Logger, desc media.SegmentDescriptor, out chan<- Event, emitSamples bool) (*Parsed, error) {
	netAttempts := 0
	parseRetried := false
	for {
		parsed, err := p.fetchOnce(ctx, desc, out, emitSamples)
		if err == nil {
			return parsed, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errs.KindOf(err) == errs.KindParse {
			if parseRetried {
				return nil, err
			}
			parseRetried = true
			log.Warn("segment parse failed, refetching", "error", err)
			p.emit(ctx, out, Event{Kind: EventWarning, Err: err})
			continue
		}

		if !errs.Retryable(err) || netAttempts >= p.cfg.Retry.MaxRetry {
			return nil, err
		}

		log.Warn("segment fetch failed, retrying",
			"attempt", netAttempts+1,
			"maxRetry", p.cfg.Retry.MaxRetry,
			"error", err,
		)
		p.emit(ctx, out, Event{Kind: EventWarning, Err: err})
		if p.gauges != nil {
			p.gauges.Retries.Inc()
		}
		if serr := sleep(ctx, p.cfg.Retry.Delay(netAttempts)); serr != nil {
			return nil, serr
		}
		netAttempts++
	}
}

// fetchOnce performs a single deadline-bounded fetch and parse, emitting
// throttled chunk progress for chunked responses.
func (p *Pipeline) fetchOnce(ctx context.Context, desc media.SegmentDescriptor, out chan<- Event, emitSamples bool) (*Parsed, error) {
	rctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	conn, err := p.transport.Open(rctx, desc.URL)
	if err != nil {
		return nil, err
	}
	defer conn.Body.Close()

	chunked := conn.ContentLength < 0 && p.cfg.LowLatencyMode
	start := time.Now()
	var body bytes.Buffer
	throttle := rate.Sometimes{Interval: p.cfg.ProgressInterval}
	buf := make([]byte, 32*1024)

	for {
		n, rerr := conn.Body.Read(buf)
		if n > 0 {
			body.Write(buf[:n])
			if chunked {
				throttle.Do(func() {
					prog := Progress{
						DurationMs: elapsedMs(start),
						Bytes:      int64(body.Len()),
						IsChunk:    true,
					}
					if emitSamples {
						p.bus.Publish(metrics.Sample{
							Timestamp:  time.Now(),
							DurationMs: prog.DurationMs,
							Bytes:      prog.Bytes,
							IsChunk:    true,
						})
					}
					p.emit(ctx, out, Event{Kind: EventProgress, Progress: prog})
				})
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, errs.New(errs.KindNetwork, rerr)
		}
	}

	totalMs := elapsedMs(start)
	parsed, perr := p.parser.Parse(body.Bytes(), desc)
	if perr != nil {
		var classified *errs.Error
		if !errors.As(perr, &classified) {
			perr = errs.New(errs.KindParse, perr)
		}
		return nil, perr
	}

	if emitSamples {
		p.bus.Publish(metrics.Sample{
			Timestamp:  time.Now(),
			DurationMs: totalMs,
			Bytes:      int64(body.Len()),
			IsChunk:    false,
		})
	}
	return parsed, nil
}

// emit delivers ev unless the load is cancelled.
func (p *Pipeline) emit(ctx context.Context, out chan<- Event, ev Event) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func elapsedMs(start time.Time) float64 {
	ms := float64(time.Since(start).Microseconds()) / 1000
	if ms <= 0 {
		ms = 1
	}
	return ms
}
