// Package metrics fans per-request download samples from the segment
// pipeline into the bandwidth estimator and exports engine telemetry as
// Prometheus metrics.
package metrics

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sample is one completed transfer observation: how long it took, how many
// bytes arrived, and whether it covers a partial (chunked) read rather than
// a whole segment.
type Sample struct {
	Timestamp  time.Time
	DurationMs float64
	Bytes      int64
	IsChunk    bool
}

// Observer consumes samples in publication order. The bandwidth estimator is
// the primary observer; tests attach their own.
type Observer interface {
	ObserveSample(s Sample)
}

// Bus is the fan-in point for samples. Delivery to observers is synchronous
// and serialized, so observers see samples in exactly the order the pipeline
// emitted them.
type Bus struct {
	log *slog.Logger

	mu        sync.Mutex
	observers []Observer
	closed    bool

	samplesTotal  *prometheus.CounterVec
	bytesTotal    prometheus.Counter
	transferredMs prometheus.Counter
}

// NewBus creates a Bus and registers its collectors with reg. If log is nil,
// slog.Default() is used; if reg is nil, collectors are created unregistered.
func NewBus(log *slog.Logger, reg prometheus.Registerer) *Bus {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		log: log.With("component", "metrics-bus"),
		samplesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refract_samples_total",
			Help: "Download samples observed, by chunkness",
		}, []string{"chunk"}),
		bytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refract_sample_bytes_total",
			Help: "Total bytes covered by download samples",
		}),
		transferredMs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refract_sample_duration_ms_total",
			Help: "Total transfer time covered by download samples in milliseconds",
		}),
	}
	if reg != nil {
		reg.MustRegister(b.samplesTotal, b.bytesTotal, b.transferredMs)
	}
	return b
}

// Attach registers an observer for future samples.
func (b *Bus) Attach(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

// Publish delivers s to every observer. No-op after Close.
func (b *Bus) Publish(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	chunk := "false"
	if s.IsChunk {
		chunk = "true"
	}
	b.samplesTotal.WithLabelValues(chunk).Inc()
	b.bytesTotal.Add(float64(s.Bytes))
	b.transferredMs.Add(s.DurationMs)

	for _, o := range b.observers {
		o.ObserveSample(s)
	}
}

// Close detaches all observers and drops future publishes. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.observers = nil
}
