package bandwidth

import (
	"log/slog"
	"math"
	"sync"
)

// chunkRingSize is the number of recent chunk bandwidths retained for the
// low-latency estimate and the server-pacing filter.
const chunkRingSize = 3

// Config controls estimator behavior. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// FastHalfLife and SlowHalfLife are the two EWMA timescales in seconds.
	// The fast average reacts to sudden throughput drops; the slow average
	// smooths transient spikes.
	FastHalfLife float64
	SlowHalfLife float64

	// MinTotalBytes gates the estimate: until this many bytes have been
	// sampled cumulatively, Estimate reports no value.
	MinTotalBytes int64

	// MinChunkBytes drops samples too small to be representative of link
	// capacity.
	MinChunkBytes int64

	// LowLatencyMode enables the chunk ring and its pacing filter.
	LowLatencyMode bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FastHalfLife:  2,
		SlowHalfLife:  10,
		MinTotalBytes: 128_000,
		MinChunkBytes: 16_000,
	}
}

// Estimator converts per-request download samples into a single bandwidth
// estimate in bits per second. Safe for concurrent use.
type Estimator struct {
	log *slog.Logger
	cfg Config

	mu           sync.Mutex
	fast         *EWMA
	slow         *EWMA
	bytesSampled int64
	ring         [chunkRingSize]float64
	ringLen      int
	ringIdx      int
}

// NewEstimator creates an estimator. If log is nil, slog.Default() is used.
func NewEstimator(cfg Config, log *slog.Logger) *Estimator {
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{
		log:  log.With("component", "bandwidth-estimator"),
		cfg:  cfg,
		fast: NewEWMA(cfg.FastHalfLife),
		slow: NewEWMA(cfg.SlowHalfLife),
	}
}

// AddSample records one completed request or chunk: durationMs of transfer
// time, bytes received, and whether the sample is a partial (chunked) read.
//
// In low-latency mode, chunk samples that land just under the recent chunk
// plateau (mean of the last three chunk bandwidths) are rejected outright:
// a sample in (0.8·last, last] indicates server-side pacing rather than link
// capacity, and updating either the ring or the EWMAs from it would drag the
// estimate toward the pacing rate.
func (e *Estimator) AddSample(durationMs float64, bytes int64, isChunk bool) {
	if durationMs <= 0 || bytes < 0 {
		return
	}
	bw := float64(bytes) * 8000 / durationMs

	e.mu.Lock()
	defer e.mu.Unlock()

	if isChunk && e.cfg.LowLatencyMode {
		if last, ok := e.ringMean(); ok && last*0.8 < bw && bw <= last {
			e.log.Debug("rejecting server-paced chunk sample", "bw", bw, "plateau", last)
			return
		}
		e.ring[e.ringIdx] = bw
		e.ringIdx = (e.ringIdx + 1) % chunkRingSize
		if e.ringLen < chunkRingSize {
			e.ringLen++
		}
	}

	if bytes < e.cfg.MinChunkBytes {
		return
	}

	e.bytesSampled += bytes
	weight := durationMs / 1000
	e.fast.AddSample(weight, bw)
	e.slow.AddSample(weight, bw)
}

// Estimate returns the current bandwidth estimate in bits per second.
// serverMayLimit indicates the request class being estimated for: media
// segments may be paced by the origin in low-latency mode, so the chunk-ring
// estimate is allowed to lift the regular estimate for them.
//
// The regular estimate is min(fast, slow): deliberately pessimistic, and
// responsive because the fast EWMA dominates on sudden drops.
func (e *Estimator) Estimate(serverMayLimit bool) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var regular float64
	regularOK := e.bytesSampled >= e.cfg.MinTotalBytes
	if regularOK {
		regular = math.Min(e.fast.Estimate(), e.slow.Estimate())
	}

	if !e.cfg.LowLatencyMode || !serverMayLimit {
		return regular, regularOK
	}

	lowLat, lowLatOK := 0.0, e.ringLen == chunkRingSize
	if lowLatOK {
		lowLat, _ = e.ringMean()
	}

	switch {
	case regularOK && lowLatOK:
		return math.Max(regular, lowLat), true
	case regularOK:
		return regular, true
	case lowLatOK:
		return lowLat, true
	}
	return 0, false
}

// BytesSampled returns the cumulative bytes folded into the EWMAs.
func (e *Estimator) BytesSampled() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bytesSampled
}

// Reset rebuilds both EWMAs and zeroes the byte counter, as on a content
// reload. The chunk ring is cleared as well: leaving stale chunk bandwidths
// in place would let a previous content's pacing plateau reject the first
// samples of the next one.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fast = NewEWMA(e.cfg.FastHalfLife)
	e.slow = NewEWMA(e.cfg.SlowHalfLife)
	e.bytesSampled = 0
	e.ringLen = 0
	e.ringIdx = 0
}

// ringMean returns the mean of the chunk ring, valid only once the ring
// holds chunkRingSize entries.
func (e *Estimator) ringMean() (float64, bool) {
	if e.ringLen < chunkRingSize {
		return 0, false
	}
	var sum float64
	for _, v := range e.ring {
		sum += v
	}
	return sum / chunkRingSize, true
}
