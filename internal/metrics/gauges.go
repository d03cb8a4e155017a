package metrics

import "github.com/prometheus/client_golang/prometheus"

// Gauges holds the engine-state collectors updated by the controller rather
// than the sample path: current estimate, selected bitrates, state changes,
// retries, and stalls.
type Gauges struct {
	Estimate        prometheus.Gauge
	SelectedBitrate *prometheus.GaugeVec
	StateChanges    *prometheus.CounterVec
	Retries         prometheus.Counter
	Stalls          prometheus.Counter
}

// NewGauges creates the engine-state collectors and registers them with reg
// when reg is non-nil.
func NewGauges(reg prometheus.Registerer) *Gauges {
	g := &Gauges{
		Estimate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "refract_bandwidth_estimate_bits",
			Help: "Current bandwidth estimate in bits per second",
		}),
		SelectedBitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refract_selected_bitrate_bits",
			Help: "Bitrate of the currently selected representation, per track type",
		}, []string{"track"}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refract_state_changes_total",
			Help: "Player state transitions, by destination state",
		}, []string{"state"}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refract_segment_retries_total",
			Help: "Segment request retries",
		}),
		Stalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "refract_stalls_total",
			Help: "Playback stalls observed by the buffer monitor",
		}),
	}
	if reg != nil {
		reg.MustRegister(g.Estimate, g.SelectedBitrate, g.StateChanges, g.Retries, g.Stalls)
	}
	return g
}
