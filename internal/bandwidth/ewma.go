// Package bandwidth estimates available network throughput from observed
// segment downloads. A pair of exponentially-weighted moving averages on
// different timescales yields a single pessimistic estimate; a short ring of
// chunk bandwidths filters out server-paced samples in low-latency mode.
package bandwidth

import "math"

// EWMA maintains an exponentially-weighted moving average of bandwidth
// values, weighted by sample duration. The estimate is debiased for small
// cumulative weight: a raw weighted mean is biased toward zero until enough
// weight accumulates, so Estimate divides by (1 - alpha^totalWeight).
type EWMA struct {
	alpha       float64
	totalWeight float64
	weightedSum float64
}

// NewEWMA creates an EWMA whose estimate decays to half relevance after
// halfLife seconds of sample weight.
func NewEWMA(halfLife float64) *EWMA {
	return &EWMA{alpha: math.Exp(math.Log(0.5) / halfLife)}
}

// AddSample folds in a bandwidth value observed over weight seconds.
// weight must be non-negative.
func (e *EWMA) AddSample(weight, value float64) {
	adjAlpha := math.Pow(e.alpha, weight)
	e.weightedSum = adjAlpha*e.weightedSum + (1-adjAlpha)*value
	e.totalWeight += weight
}

// Estimate returns the debiased average. Before any sample it returns NaN;
// callers must check with math.IsNaN or use TotalWeight.
func (e *EWMA) Estimate() float64 {
	if e.totalWeight == 0 {
		return math.NaN()
	}
	zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
	return e.weightedSum / zeroFactor
}

// TotalWeight returns the cumulative sample weight in seconds.
func (e *EWMA) TotalWeight() float64 {
	return e.totalWeight
}
