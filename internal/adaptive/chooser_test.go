package adaptive

import (
	"math"
	"testing"
	"time"

	"github.com/zsiec/refract/media"
)

func ladder() *media.Adaptation {
	return &media.Adaptation{
		ID:   "video-main",
		Type: media.TypeVideo,
		Representations: []media.Representation{
			{ID: "v500k", Bitrate: 500_000, Width: 640, Height: 360},
			{ID: "v1m", Bitrate: 1_000_000, Width: 1280, Height: 720},
			{ID: "v2m", Bitrate: 2_000_000, Width: 1920, Height: 1080},
			{ID: "v5m", Bitrate: 5_000_000, Width: 3840, Height: 2160},
		},
	}
}

func newVideoChooser() *Chooser {
	c := NewChooser(media.TypeVideo, DefaultConfig(), nil)
	c.SetAdaptation(ladder())
	return c
}

func mustCurrent(t *testing.T, c *Chooser) Selection {
	t.Helper()
	sel, ok := c.Current()
	if !ok {
		t.Fatal("no current selection")
	}
	return sel
}

func TestChooserPicksHighestUnderCap(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(3_000_000, true)

	// 3M · 0.95 = 2.85M: v2m is the highest fit.
	if got := mustCurrent(t, c).Representation.ID; got != "v2m" {
		t.Fatalf("selection = %s, want v2m", got)
	}
}

func TestChooserMonotoneDownshift(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(600_000, true)

	if got := mustCurrent(t, c).Representation.ID; got != "v500k" {
		t.Fatalf("selection at 600 kbps = %s, want v500k", got)
	}
}

func TestChooserFallsBackToLowestWhenNothingFits(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(100_000, true)

	if got := mustCurrent(t, c).Representation.ID; got != "v500k" {
		t.Fatalf("selection below ladder = %s, want v500k", got)
	}
}

func TestChooserHysteresisResistsOscillation(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(3_000_000, true) // cap 2.85M clears the upswitch headroom
	if got := mustCurrent(t, c).Representation.ID; got != "v2m" {
		t.Fatalf("initial selection = %s, want v2m", got)
	}

	for i, cap := range []float64{2_200_000, 1_900_000, 2_200_000, 1_900_000} {
		c.SetEstimate(cap/safetyFactor, true)
		if got := mustCurrent(t, c).Representation.ID; got != "v2m" {
			t.Fatalf("tick %d (cap %v): selection = %s, want v2m", i, cap, got)
		}
	}
}

func TestChooserDownswitchBelowThreshold(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(3_000_000, true)
	if got := mustCurrent(t, c).Representation.ID; got != "v2m" {
		t.Fatalf("initial selection = %s, want v2m", got)
	}

	// Cap at 1.3M is below 2M · 0.7: the downswitch goes through.
	c.SetEstimate(1_300_000/safetyFactor, true)
	if got := mustCurrent(t, c).Representation.ID; got != "v1m" {
		t.Fatalf("selection after deep drop = %s, want v1m", got)
	}
}

func TestChooserUpswitchNeedsHeadroom(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(1_300_000/safetyFactor, true) // cap 1.3M clears v1m's headroom
	if got := mustCurrent(t, c).Representation.ID; got != "v1m" {
		t.Fatalf("initial selection = %s, want v1m", got)
	}

	// Cap 2.1M qualifies v2m but misses the 1.15 headroom (2.3M).
	c.SetEstimate(2_100_000/safetyFactor, true)
	if got := mustCurrent(t, c).Representation.ID; got != "v1m" {
		t.Fatalf("selection without headroom = %s, want v1m", got)
	}

	c.SetEstimate(2_400_000/safetyFactor, true)
	if got := mustCurrent(t, c).Representation.ID; got != "v2m" {
		t.Fatalf("selection with headroom = %s, want v2m", got)
	}
}

func TestChooserManualPinOverridesCap(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(400_000, true)
	c.SetManualBitrate(5_000_000)

	sel := mustCurrent(t, c)
	if sel.Representation.ID != "v5m" || !sel.Manual {
		t.Fatalf("pinned selection = %+v, want manual v5m", sel)
	}

	c.SetManualBitrate(0)
	if got := mustCurrent(t, c); got.Manual {
		t.Fatalf("selection still manual after clearing pin: %+v", got)
	}
}

func TestChooserManualPinRoundTrip(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	for _, r := range ladder().Representations {
		c.SetManualBitrate(r.Bitrate)
		if got := mustCurrent(t, c).Representation.Bitrate; got != r.Bitrate {
			t.Fatalf("pin %d selected bitrate %d", r.Bitrate, got)
		}
	}
}

func TestChooserManualPinClosestLower(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetManualBitrate(1_500_000)
	if got := mustCurrent(t, c).Representation.ID; got != "v1m" {
		t.Fatalf("pin between rungs selected %s, want v1m", got)
	}

	c.SetManualBitrate(100_000)
	if got := mustCurrent(t, c).Representation.ID; got != "v500k" {
		t.Fatalf("pin below ladder selected %s, want v500k", got)
	}
}

func TestChooserMaxBitrateCapsSelection(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(10_000_000, true)
	c.SetMaxBitrate(1_000_000)

	if got := mustCurrent(t, c).Representation.ID; got != "v1m" {
		t.Fatalf("capped selection = %s, want v1m", got)
	}
}

func TestChooserWidthFilter(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(10_000_000, true)
	c.SetLimitWidth(1280)

	if got := mustCurrent(t, c).Representation.ID; got != "v1m" {
		t.Fatalf("width-limited selection = %s, want v1m", got)
	}

	c.SetLimitWidth(math.Inf(1))
	if got := mustCurrent(t, c).Representation.ID; got != "v5m" {
		t.Fatalf("unconstrained selection = %s, want v5m", got)
	}
}

func TestChooserThrottleWhenHidden(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	c.SetEstimate(10_000_000, true)
	c.SetThrottleBitrate(600_000)

	if got := mustCurrent(t, c).Representation.ID; got != "v500k" {
		t.Fatalf("throttled selection = %s, want v500k", got)
	}
}

func TestChooserStallFallback(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	c.SetEstimate(10_000_000, true)
	if got := mustCurrent(t, c).Representation.ID; got != "v5m" {
		t.Fatalf("pre-stall selection = %s, want v5m", got)
	}

	c.SetBufferHealth(true)
	if got := mustCurrent(t, c).Representation.ID; got != "v5m" {
		t.Fatalf("selection dropped before 3 s stall: %s", got)
	}

	now = base.Add(3100 * time.Millisecond)
	c.SetBufferHealth(true)
	if got := mustCurrent(t, c).Representation.ID; got != "v500k" {
		t.Fatalf("selection after 3.1 s stall = %s, want v500k", got)
	}

	c.SetBufferHealth(false)
	c.SetEstimate(10_000_000, true)
	if got := mustCurrent(t, c).Representation.ID; got != "v5m" {
		t.Fatalf("selection after recovery = %s, want v5m", got)
	}
}

func TestChooserCapPropertyHolds(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	for _, est := range []float64{550_000, 1_100_000, 2_300_000, 5_600_000, 9_000_000} {
		c.SetAdaptation(ladder()) // reset hysteresis between probes
		c.SetEstimate(est, true)
		sel := mustCurrent(t, c)
		cap := est * safetyFactor
		if float64(sel.Representation.Bitrate) > cap && sel.Representation.ID != "v500k" {
			t.Fatalf("estimate %v: selected %d exceeds cap %v", est, sel.Representation.Bitrate, cap)
		}
	}
}

func TestChooserImageAlwaysLowest(t *testing.T) {
	t.Parallel()

	c := NewChooser(media.TypeImage, DefaultConfig(), nil)
	c.SetAdaptation(&media.Adaptation{
		ID:   "thumbs",
		Type: media.TypeImage,
		Representations: []media.Representation{
			{ID: "thumb-lo", Bitrate: 10_000},
			{ID: "thumb-hi", Bitrate: 100_000},
		},
	})
	c.SetEstimate(50_000_000, true)

	if got := mustCurrent(t, c).Representation.ID; got != "thumb-lo" {
		t.Fatalf("image selection = %s, want thumb-lo", got)
	}
}

func TestChooserPublishesOnChangeOnly(t *testing.T) {
	t.Parallel()

	c := newVideoChooser()
	ch, cancel := c.Subscribe()
	defer cancel()

	c.SetEstimate(3_000_000, true)
	<-ch

	// Same outcome again: nothing new should arrive.
	c.SetEstimate(3_050_000, true)
	select {
	case sel := <-ch:
		if sel.Representation.ID != "v2m" {
			t.Fatalf("unexpected reselection to %s", sel.Representation.ID)
		}
		t.Fatal("received publish for unchanged selection")
	default:
	}
}
