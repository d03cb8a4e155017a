package player

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/refract/internal/errs"
	"github.com/zsiec/refract/media"
)

type fakeManifests struct {
	manifest *media.Manifest
	err      error
}

func (f *fakeManifests) Load(ctx context.Context, url string) (*media.Manifest, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.manifest, nil
}

type appendRecord struct {
	bytes      int
	start, end float64
}

type fakeSource struct {
	mu      sync.Mutex
	appends []appendRecord
	removes []appendRecord
}

func (f *fakeSource) Append(data []byte, start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends = append(f.appends, appendRecord{bytes: len(data), start: start, end: end})
	return nil
}

func (f *fakeSource) Remove(start, end float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, appendRecord{start: start, end: end})
	return nil
}

func (f *fakeSource) appendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.appends)
}

// testContent serves init and media segments and builds a matching manifest.
func testContent(t *testing.T, segments int) (*httptest.Server, *media.Manifest) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 64*1024))
	}))
	t.Cleanup(srv.Close)

	reps := []media.Representation{
		{ID: "v500k", Bitrate: 500_000, Width: 640, Height: 360,
			InitURL: srv.URL + "/v500k/init.mp4", MediaTemplate: srv.URL + "/v500k/seg-%d.m4s"},
		{ID: "v2m", Bitrate: 2_000_000, Width: 1920, Height: 1080,
			InitURL: srv.URL + "/v2m/init.mp4", MediaTemplate: srv.URL + "/v2m/seg-%d.m4s"},
	}
	m := &media.Manifest{
		MaxPosition:     float64(segments),
		SegmentDuration: 1,
		Adaptations: map[media.TrackType][]media.Adaptation{
			media.TypeVideo: {{ID: "video-main", Type: media.TypeVideo, Representations: reps}},
		},
	}
	return srv, m
}

func newTestPlayer(t *testing.T, m *media.Manifest) (*Player, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	p, err := New(DefaultConfig(), Deps{
		Manifests: &fakeManifests{manifest: m},
		Source:    src,
	})
	require.NoError(t, err)
	t.Cleanup(p.Dispose)
	return p, src
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPlayerLoadsAndEnds(t *testing.T) {
	t.Parallel()

	_, m := testContent(t, 3)
	p, src := newTestPlayer(t, m)

	require.NoError(t, p.LoadContent(context.Background(), LoadOptions{URL: "test://content"}))

	waitFor(t, 5*time.Second, func() bool { return p.State() == StateEnded },
		"player never reached ENDED")

	// Init plus three media segments.
	assert.GreaterOrEqual(t, src.appendCount(), 4)

	_, ok := p.GetEstimate()
	assert.True(t, ok, "estimate undefined after 192 KB of samples")
}

func TestPlayerStateSequence(t *testing.T) {
	t.Parallel()

	_, m := testContent(t, 2)
	p, _ := newTestPlayer(t, m)

	var states []State
	var mu sync.Mutex
	doneEvents := make(chan struct{})
	go func() {
		defer close(doneEvents)
		for ev := range p.Events() {
			if ev.Kind == EventStateChange {
				mu.Lock()
				states = append(states, ev.State)
				mu.Unlock()
			}
		}
	}()

	require.NoError(t, p.LoadContent(context.Background(), LoadOptions{URL: "test://content", AutoPlay: true}))
	waitFor(t, 5*time.Second, func() bool { return p.State() == StateEnded }, "never ended")
	p.Dispose()
	<-doneEvents

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateLoading, states[0])
	assert.Contains(t, states, StateLoaded)
	assert.Contains(t, states, StatePlaying)
	assert.Equal(t, StateStopped, states[len(states)-1]) // from Dispose
}

func TestPlayerManifestErrorIsFatal(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	p, err := New(DefaultConfig(), Deps{
		Manifests: &fakeManifests{err: fmt.Errorf("boom")},
		Source:    src,
	})
	require.NoError(t, err)
	t.Cleanup(p.Dispose)

	err = p.LoadContent(context.Background(), LoadOptions{URL: "test://broken"})
	require.Error(t, err)
	assert.Equal(t, errs.KindManifest, errs.KindOf(err))
	assert.Equal(t, StateStopped, p.State())
	assert.Error(t, p.GetError())
}

func TestPlayerStopIdempotent(t *testing.T) {
	t.Parallel()

	_, m := testContent(t, 100)
	p, _ := newTestPlayer(t, m)

	require.NoError(t, p.LoadContent(context.Background(), LoadOptions{URL: "test://content"}))
	p.Stop()
	assert.Equal(t, StateStopped, p.State())
	p.Stop()
	assert.Equal(t, StateStopped, p.State())
}

func TestPlayerDisposeTwice(t *testing.T) {
	t.Parallel()

	_, m := testContent(t, 2)
	p, _ := newTestPlayer(t, m)
	p.Dispose()
	p.Dispose()

	err := p.LoadContent(context.Background(), LoadOptions{URL: "test://content"})
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestPlayerSettersStoredWhileStopped(t *testing.T) {
	t.Parallel()

	_, m := testContent(t, 50)
	p, _ := newTestPlayer(t, m)

	// Pinned before any load: applied on the next load.
	p.SetVideoBitrate(2_000_000)

	require.NoError(t, p.LoadContent(context.Background(), LoadOptions{URL: "test://content"}))
	waitFor(t, 2*time.Second, func() bool {
		r, ok := p.SelectedRepresentation(media.TypeVideo)
		return ok && r.Bitrate == 2_000_000
	}, "stored pin not applied on load")
}

func TestPlayerManualPinRoundTrip(t *testing.T) {
	t.Parallel()

	_, m := testContent(t, 50)
	p, _ := newTestPlayer(t, m)

	require.NoError(t, p.LoadContent(context.Background(), LoadOptions{URL: "test://content"}))
	p.SetVideoBitrate(500_000)

	waitFor(t, 2*time.Second, func() bool {
		r, ok := p.SelectedRepresentation(media.TypeVideo)
		return ok && r.Bitrate == 500_000
	}, "pin round-trip failed")
}

func TestPlayerSeekToValidation(t *testing.T) {
	t.Parallel()

	_, m := testContent(t, 50)
	p, _ := newTestPlayer(t, m)

	require.NoError(t, p.LoadContent(context.Background(), LoadOptions{URL: "test://content"}))

	assert.Error(t, p.SeekTo(SeekTarget{}), "empty seek target accepted")

	pos, rel := 10.0, 5.0
	assert.Error(t, p.SeekTo(SeekTarget{Position: &pos, Relative: &rel}), "two-field seek target accepted")

	require.NoError(t, p.SeekTo(SeekTarget{Position: &pos}))
	assert.Equal(t, 10.0, p.monitor.Position())

	// Clamped to the content window.
	over := 1e9
	require.NoError(t, p.SeekTo(SeekTarget{Position: &over}))
	assert.Equal(t, m.MaxPosition, p.monitor.Position())
}

func TestPlayerStopSilencesEngine(t *testing.T) {
	t.Parallel()

	_, m := testContent(t, 1000)
	p, _ := newTestPlayer(t, m)

	require.NoError(t, p.LoadContent(context.Background(), LoadOptions{URL: "test://content"}))
	waitFor(t, 2*time.Second, func() bool {
		_, ok := p.SelectedRepresentation(media.TypeVideo)
		return ok
	}, "no selection before stop")

	p.Stop()

	// After Stop the selection state is cleared and no component revives it.
	_, ok := p.SelectedRepresentation(media.TypeVideo)
	assert.False(t, ok, "selection survived Stop")
	if _, ok := p.GetEstimate(); ok {
		t.Fatal("estimate survived Stop")
	}
}
