// Package media defines the core content-model types that flow through the
// Refract engine: tracks, adaptations, representations, and the segment
// descriptors handed to the download pipeline.
package media

import (
	"fmt"
	"sort"
	"time"
)

// TrackType identifies the kind of media an adaptation carries.
type TrackType string

const (
	TypeVideo TrackType = "video"
	TypeAudio TrackType = "audio"
	TypeText  TrackType = "text"
	TypeImage TrackType = "image"
)

// Representation is one pre-encoded rendition of a track. Immutable after
// manifest load; the engine only ever switches between representations, it
// never mutates them.
type Representation struct {
	ID      string
	Bitrate int64 // bits per second, > 0
	Width   int   // video only, 0 when not applicable
	Height  int   // video only, 0 when not applicable
	Codec   string

	// InitURL locates the initialization segment for this representation.
	// MediaTemplate produces a media segment URL from a segment index via
	// fmt.Sprintf (one %d verb).
	InitURL       string
	MediaTemplate string
}

// MediaURL resolves the media segment URL for the given index.
func (r Representation) MediaURL(index int) string {
	return fmt.Sprintf(r.MediaTemplate, index)
}

// Adaptation is an ordered set of interchangeable representations for one
// (track type, language) pair. Representations are sorted by ascending
// bitrate; bitrates are strictly ascending and unique.
type Adaptation struct {
	ID              string
	Type            TrackType
	Language        string
	Representations []Representation
}

// Validate checks the adaptation invariants: at least one representation,
// every bitrate positive, bitrates strictly ascending.
func (a *Adaptation) Validate() error {
	if len(a.Representations) == 0 {
		return fmt.Errorf("adaptation %q: no representations", a.ID)
	}
	var prev int64
	for i, r := range a.Representations {
		if r.Bitrate <= 0 {
			return fmt.Errorf("adaptation %q: representation %q has non-positive bitrate %d", a.ID, r.ID, r.Bitrate)
		}
		if i > 0 && r.Bitrate <= prev {
			return fmt.Errorf("adaptation %q: bitrates not strictly ascending at %q", a.ID, r.ID)
		}
		prev = r.Bitrate
	}
	return nil
}

// Sort orders representations by ascending bitrate. Parsers that produce
// adaptations in manifest order call this once before handing the manifest
// to the engine.
func (a *Adaptation) Sort() {
	sort.Slice(a.Representations, func(i, j int) bool {
		return a.Representations[i].Bitrate < a.Representations[j].Bitrate
	})
}

// Lowest returns the lowest-bitrate representation.
func (a *Adaptation) Lowest() Representation {
	return a.Representations[0]
}

// Highest returns the highest-bitrate representation.
func (a *Adaptation) Highest() Representation {
	return a.Representations[len(a.Representations)-1]
}

// SegmentDescriptor addresses one segment of one representation.
type SegmentDescriptor struct {
	URL      string
	Index    int
	IsInit   bool
	Position float64 // seconds from content start, media segments only
	Duration float64 // seconds, media segments only
}

// InitSegment builds the descriptor for a representation's initialization
// segment.
func InitSegment(r Representation) SegmentDescriptor {
	return SegmentDescriptor{URL: r.InitURL, IsInit: true}
}

// MediaSegment builds the descriptor for the index-th media segment of a
// representation, given the manifest's nominal segment duration.
func MediaSegment(r Representation, index int, segmentDuration float64) SegmentDescriptor {
	return SegmentDescriptor{
		URL:      r.MediaURL(index),
		Index:    index,
		Position: float64(index) * segmentDuration,
		Duration: segmentDuration,
	}
}

// Manifest is the engine's view of parsed manifest data. Producing it is the
// manifest parser's job; the engine treats it as immutable.
type Manifest struct {
	IsLive          bool
	MinPosition     float64
	MaxPosition     float64
	SegmentDuration float64 // nominal media segment duration, seconds
	// AvailabilityStart anchors content time to wall-clock time for live
	// manifests; zero when the manifest carries no anchor.
	AvailabilityStart time.Time
	Adaptations       map[TrackType][]Adaptation
}

// AdaptationFor returns the adaptation for a track type matching the given
// language, falling back to the first adaptation of that type. Returns nil
// when the manifest carries no track of that type.
func (m *Manifest) AdaptationFor(t TrackType, language string) *Adaptation {
	list := m.Adaptations[t]
	if len(list) == 0 {
		return nil
	}
	if language != "" {
		for i := range list {
			if list[i].Language == language {
				return &list[i]
			}
		}
	}
	return &list[0]
}

// Validate checks every adaptation in the manifest.
func (m *Manifest) Validate() error {
	for t, list := range m.Adaptations {
		for i := range list {
			if err := list[i].Validate(); err != nil {
				return fmt.Errorf("%s: %w", t, err)
			}
		}
	}
	return nil
}
