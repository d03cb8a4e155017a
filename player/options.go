package player

import (
	"math"
	"time"

	"github.com/zsiec/refract/internal/adaptive"
	"github.com/zsiec/refract/internal/bandwidth"
	"github.com/zsiec/refract/internal/segment"
)

// Config carries the engine-level tunables, fixed at construction.
type Config struct {
	Bandwidth bandwidth.Config
	Chooser   adaptive.Config
	Pipeline  segment.Config

	// WantedBufferAhead is how many seconds of media the pipelines keep
	// buffered in front of the playhead.
	WantedBufferAhead float64
	// MaxBufferAhead and MaxBufferBehind bound retention around the
	// playhead; +Inf disables the bound.
	MaxBufferAhead  float64
	MaxBufferBehind float64

	// ThrottleBitrateWhenHidden caps video while the document is hidden.
	// +Inf disables throttling.
	ThrottleBitrateWhenHidden float64

	// LimitResolution filters video representations to the viewport width.
	LimitResolution bool

	// PositionUpdateInterval floors the spacing of positionUpdate events.
	PositionUpdateInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Bandwidth:                 bandwidth.DefaultConfig(),
		Chooser:                   adaptive.DefaultConfig(),
		Pipeline:                  segment.DefaultConfig(),
		WantedBufferAhead:         30,
		MaxBufferAhead:            math.Inf(1),
		MaxBufferBehind:           math.Inf(1),
		ThrottleBitrateWhenHidden: math.Inf(1),
		LimitResolution:           true,
		PositionUpdateInterval:    time.Second,
	}
}

// LoadOptions parameterizes one loadContent call.
type LoadOptions struct {
	// URL locates the manifest; it is handed to the ManifestLoader.
	URL string
	// Transport selects the segment transport: "http" (default) or "http3".
	Transport string
	// KeySystems lists the acceptable DRM systems; empty skips DRM.
	KeySystems []KeySystemConfig
	// StartAt is the initial position in seconds.
	StartAt float64
	// AutoPlay starts playback as soon as the content is loaded.
	AutoPlay bool
	// DefaultAudioTrack and DefaultTextTrack select tracks by language.
	DefaultAudioTrack string
	DefaultTextTrack  string
	// SupplementaryTextTracks and SupplementaryImageTracks name adaptation
	// IDs. The first ID found in the manifest becomes the single active text
	// (or image) track; a supplementary text track replaces the one chosen
	// by DefaultTextTrack.
	SupplementaryTextTracks  []string
	SupplementaryImageTracks []string
	// LowLatencyMode enables chunked-transfer handling and the estimator's
	// chunk filter.
	LowLatencyMode bool
}
