package player

import (
	"context"
	"time"

	"github.com/zsiec/refract/media"
)

// ManifestLoader is the external manifest parser. The engine never
// interprets manifest formats itself.
type ManifestLoader interface {
	Load(ctx context.Context, url string) (*media.Manifest, error)
}

// SourceBuffer is the platform adapter that accepts parsed media bytes.
// Append covers [start, end) seconds of content; Remove evicts.
type SourceBuffer interface {
	Append(data []byte, start, end float64) error
	Remove(start, end float64) error
}

// KeySystemConfig describes one DRM key system the content may use.
type KeySystemConfig struct {
	Type       string
	LicenseURL string
}

// KeyStatus is one update from the DRM layer. A non-nil Err with
// Recoverable false is fatal for the content.
type KeyStatus struct {
	Usable      bool
	Recoverable bool
	Err         error
}

// KeySession is an open DRM session. Owned by the controller; lifetime is
// the content lifetime.
type KeySession interface {
	Status() <-chan KeyStatus
	Close() error
}

// KeySystem initializes DRM sessions. Optional; contents without key
// systems skip it entirely.
type KeySystem interface {
	Init(ctx context.Context, configs []KeySystemConfig) (KeySession, error)
}

// SeekTarget selects a seek destination. Exactly one field must be set.
type SeekTarget struct {
	Position      *float64
	Relative      *float64
	WallClockTime *time.Time
}
