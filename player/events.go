package player

import "github.com/zsiec/refract/media"

// EventKind discriminates player events.
type EventKind string

const (
	EventStateChange          EventKind = "playerStateChange"
	EventVideoBitrateChange   EventKind = "videoBitrateChange"
	EventAudioBitrateChange   EventKind = "audioBitrateChange"
	EventPositionUpdate       EventKind = "positionUpdate"
	EventWarning              EventKind = "warning"
	EventError                EventKind = "error"
	EventManifestChange       EventKind = "manifestChange"
	EventRepresentationChange EventKind = "representationChange"
)

// Position is the payload of EventPositionUpdate.
type Position struct {
	Position float64
	Gap      float64
}

// Event is one occurrence on the player's event stream. Fields beyond Kind
// are populated per kind.
type Event struct {
	Kind           EventKind
	State          State
	Track          media.TrackType
	Bitrate        int64
	Representation *media.Representation
	Position       Position
	Manifest       *media.Manifest
	Err            error
}

// eventBufferSize bounds the event channel; a consumer that falls this far
// behind loses the oldest events rather than stalling the engine.
const eventBufferSize = 128

// emit delivers ev without blocking the engine, evicting the oldest queued
// event under backpressure. No-op once Dispose has closed the channel.
func (p *Player) emit(ev Event) {
	p.emitMu.RLock()
	defer p.emitMu.RUnlock()
	if p.eventsClosed {
		return
	}
	for {
		select {
		case p.events <- ev:
			return
		default:
		}
		select {
		case <-p.events:
		default:
		}
	}
}

// Events returns the player's event stream. The channel is never closed
// while the player is usable; Dispose closes it.
func (p *Player) Events() <-chan Event {
	return p.events
}
