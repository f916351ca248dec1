package playback

import (
	"context"
	"time"

	"github.com/osa030/omnishuffle/internal/domain/track"
)

// Player is the external player backend. One process does all decoding and
// output; the session only issues commands and consumes events.
type Player interface {
	// Load loads the URL and begins playback. Metadata is passed along so
	// backends can expose it (media title, MPRIS and the like).
	Load(ctx context.Context, t track.Track, url string) error
	Pause(paused bool) error
	Stop() error
	SetVolume(percent int) error
	// Events returns the player event stream. The player goroutine is the
	// only writer of position/duration observations.
	Events() <-chan PlayerEvent
}

// PlayerEventType represents a player event type.
type PlayerEventType int

const (
	PlayerPosition    PlayerEventType = iota // Periodic position report
	PlayerDuration                           // Duration became known
	PlayerEndOfStream                        // Current track finished
	PlayerFailed                             // Backend error
)

// String returns the string representation of the event type.
func (t PlayerEventType) String() string {
	switch t {
	case PlayerPosition:
		return "position"
	case PlayerDuration:
		return "duration"
	case PlayerEndOfStream:
		return "end_of_stream"
	case PlayerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PlayerEvent is one observation emitted by the player backend.
type PlayerEvent struct {
	Type     PlayerEventType
	Position time.Duration // Valid for PlayerPosition
	Duration time.Duration // Valid for PlayerDuration
	Err      error         // Valid for PlayerFailed
}
