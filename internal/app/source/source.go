// Package source defines the common capability interface for streaming
// providers. The queue and playback session depend only on this interface,
// never on a concrete provider.
package source

import (
	"context"

	"github.com/osa030/omnishuffle/internal/domain/track"
)

// Adapter normalizes one streaming provider to the common capability set.
// FetchTracks and ResolveStream may block on network I/O and must honor
// context cancellation.
type Adapter interface {
	// Name returns the provider name (used in config and logs).
	Name() string

	// Kind returns the source this adapter feeds.
	Kind() track.Source

	// FetchTracks retrieves a fresh batch of playable tracks.
	FetchTracks(ctx context.Context) ([]track.Track, error)

	// ResolveStream produces a playable URL for the track. URLs are never
	// cached across sessions; providers hand out short-lived links.
	ResolveStream(ctx context.Context, t track.Track) (string, error)

	// Love marks the track as loved on the provider, if supported.
	Love(ctx context.Context, t track.Track) error

	// Ban bans the track on the provider, if supported.
	Ban(ctx context.Context, t track.Track) error
}
