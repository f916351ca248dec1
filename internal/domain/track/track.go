// Package track provides the Track domain entity.
package track

import "time"

// Source identifies the streaming service a track came from.
type Source int

const (
	SourceUnknown  Source = iota
	SourcePlaylist        // Playlist service (Spotify)
	SourceRadio           // Radio service (Pandora, via proxy)
	SourceSearch          // Search-based video-to-audio service (YouTube Music)
)

// String returns the string representation of the source.
func (s Source) String() string {
	switch s {
	case SourcePlaylist:
		return "playlist"
	case SourceRadio:
		return "radio"
	case SourceSearch:
		return "search"
	default:
		return "unknown"
	}
}

// ParseSource parses a source name as used in configuration.
func ParseSource(name string) Source {
	switch name {
	case "playlist", "spotify":
		return SourcePlaylist
	case "radio", "pandora":
		return SourceRadio
	case "search", "youtube":
		return SourceSearch
	default:
		return SourceUnknown
	}
}

// Track represents a playable unit from any source.
// Identity is (Source, ID); two tracks with the same identity are the same
// logical song even when fetched in different batches.
type Track struct {
	ID         string        // Provider-native track ID
	Title      string        // Track title
	Artist     string        // Primary artist only
	Album      string        // Album name (may be empty)
	ArtworkURL string        // Album art URL (may be empty)
	Source     Source        // Owning source
	Duration   time.Duration // 0 until resolved for sources that cannot report it upfront
	StreamURL  string        // Resolved lazily, never cached across sessions
	Loved      bool          // Reflects remote state
	Banned     bool          // Local-only
}

// Identity uniquely identifies a logical song across batches.
type Identity struct {
	Source Source
	ID     string
}

// Identity returns the track's identity.
func (t *Track) Identity() Identity {
	return Identity{Source: t.Source, ID: t.ID}
}

// HasKnownDuration reports whether the source provided a duration upfront.
func (t *Track) HasKnownDuration() bool {
	return t.Duration > 0
}
