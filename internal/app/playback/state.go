// Package playback provides the playback session state machine that drives
// a single external player through track transitions.
package playback

// State represents the playback session state.
type State int

const (
	StateIdle          State = iota // Nothing loaded; polling for tracks
	StateLoading                    // Resolving a stream URL / loading the player
	StatePlaying                    // Track is playing
	StatePaused                     // Track is paused
	StateTransitioning              // Advancing to the next track
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateTransitioning:
		return "transitioning"
	default:
		return "unknown"
	}
}
