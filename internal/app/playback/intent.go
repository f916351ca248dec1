package playback

// Intent is a transition request posted to the session. Other goroutines
// never mutate session state directly; they post intents and the session
// goroutine applies them.
type Intent int

const (
	IntentSkip        Intent = iota // Advance to the next track
	IntentTogglePause               // Pause or resume
	IntentLove                      // Love the current track
	IntentBan                       // Ban the current track
	IntentShuffle                   // Reorder the queue
	IntentVolumeUp                  // Raise player volume
	IntentVolumeDown                // Lower player volume
	IntentQuit                      // End the session
)

// String returns the string representation of the intent.
func (i Intent) String() string {
	switch i {
	case IntentSkip:
		return "skip"
	case IntentTogglePause:
		return "toggle_pause"
	case IntentLove:
		return "love"
	case IntentBan:
		return "ban"
	case IntentShuffle:
		return "shuffle"
	case IntentVolumeUp:
		return "volume_up"
	case IntentVolumeDown:
		return "volume_down"
	case IntentQuit:
		return "quit"
	default:
		return "unknown"
	}
}
