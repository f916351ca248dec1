package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/omnishuffle/internal/app/queue"
	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

// ErrPlayerHalted is returned by Run after three consecutive player errors.
// It is the only fatal condition; per-adapter failures degrade gracefully.
var ErrPlayerHalted = errors.New("player halted after repeated errors")

const maxConsecutivePlayerErrors = 3

// Scrobbles receives playback lifecycle notifications. Implemented by the
// scrobble coordinator; all calls are fire-and-forget from the session's
// perspective.
type Scrobbles interface {
	TrackStarted(t track.Track)
	Position(elapsed, duration time.Duration)
	TrackEnded()
	Love(ctx context.Context, t track.Track)
}

// Config holds session tuning parameters.
type Config struct {
	DebounceWindow  time.Duration // End-of-stream/skip dedup window
	IdlePoll        time.Duration // Retry interval while the queue is empty
	RefillCheck     time.Duration // Low-water check interval
	MaxLoadAttempts int           // Tracks tried per advance before going idle
	VolumeStep      int
	InitialVolume   int
}

func (c *Config) applyDefaults() {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 500 * time.Millisecond
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 3 * time.Second
	}
	if c.RefillCheck <= 0 {
		c.RefillCheck = 5 * time.Second
	}
	if c.MaxLoadAttempts <= 0 {
		c.MaxLoadAttempts = 5
	}
	if c.VolumeStep <= 0 {
		c.VolumeStep = 5
	}
	if c.InitialVolume <= 0 {
		c.InitialVolume = 80
	}
}

// Session coordinates what is loaded in the player right now. All state
// transitions happen on the Run goroutine; other goroutines post intents.
type Session struct {
	mu sync.RWMutex

	queue     *queue.Queue
	player    Player
	scrobbles Scrobbles
	config    Config

	state          State
	current        *track.Track
	position       time.Duration
	isPaused       bool
	volume         int
	lastTransition time.Time
	playerErrors   int

	// pendingEOS marks an end-of-stream discarded by the debounce window. A
	// position event clears it (playback really continued, so the signal was
	// a stale duplicate); if nothing clears it by the deferred re-check, the
	// signal was genuine and the session advances.
	pendingEOS bool

	intents chan Intent
	refills chan struct{}
	recheck chan struct{}
}

// NewSession creates a playback session over the queue and player backend.
func NewSession(q *queue.Queue, p Player, s Scrobbles, cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		queue:     q,
		player:    p,
		scrobbles: s,
		config:    cfg,
		state:     StateIdle,
		volume:    cfg.InitialVolume,
		intents:   make(chan Intent, 16),
		refills:   make(chan struct{}, 1),
		recheck:   make(chan struct{}, 1),
	}
}

// Post submits an intent without blocking. Intents posted faster than the
// session can apply them are dropped.
func (s *Session) Post(in Intent) {
	select {
	case s.intents <- in:
	default:
		zlog.Warn().Stringer("intent", in).Msg("intent dropped, session busy")
	}
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// CurrentTrack returns a copy of the playing track, if any.
func (s *Session) CurrentTrack() (track.Track, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return track.Track{}, false
	}
	return *s.current, true
}

// Position returns the last player-reported position.
func (s *Session) Position() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// Volume returns the current volume percentage.
func (s *Session) Volume() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volume
}

// Run drives the session until the context is cancelled, a quit intent
// arrives, or the player halts. It is the only goroutine performing state
// transitions.
func (s *Session) Run(ctx context.Context) error {
	if err := s.player.SetVolume(s.volume); err != nil {
		zlog.Warn().Err(err).Msg("failed to set initial volume")
	}

	s.advance(ctx)

	idle := time.NewTicker(s.config.IdlePoll)
	defer idle.Stop()
	refill := time.NewTicker(s.config.RefillCheck)
	defer refill.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopPlayer()
			return ctx.Err()

		case ev, ok := <-s.player.Events():
			if !ok {
				return ErrPlayerHalted
			}
			if err := s.handlePlayerEvent(ctx, ev); err != nil {
				s.stopPlayer()
				return err
			}

		case in := <-s.intents:
			if quit := s.handleIntent(ctx, in); quit {
				s.stopPlayer()
				return nil
			}

		case <-s.recheck:
			s.mu.RLock()
			stalled := s.pendingEOS && s.state == StatePlaying
			s.mu.RUnlock()
			if stalled {
				zlog.Debug().Msg("no playback after discarded end-of-stream, advancing")
				s.advance(ctx)
			}

		case <-idle.C:
			if s.State() == StateIdle {
				s.advance(ctx)
			}

		case <-refill.C:
			s.maybeRefill(ctx)
		}
	}
}

// handlePlayerEvent applies one player observation. Returns an error only
// for the fatal repeated-player-error condition.
func (s *Session) handlePlayerEvent(ctx context.Context, ev PlayerEvent) error {
	switch ev.Type {
	case PlayerPosition:
		s.mu.Lock()
		s.position = ev.Position
		s.pendingEOS = false
		playing := s.state == StatePlaying && !s.isPaused
		dur := s.effectiveDurationLocked()
		s.mu.Unlock()
		if playing {
			s.playerErrors = 0
			s.scrobbles.Position(ev.Position, dur)
		}

	case PlayerDuration:
		// Sources that cannot report duration upfront get the player's word.
		s.mu.Lock()
		if s.current != nil && !s.current.HasKnownDuration() && ev.Duration > 0 {
			s.current.Duration = ev.Duration
		}
		s.mu.Unlock()

	case PlayerEndOfStream:
		if s.debounced() {
			// Either a duplicate signal or a track that genuinely ended this
			// fast (sub-window track, dead stream). Defer the decision: a
			// position event proves the former, the re-check handles the
			// latter.
			zlog.Debug().Msg("end-of-stream within debounce window, deferring")
			s.mu.Lock()
			s.pendingEOS = true
			s.mu.Unlock()
			time.AfterFunc(s.config.DebounceWindow, func() {
				select {
				case s.recheck <- struct{}{}:
				default:
				}
			})
			return nil
		}
		s.advance(ctx)

	case PlayerFailed:
		s.playerErrors++
		zlog.Error().Err(ev.Err).Int("consecutive", s.playerErrors).Msg("player error")
		if s.playerErrors >= maxConsecutivePlayerErrors {
			return errors.Mark(ev.Err, ErrPlayerHalted)
		}
		s.advance(ctx)
	}
	return nil
}

// handleIntent applies one user intent. Returns true on quit.
func (s *Session) handleIntent(ctx context.Context, in Intent) bool {
	switch in {
	case IntentQuit:
		return true

	case IntentSkip:
		if s.debounced() {
			zlog.Debug().Msg("skip within debounce window, ignored")
			return false
		}
		zlog.Info().Msg("skipping track")
		s.advance(ctx)

	case IntentTogglePause:
		s.togglePause()

	case IntentLove:
		if t, ok := s.CurrentTrack(); ok {
			s.loveTrack(ctx, t)
		}

	case IntentBan:
		if t, ok := s.CurrentTrack(); ok {
			s.banTrack(ctx, t)
		}

	case IntentShuffle:
		s.queue.Shuffle()
		zlog.Info().Msg("queue shuffled")

	case IntentVolumeUp:
		s.adjustVolume(s.config.VolumeStep)

	case IntentVolumeDown:
		s.adjustVolume(-s.config.VolumeStep)
	}
	return false
}

// advance moves the session to the next playable track. It resolves stream
// URLs lazily and skips tracks whose stream cannot be resolved rather than
// stalling. Runs on the session goroutine only, so at most one transition is
// ever in flight.
func (s *Session) advance(ctx context.Context) {
	s.setState(StateTransitioning)
	s.finishCurrent()

	for attempt := 0; attempt < s.config.MaxLoadAttempts; attempt++ {
		t, err := s.queue.PullNext(ctx)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) {
				zlog.Warn().Err(err).Msg("pull failed")
			}
			// PullNext already attempted a refill; poll from idle.
			s.setState(StateIdle)
			return
		}

		s.setState(StateLoading)
		adapter, ok := s.queue.Adapter(t.Source)
		if !ok {
			continue
		}

		url, err := adapter.ResolveStream(ctx, t)
		if err != nil {
			if errors.Is(err, source.ErrStreamUnresolvable) {
				zlog.Warn().Str("track", t.Title).Stringer("source", t.Source).
					Msg("stream unresolvable, skipping")
			} else {
				zlog.Warn().Err(err).Str("track", t.Title).Msg("stream resolution failed, skipping")
			}
			continue
		}
		t.StreamURL = url

		if err := s.player.Load(ctx, t, url); err != nil {
			zlog.Warn().Err(err).Str("track", t.Title).Msg("player load failed, skipping")
			continue
		}

		s.mu.Lock()
		s.current = &t
		s.position = 0
		s.isPaused = false
		s.state = StatePlaying
		s.lastTransition = time.Now()
		s.mu.Unlock()

		zlog.Info().Str("track", t.Title).Str("artist", t.Artist).
			Stringer("source", t.Source).Msg("now playing")
		s.scrobbles.TrackStarted(t)
		return
	}

	zlog.Warn().Int("attempts", s.config.MaxLoadAttempts).
		Msg("no playable track found, going idle")
	s.setState(StateIdle)
}

func (s *Session) togglePause() {
	s.mu.Lock()
	switch s.state {
	case StatePlaying:
		s.isPaused = true
		s.state = StatePaused
	case StatePaused:
		s.isPaused = false
		s.state = StatePlaying
	default:
		s.mu.Unlock()
		return
	}
	paused := s.isPaused
	s.mu.Unlock()

	if err := s.player.Pause(paused); err != nil {
		zlog.Warn().Err(err).Msg("pause command failed")
	}
	zlog.Info().Bool("paused", paused).Msg("pause toggled")
}

// loveTrack fans out to the scrobble sink and the owning adapter. The two
// calls are independent; failure of one never prevents the other.
func (s *Session) loveTrack(ctx context.Context, t track.Track) {
	s.queue.NotifyLove(t)
	go s.scrobbles.Love(ctx, t)
	if adapter, ok := s.queue.Adapter(t.Source); ok {
		go func() {
			if err := adapter.Love(ctx, t); err != nil {
				zlog.Warn().Err(err).Str("track", t.Title).Msg("provider love failed")
			}
		}()
	}
	zlog.Info().Str("track", t.Title).Msg("loved")
}

// banTrack records the ban and tells the provider. Current playback is not
// interrupted; the track simply never comes back.
func (s *Session) banTrack(ctx context.Context, t track.Track) {
	s.queue.NotifyBan(t)
	if adapter, ok := s.queue.Adapter(t.Source); ok {
		go func() {
			if err := adapter.Ban(ctx, t); err != nil {
				zlog.Warn().Err(err).Str("track", t.Title).Msg("provider ban failed")
			}
		}()
	}
	zlog.Info().Str("track", t.Title).Msg("banned")
}

func (s *Session) adjustVolume(delta int) {
	s.mu.Lock()
	v := s.volume + delta
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	s.volume = v
	s.mu.Unlock()

	if err := s.player.SetVolume(v); err != nil {
		zlog.Warn().Err(err).Msg("volume command failed")
	}
}

// maybeRefill schedules a background refill when the queue is low. At most
// one refill runs at a time.
func (s *Session) maybeRefill(ctx context.Context) {
	if !s.queue.BelowLowWater() {
		return
	}
	select {
	case s.refills <- struct{}{}:
		go func() {
			defer func() { <-s.refills }()
			s.queue.Refill(ctx)
		}()
	default:
		// A refill is already in flight.
	}
}

func (s *Session) finishCurrent() {
	s.mu.Lock()
	had := s.current != nil
	s.current = nil
	s.position = 0
	s.isPaused = false
	s.pendingEOS = false
	s.mu.Unlock()
	if had {
		s.scrobbles.TrackEnded()
	}
}

// debounced reports whether a transition happened within the debounce
// window. It is the guard against double-advance from duplicate
// end-of-stream signals or a skip racing a natural track end.
func (s *Session) debounced() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.lastTransition.IsZero() && time.Since(s.lastTransition) < s.config.DebounceWindow
}

func (s *Session) effectiveDurationLocked() time.Duration {
	if s.current == nil {
		return 0
	}
	return s.current.Duration
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) stopPlayer() {
	s.finishCurrent()
	if err := s.player.Stop(); err != nil {
		zlog.Warn().Err(err).Msg("player stop failed")
	}
}
