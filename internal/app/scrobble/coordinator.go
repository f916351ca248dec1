// Package scrobble derives scrobble and now-playing events from elapsed
// playback time.
package scrobble

import (
	"context"
	"sync"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/omnishuffle/internal/domain/track"
)

// Sink is the listening-history service. All calls are fire-and-forget from
// the coordinator's perspective; errors are reported, never block playback.
type Sink interface {
	NowPlaying(ctx context.Context, t track.Track) error
	Scrobble(ctx context.Context, t track.Track, playedAt time.Time) error
	Love(ctx context.Context, t track.Track) error
}

// Config holds scrobble policy parameters.
type Config struct {
	MinimumPlay time.Duration // Never scrobble shorter plays (default 30s)
	Cap         time.Duration // Scrobble at most this far in (default 240s)
	CallTimeout time.Duration // Per-sink-call timeout (default 10s)
}

func (c *Config) applyDefaults() {
	if c.MinimumPlay <= 0 {
		c.MinimumPlay = 30 * time.Second
	}
	if c.Cap <= 0 {
		c.Cap = 240 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
}

// Coordinator applies the timing thresholds and at-most-once delivery
// semantics. now_playing is sent once when playback genuinely starts; the
// scrobble fires once when elapsed >= max(min_play, min(duration/2, cap)).
// A track that ends before the threshold is never scrobbled.
type Coordinator struct {
	mu sync.Mutex

	sink   Sink
	config Config

	current        *track.Track
	startedAt      time.Time
	duration       time.Duration
	nowPlayingSent bool
	scrobbled      bool
}

// New creates a coordinator over the sink. A nil sink disables delivery but
// keeps the state tracking (useful when Last.fm is not configured).
func New(sink Sink, cfg Config) *Coordinator {
	cfg.applyDefaults()
	return &Coordinator{sink: sink, config: cfg}
}

// TrackStarted resets per-track state and sends now_playing.
func (c *Coordinator) TrackStarted(t track.Track) {
	c.mu.Lock()
	c.current = &t
	c.startedAt = time.Now()
	c.duration = t.Duration
	c.nowPlayingSent = false
	c.scrobbled = false

	send := c.sink != nil && !c.nowPlayingSent
	c.nowPlayingSent = true
	c.mu.Unlock()

	if !send {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.CallTimeout)
		defer cancel()
		if err := c.sink.NowPlaying(ctx, t); err != nil {
			zlog.Warn().Err(err).Str("track", t.Title).Msg("now-playing update failed")
		}
	}()
}

// Position is invoked on every player position update while playing.
// Pause/resume has no effect on scrobble state because the session stops
// reporting positions while paused.
func (c *Coordinator) Position(elapsed, duration time.Duration) {
	c.mu.Lock()
	if c.current == nil || c.scrobbled {
		c.mu.Unlock()
		return
	}
	if duration > 0 {
		// Player-reported duration for sources that could not say upfront.
		c.duration = duration
	}
	if elapsed < c.thresholdLocked() {
		c.mu.Unlock()
		return
	}

	c.scrobbled = true
	t := *c.current
	playedAt := c.startedAt
	send := c.sink != nil
	c.mu.Unlock()

	if !send {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.CallTimeout)
		defer cancel()
		if err := c.sink.Scrobble(ctx, t, playedAt); err != nil {
			zlog.Warn().Err(err).Str("track", t.Title).Msg("scrobble failed")
		} else {
			zlog.Debug().Str("track", t.Title).Msg("scrobbled")
		}
	}()
}

// TrackEnded clears per-track state. No scrobble is sent here; a track that
// ended before reaching the threshold simply does not scrobble.
func (c *Coordinator) TrackEnded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
	c.nowPlayingSent = false
	c.scrobbled = false
	c.duration = 0
}

// Love forwards a love to the sink. Independent of the provider-side love;
// failure here never prevents that call.
func (c *Coordinator) Love(ctx context.Context, t track.Track) {
	if c.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
	defer cancel()
	if err := c.sink.Love(ctx, t); err != nil {
		zlog.Warn().Err(err).Str("track", t.Title).Msg("sink love failed")
	}
}

// thresholdLocked computes the scrobble point for the current track:
// max(minimum_play, min(duration/2, cap)). Unknown duration falls back to
// the cap alone.
func (c *Coordinator) thresholdLocked() time.Duration {
	th := c.config.Cap
	if c.duration > 0 && c.duration/2 < th {
		th = c.duration / 2
	}
	if th < c.config.MinimumPlay {
		th = c.config.MinimumPlay
	}
	return th
}
