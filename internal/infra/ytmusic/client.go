// Package ytmusic provides the search-source adapter. It enumerates
// configured YouTube playlists through yt-dlp and hands the player plain
// watch URLs to resolve itself.
package ytmusic

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"
	"github.com/ytget/ytdlp/v2"

	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

const watchURLPrefix = "https://www.youtube.com/watch?v="

// Config represents YouTube adapter configuration.
type Config struct {
	PlaylistIDs []string `mapstructure:"playlist_ids" validate:"required,min=1"`
	BatchSize   int      `mapstructure:"batch_size" default:"25" validate:"gte=1,lte=100"`
	TimeoutSec  int      `mapstructure:"timeout_sec" default:"60" validate:"gte=1"`
}

// Adapter is the search-source adapter.
type Adapter struct {
	config *Config

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates the adapter from a settings map.
func New(settings map[string]any) (*Adapter, error) {
	var cfg Config
	if err := mapstructure.Decode(settings, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, errors.Wrap(err, "validation failed")
	}

	return &Adapter{
		config: &cfg,
		rng:    rand.New(rand.NewSource(cryptoSeed())),
	}, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return "youtube" }

// Kind returns the source this adapter feeds.
func (a *Adapter) Kind() track.Source { return track.SourceSearch }

// FetchTracks enumerates a randomly chosen configured playlist and returns
// a batch from a random offset. Durations are unknown until the player
// reports them.
func (a *Adapter) FetchTracks(ctx context.Context) ([]track.Track, error) {
	a.mu.Lock()
	playlistID := a.config.PlaylistIDs[a.rng.Intn(len(a.config.PlaylistIDs))]
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(a.config.TimeoutSec)*time.Second)
	defer cancel()

	d := ytdlp.New()
	items, err := d.GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, source.Unavailable(err, "failed to enumerate playlist")
	}
	if len(items) == 0 {
		zlog.Warn().Str("playlist", playlistID).Msg("youtube playlist is empty")
		return nil, nil
	}

	a.mu.Lock()
	start := a.rng.Intn(len(items))
	a.mu.Unlock()

	tracks := make([]track.Track, 0, a.config.BatchSize)
	for i := 0; i < len(items) && len(tracks) < a.config.BatchSize; i++ {
		it := items[(start+i)%len(items)]
		if it.VideoID == "" {
			continue
		}
		artist, title := splitUploadTitle(it.Title)
		tracks = append(tracks, track.Track{
			ID:        it.VideoID,
			Title:     title,
			Artist:    artist,
			Source:    track.SourceSearch,
			StreamURL: watchURLPrefix + it.VideoID,
		})
	}
	return tracks, nil
}

// ResolveStream returns the watch URL; the player backend handles the
// actual extraction.
func (a *Adapter) ResolveStream(ctx context.Context, t track.Track) (string, error) {
	if t.ID == "" {
		return "", source.Unresolvable(errors.New("missing video ID"), "youtube track")
	}
	return watchURLPrefix + t.ID, nil
}

// Love has no remote side on YouTube playlists.
func (a *Adapter) Love(ctx context.Context, t track.Track) error {
	zlog.Debug().Str("track", t.Title).Msg("youtube has no love endpoint, local only")
	return nil
}

// Ban has no remote side on YouTube playlists; the persistent ban list
// keeps the track out of future batches.
func (a *Adapter) Ban(ctx context.Context, t track.Track) error {
	zlog.Debug().Str("track", t.Title).Msg("youtube has no ban endpoint, local only")
	return nil
}

// splitUploadTitle splits the conventional "Artist - Title" upload naming.
// Uploads without a separator keep the whole string as the title.
func splitUploadTitle(s string) (artist, title string) {
	parts := strings.SplitN(s, " - ", 2)
	if len(parts) == 2 {
		return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	}
	return "", strings.TrimSpace(s)
}

func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := cryptoRand.Read(buf[:]); err == nil {
		return int64(binary.LittleEndian.Uint64(buf[:]))
	}
	return time.Now().UnixNano()
}
