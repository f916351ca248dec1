// Package spotify provides the playlist-source adapter backed by the
// Spotify API. Spotify cannot be streamed directly, so stream resolution
// hands the player a search URL it resolves itself (the original pianobar
// workflow).
package spotify

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"

	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

// Config represents Spotify adapter configuration.
type Config struct {
	ClientID     string `mapstructure:"client_id" validate:"required"`
	ClientSecret string `mapstructure:"client_secret" validate:"required"`
	RefreshToken string `mapstructure:"refresh_token" validate:"required"`
	BatchSize    int    `mapstructure:"batch_size" default:"25" validate:"gte=1,lte=100"`
}

// Adapter is the playlist-source adapter.
type Adapter struct {
	client     *spotify.Client
	config     *Config
	rng        *rand.Rand
	maxRetries int
	retryDelay time.Duration
}

// New creates the adapter from a settings map.
func New(ctx context.Context, settings map[string]any) (*Adapter, error) {
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

	auth := spotifyauth.New(
		spotifyauth.WithClientID(cfg.ClientID),
		spotifyauth.WithClientSecret(cfg.ClientSecret),
		spotifyauth.WithScopes(
			spotifyauth.ScopePlaylistReadPrivate,
			spotifyauth.ScopeUserLibraryRead,
			spotifyauth.ScopeUserLibraryModify,
		),
	)
	token := &oauth2.Token{RefreshToken: cfg.RefreshToken}
	httpClient := auth.Client(ctx, token)

	return &Adapter{
		client:     spotify.New(httpClient),
		config:     &cfg,
		rng:        rand.New(rand.NewSource(cryptoSeed())),
		maxRetries: 3,
		retryDelay: time.Second,
	}, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return "spotify" }

// Kind returns the source this adapter feeds.
func (a *Adapter) Kind() track.Source { return track.SourcePlaylist }

// FetchTracks picks one of the user's playlists at random and returns a
// batch of its tracks.
func (a *Adapter) FetchTracks(ctx context.Context) ([]track.Track, error) {
	var page *spotify.SimplePlaylistPage
	err := a.retry(ctx, func() error {
		p, err := a.client.CurrentUsersPlaylists(ctx, spotify.Limit(50))
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, classify(err, "failed to list playlists")
	}
	if len(page.Playlists) == 0 {
		return nil, nil
	}

	playlist := page.Playlists[a.rng.Intn(len(page.Playlists))]
	zlog.Debug().Str("playlist", playlist.Name).Msg("fetching spotify playlist")

	var items *spotify.PlaylistItemPage
	err = a.retry(ctx, func() error {
		p, err := a.client.GetPlaylistItems(ctx, playlist.ID, spotify.Limit(100))
		if err != nil {
			return err
		}
		items = p
		return nil
	})
	if err != nil {
		return nil, classify(err, "failed to fetch playlist items")
	}

	tracks := make([]track.Track, 0, a.config.BatchSize)
	// Random starting offset so long playlists do not always serve their head.
	n := len(items.Items)
	if n == 0 {
		return nil, nil
	}
	start := a.rng.Intn(n)
	for i := 0; i < n && len(tracks) < a.config.BatchSize; i++ {
		item := items.Items[(start+i)%n]
		ft := item.Track.Track
		if ft == nil || ft.ID == "" {
			continue
		}
		tracks = append(tracks, convertTrack(ft))
	}
	return tracks, nil
}

// ResolveStream hands back a ytdl search URL; the player backend resolves
// the actual audio itself.
func (a *Adapter) ResolveStream(ctx context.Context, t track.Track) (string, error) {
	if t.Artist == "" || t.Title == "" {
		return "", source.Unresolvable(errors.New("missing artist or title"), "spotify track")
	}
	return fmt.Sprintf("ytdl://ytsearch1:%s - %s", t.Artist, t.Title), nil
}

// Love saves the track to the user's library.
func (a *Adapter) Love(ctx context.Context, t track.Track) error {
	err := a.retry(ctx, func() error {
		return a.client.AddTracksToLibrary(ctx, spotify.ID(t.ID))
	})
	if err != nil {
		return classify(err, "failed to save track")
	}
	return nil
}

// Ban removes the track from the user's library. The shuffle queue handles
// the local exclusion; Spotify has no harder "never play" signal.
func (a *Adapter) Ban(ctx context.Context, t track.Track) error {
	err := a.retry(ctx, func() error {
		return a.client.RemoveTracksFromLibrary(ctx, spotify.ID(t.ID))
	})
	if err != nil {
		return classify(err, "failed to remove track")
	}
	return nil
}

func (a *Adapter) retry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < a.maxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var spErr spotify.Error
		if errors.As(err, &spErr) && spErr.Status == http.StatusUnauthorized {
			return err // no point retrying expired auth
		}
		select {
		case <-time.After(a.retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// classify maps Spotify API failures onto the shared error taxonomy.
func classify(err error, msg string) error {
	var spErr spotify.Error
	if errors.As(err, &spErr) {
		switch spErr.Status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Mark(errors.Wrap(err, msg), source.ErrAuthExpired)
		}
	}
	return source.Unavailable(err, msg)
}

func convertTrack(ft *spotify.FullTrack) track.Track {
	t := track.Track{
		ID:       string(ft.ID),
		Title:    ft.Name,
		Album:    ft.Album.Name,
		Source:   track.SourcePlaylist,
		Duration: time.Duration(ft.Duration) * time.Millisecond,
	}
	if len(ft.Artists) > 0 {
		t.Artist = ft.Artists[0].Name
	}
	if len(ft.Album.Images) > 0 {
		t.ArtworkURL = ft.Album.Images[0].URL
	}
	return t
}

func cryptoSeed() int64 {
	var buf [8]byte
	if _, err := cryptoRand.Read(buf[:]); err == nil {
		return int64(binary.LittleEndian.Uint64(buf[:]))
	}
	return time.Now().UnixNano()
}
