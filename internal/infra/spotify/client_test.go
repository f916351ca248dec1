package spotify

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zmb3/spotify/v2"

	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

func TestConvertTrack(t *testing.T) {
	ft := &spotify.FullTrack{
		SimpleTrack: spotify.SimpleTrack{
			ID:       "4uLU6hMCjMI75M1A2tKUQC",
			Name:     "Song Title",
			Duration: 213000,
			Artists: []spotify.SimpleArtist{
				{Name: "Main Artist"},
				{Name: "Featured Artist"},
			},
		},
		Album: spotify.SimpleAlbum{
			Name:   "Album Name",
			Images: []spotify.Image{{URL: "https://img.test/cover.jpg"}},
		},
	}

	got := convertTrack(ft)

	assert.Equal(t, "4uLU6hMCjMI75M1A2tKUQC", got.ID)
	assert.Equal(t, "Song Title", got.Title)
	assert.Equal(t, "Main Artist", got.Artist, "primary artist only")
	assert.Equal(t, "Album Name", got.Album)
	assert.Equal(t, "https://img.test/cover.jpg", got.ArtworkURL)
	assert.Equal(t, track.SourcePlaylist, got.Source)
	assert.Equal(t, 213*time.Second, got.Duration)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "unauthorized", err: spotify.Error{Status: 401, Message: "token expired"}, target: source.ErrAuthExpired},
		{name: "forbidden", err: spotify.Error{Status: 403, Message: "forbidden"}, target: source.ErrAuthExpired},
		{name: "rate limited", err: spotify.Error{Status: 429, Message: "too many requests"}, target: source.ErrProviderUnavailable},
		{name: "plain error", err: errors.New("connection refused"), target: source.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(classify(tt.err, "op"), tt.target))
		})
	}
}

func TestResolveStream(t *testing.T) {
	a := &Adapter{}

	url, err := a.ResolveStream(context.Background(), track.Track{
		Artist: "Main Artist",
		Title:  "Song Title",
	})
	require.NoError(t, err)
	assert.Equal(t, "ytdl://ytsearch1:Main Artist - Song Title", url)

	_, err = a.ResolveStream(context.Background(), track.Track{Title: "No Artist"})
	assert.True(t, errors.Is(err, source.ErrStreamUnresolvable))
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New(context.Background(), map[string]any{"client_id": "only-id"})
	assert.Error(t, err)
}
