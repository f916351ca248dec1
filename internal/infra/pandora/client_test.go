package pandora

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		target error
	}{
		{name: "geo blocked", status: 403, target: source.ErrGeoBlocked},
		{name: "auth expired", status: 401, target: source.ErrAuthExpired},
		{name: "server error", status: 500, target: source.ErrProviderUnavailable},
		{name: "rate limited", status: 429, target: source.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(classifyStatus(tt.status, "/test"), tt.target))
		})
	}

	assert.NoError(t, classifyStatus(200, "/test"))
}

func TestResolveStream(t *testing.T) {
	a := &Adapter{}

	url, err := a.ResolveStream(context.Background(), track.Track{
		ID:        "token",
		StreamURL: "https://audio.pandora.test/x.m4a",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://audio.pandora.test/x.m4a", url)

	// Fragment URLs expire; a track without one cannot be replayed.
	_, err = a.ResolveStream(context.Background(), track.Track{ID: "token"})
	assert.True(t, errors.Is(err, source.ErrStreamUnresolvable))
}

func TestFragmentDecoding(t *testing.T) {
	payload := `{
		"tracks": [
			{
				"trackToken": "tok1",
				"songTitle": "Song",
				"artistName": "Artist",
				"albumTitle": "Album",
				"audioURL": "https://audio.test/1.m4a",
				"trackLength": 215,
				"albumArt": [{"url": "small.jpg"}, {"url": "large.jpg"}]
			},
			{"trackToken": "", "songTitle": "ad break"}
		]
	}`

	var resp fragmentResponse
	require.NoError(t, json.Unmarshal([]byte(payload), &resp))
	require.Len(t, resp.Tracks, 2)
	assert.Equal(t, "tok1", resp.Tracks[0].TrackToken)
	assert.Equal(t, 215, resp.Tracks[0].TrackLength)
	assert.Equal(t, "large.jpg", resp.Tracks[0].AlbumArt[1].URL)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(map[string]any{"username": "user"})
	assert.Error(t, err, "password is required")

	a, err := New(map[string]any{"username": "user", "password": "pass"})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9050", a.config.SocksAddr)
	assert.Equal(t, track.SourceRadio, a.Kind())
}
