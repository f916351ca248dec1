// Package pandora provides the radio-source adapter. Pandora is only
// reachable from whitelisted regions, so every request goes through the
// SOCKS5 proxy whose exit country the proxy session manager verified.
package pandora

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"

	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

const baseURL = "https://www.pandora.com/api/v1"

// Config represents Pandora adapter configuration.
type Config struct {
	Username  string `mapstructure:"username" validate:"required"`
	Password  string `mapstructure:"password" validate:"required"`
	SocksAddr string `mapstructure:"socks_addr" default:"127.0.0.1:9050"`
	Station   string `mapstructure:"station"` // station name; empty picks the first
}

// Adapter is the radio-source adapter.
type Adapter struct {
	config     *Config
	httpClient *http.Client

	mu        sync.Mutex
	authToken string
	csrfToken string
	stationID string
}

// New creates the adapter from a settings map. All traffic is dialed
// through the SOCKS5 proxy.
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

	dialer, err := proxy.SOCKS5("tcp", cfg.SocksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create SOCKS5 dialer")
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("SOCKS5 dialer does not support contexts")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cookie jar")
	}

	return &Adapter{
		config: &cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return contextDialer.DialContext(ctx, network, addr)
				},
			},
		},
	}, nil
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return "pandora" }

// Kind returns the source this adapter feeds.
func (a *Adapter) Kind() track.Source { return track.SourceRadio }

// FetchTracks pulls the next playlist fragment from the configured station.
func (a *Adapter) FetchTracks(ctx context.Context) ([]track.Track, error) {
	if err := a.ensureSession(ctx); err != nil {
		return nil, err
	}

	stationID, err := a.stationIDFor(ctx)
	if err != nil {
		return nil, err
	}

	var resp fragmentResponse
	err = a.call(ctx, "/playlist/getFragment", map[string]any{
		"stationId":      stationID,
		"isStationStart": false,
	}, &resp)
	if err != nil {
		return nil, err
	}

	tracks := make([]track.Track, 0, len(resp.Tracks))
	for _, item := range resp.Tracks {
		if item.TrackToken == "" || item.AudioURL == "" {
			continue
		}
		t := track.Track{
			ID:        item.TrackToken,
			Title:     item.SongTitle,
			Artist:    item.ArtistName,
			Album:     item.AlbumTitle,
			Source:    track.SourceRadio,
			Duration:  time.Duration(item.TrackLength) * time.Second,
			StreamURL: item.AudioURL,
		}
		if len(item.AlbumArt) > 0 {
			t.ArtworkURL = item.AlbumArt[len(item.AlbumArt)-1].URL
		}
		tracks = append(tracks, t)
	}
	return tracks, nil
}

// ResolveStream returns the direct audio URL that came with the fragment.
// Fragment URLs expire, so a track that lost its URL is unresolvable.
func (a *Adapter) ResolveStream(ctx context.Context, t track.Track) (string, error) {
	if t.StreamURL == "" {
		return "", source.Unresolvable(errors.New("fragment URL expired"), "pandora track")
	}
	return t.StreamURL, nil
}

// Love sends thumbs-up feedback for the track.
func (a *Adapter) Love(ctx context.Context, t track.Track) error {
	return a.feedback(ctx, t, true)
}

// Ban sends thumbs-down feedback for the track.
func (a *Adapter) Ban(ctx context.Context, t track.Track) error {
	return a.feedback(ctx, t, false)
}

func (a *Adapter) feedback(ctx context.Context, t track.Track, positive bool) error {
	if err := a.ensureSession(ctx); err != nil {
		return err
	}
	stationID, err := a.stationIDFor(ctx)
	if err != nil {
		return err
	}
	return a.call(ctx, "/station/addFeedback", map[string]any{
		"stationId":  stationID,
		"trackToken": t.ID,
		"isPositive": positive,
	}, nil)
}

// ensureSession logs in once and reuses the auth token afterwards.
func (a *Adapter) ensureSession(ctx context.Context) error {
	a.mu.Lock()
	have := a.authToken != ""
	a.mu.Unlock()
	if have {
		return nil
	}

	if err := a.fetchCSRF(ctx); err != nil {
		return err
	}

	var resp loginResponse
	err := a.call(ctx, "/auth/login", map[string]any{
		"username":          a.config.Username,
		"password":          a.config.Password,
		"keepLoggedIn":      true,
		"existingAuthToken": nil,
	}, &resp)
	if err != nil {
		return err
	}
	if resp.AuthToken == "" {
		return errors.Mark(errors.New("login returned no auth token"), source.ErrAuthExpired)
	}

	a.mu.Lock()
	a.authToken = resp.AuthToken
	a.mu.Unlock()

	zlog.Info().Msg("pandora session established")
	return nil
}

// fetchCSRF primes the csrf cookie Pandora requires on every API call.
func (a *Adapter) fetchCSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "https://www.pandora.com/", nil)
	if err != nil {
		return errors.Wrap(err, "failed to create csrf request")
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return source.Unavailable(err, "csrf fetch failed")
	}
	defer func() { _ = resp.Body.Close() }()

	for _, c := range resp.Cookies() {
		if c.Name == "csrftoken" {
			a.mu.Lock()
			a.csrfToken = c.Value
			a.mu.Unlock()
			return nil
		}
	}
	if resp.StatusCode == http.StatusForbidden {
		return source.GeoBlocked(errors.Newf("status %d", resp.StatusCode), "pandora rejected the exit region")
	}
	return source.Unavailable(errors.New("no csrf cookie in response"), "csrf fetch")
}

func (a *Adapter) stationIDFor(ctx context.Context) (string, error) {
	a.mu.Lock()
	cached := a.stationID
	a.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var resp stationsResponse
	if err := a.call(ctx, "/station/getStations", map[string]any{"pageSize": 100}, &resp); err != nil {
		return "", err
	}
	if len(resp.Stations) == 0 {
		return "", source.Unavailable(errors.New("account has no stations"), "station list")
	}

	chosen := resp.Stations[0]
	if a.config.Station != "" {
		for _, s := range resp.Stations {
			if s.Name == a.config.Station {
				chosen = s
				break
			}
		}
	}

	a.mu.Lock()
	a.stationID = chosen.StationID
	a.mu.Unlock()

	zlog.Debug().Str("station", chosen.Name).Msg("pandora station selected")
	return chosen.StationID, nil
}

// call posts a JSON body and decodes the response, mapping HTTP failures
// onto the shared error taxonomy.
func (a *Adapter) call(ctx context.Context, path string, body map[string]any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	a.mu.Lock()
	if a.csrfToken != "" {
		req.Header.Set("X-CsrfToken", a.csrfToken)
	}
	if a.authToken != "" {
		req.Header.Set("X-AuthToken", a.authToken)
	}
	a.mu.Unlock()

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return source.Unavailable(err, "pandora request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return source.Unavailable(err, "failed to read response")
	}

	if err := classifyStatus(resp.StatusCode, path); err != nil {
		// Expired sessions force a fresh login on the next call.
		if errors.Is(err, source.ErrAuthExpired) {
			a.mu.Lock()
			a.authToken = ""
			a.mu.Unlock()
		}
		return err
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return source.Unavailable(err, "failed to decode response")
	}
	return nil
}

// classifyStatus maps Pandora HTTP statuses onto the error taxonomy.
// Pandora answers geo-blocked clients with 403 at the API layer.
func classifyStatus(status int, op string) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusForbidden:
		return source.GeoBlocked(errors.Newf("status 403 on %s", op), "pandora geo-block")
	case status == http.StatusUnauthorized:
		return errors.Mark(errors.Newf("status 401 on %s", op), source.ErrAuthExpired)
	default:
		return source.Unavailable(errors.Newf("status %d on %s", status, op), "pandora API error")
	}
}

type loginResponse struct {
	AuthToken string `json:"authToken"`
}

type stationsResponse struct {
	Stations []struct {
		StationID string `json:"stationId"`
		Name      string `json:"name"`
	} `json:"stations"`
}

type fragmentResponse struct {
	Tracks []struct {
		TrackToken  string `json:"trackToken"`
		SongTitle   string `json:"songTitle"`
		ArtistName  string `json:"artistName"`
		AlbumTitle  string `json:"albumTitle"`
		AudioURL    string `json:"audioURL"`
		TrackLength int    `json:"trackLength"`
		AlbumArt    []struct {
			URL string `json:"url"`
		} `json:"albumArt"`
	} `json:"tracks"`
}
