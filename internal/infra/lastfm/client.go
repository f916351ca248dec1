// Package lastfm provides a client for the Last.fm API, covering the
// authenticated write methods the scrobble coordinator needs.
package lastfm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/osa030/omnishuffle/internal/domain/track"
)

// Client is a Last.fm API client with a mobile session.
type Client struct {
	apiKey     string
	apiSecret  string
	username   string
	password   string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu         sync.Mutex
	sessionKey string
}

// Config represents Last.fm client configuration.
type Config struct {
	APIKey    string
	APISecret string
	Username  string
	Password  string
}

// LastFMError represents an error response from Last.fm API.
type LastFMError struct {
	Error   int    `json:"error"`
	Message string `json:"message"`
}

type sessionResponse struct {
	Session struct {
		Key string `json:"key"`
	} `json:"session"`
}

// New creates a new Last.fm client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("last.fm API key and secret are required")
	}
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("last.fm username and password are required")
	}

	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		username:   cfg.Username,
		password:   cfg.Password,
		baseURL:    "https://ws.audioscrobbler.com/2.0/",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Last.fm asks clients to stay under 5 requests per second.
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}, nil
}

// NowPlaying updates the now playing status.
// Reference: https://www.last.fm/api/show/track.updateNowPlaying
func (c *Client) NowPlaying(ctx context.Context, t track.Track) error {
	params := map[string]string{
		"method": "track.updateNowPlaying",
		"artist": t.Artist,
		"track":  t.Title,
	}
	if t.Album != "" {
		params["album"] = t.Album
	}
	if t.HasKnownDuration() {
		params["duration"] = fmt.Sprintf("%d", int(t.Duration.Seconds()))
	}
	return c.signedCall(ctx, params)
}

// Scrobble submits a completed listen.
// Reference: https://www.last.fm/api/show/track.scrobble
func (c *Client) Scrobble(ctx context.Context, t track.Track, playedAt time.Time) error {
	params := map[string]string{
		"method":    "track.scrobble",
		"artist":    t.Artist,
		"track":     t.Title,
		"timestamp": fmt.Sprintf("%d", playedAt.Unix()),
	}
	if t.Album != "" {
		params["album"] = t.Album
	}
	err := c.signedCall(ctx, params)
	if err == nil {
		zlog.Debug().Str("artist", t.Artist).Str("track", t.Title).Msg("scrobbled")
	}
	return err
}

// Love marks the track as loved.
// Reference: https://www.last.fm/api/show/track.love
func (c *Client) Love(ctx context.Context, t track.Track) error {
	return c.signedCall(ctx, map[string]string{
		"method": "track.love",
		"artist": t.Artist,
		"track":  t.Title,
	})
}

// ensureSession authenticates once with the mobile session flow and caches
// the session key for the lifetime of the client.
// Reference: https://www.last.fm/api/show/auth.getMobileSession
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()
	if key != "" {
		return key, nil
	}

	params := map[string]string{
		"method":   "auth.getMobileSession",
		"username": c.username,
		"password": c.password,
		"api_key":  c.apiKey,
	}
	params["api_sig"] = c.sign(params)
	params["format"] = "json"

	body, err := c.post(ctx, params)
	if err != nil {
		return "", err
	}

	var resp sessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Wrap(err, "failed to parse session response")
	}
	if resp.Session.Key == "" {
		return "", errors.New("last.fm returned no session key")
	}

	c.mu.Lock()
	c.sessionKey = resp.Session.Key
	c.mu.Unlock()

	zlog.Info().Str("user", c.username).Msg("last.fm session established")
	return resp.Session.Key, nil
}

// signedCall performs an authenticated write method.
func (c *Client) signedCall(ctx context.Context, params map[string]string) error {
	sk, err := c.ensureSession(ctx)
	if err != nil {
		return err
	}

	params["api_key"] = c.apiKey
	params["sk"] = sk
	params["api_sig"] = c.sign(params)
	params["format"] = "json"

	_, err = c.post(ctx, params)
	return err
}

func (c *Client) post(ctx context.Context, params map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter interrupted")
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	// Check for Last.fm API errors
	var apiError LastFMError
	if err := json.Unmarshal(body, &apiError); err == nil && apiError.Error != 0 {
		return nil, errors.Errorf("last.fm API error %d: %s", apiError.Error, apiError.Message)
	}

	return body, nil
}

// sign computes the method signature: parameters sorted by name,
// concatenated as namevalue pairs, with the shared secret appended,
// all md5-hashed. The format parameter is excluded.
func (c *Client) sign(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "format" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}
	b.WriteString(c.apiSecret)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
