package proxy

import (
	"context"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

// GeoGuard wraps the geo-restricted adapter. A call failing with a
// geo-block error re-verifies the proxy circuit and retries the call exactly
// once before surfacing the error.
type GeoGuard struct {
	inner   source.Adapter
	manager *Manager
}

// Guard wraps an adapter with geo-block recovery.
func Guard(inner source.Adapter, manager *Manager) *GeoGuard {
	return &GeoGuard{inner: inner, manager: manager}
}

func (g *GeoGuard) Name() string       { return g.inner.Name() }
func (g *GeoGuard) Kind() track.Source { return g.inner.Kind() }

func (g *GeoGuard) FetchTracks(ctx context.Context) ([]track.Track, error) {
	tracks, err := g.inner.FetchTracks(ctx)
	if g.recovered(ctx, err) {
		return g.inner.FetchTracks(ctx)
	}
	return tracks, g.surface(err)
}

func (g *GeoGuard) ResolveStream(ctx context.Context, t track.Track) (string, error) {
	url, err := g.inner.ResolveStream(ctx, t)
	if g.recovered(ctx, err) {
		return g.inner.ResolveStream(ctx, t)
	}
	return url, g.surface(err)
}

func (g *GeoGuard) Love(ctx context.Context, t track.Track) error {
	err := g.inner.Love(ctx, t)
	if g.recovered(ctx, err) {
		return g.inner.Love(ctx, t)
	}
	return g.surface(err)
}

func (g *GeoGuard) Ban(ctx context.Context, t track.Track) error {
	err := g.inner.Ban(ctx, t)
	if g.recovered(ctx, err) {
		return g.inner.Ban(ctx, t)
	}
	return g.surface(err)
}

// recovered reports whether err was a geo-block that a circuit rotation
// fixed, in which case the caller retries once.
func (g *GeoGuard) recovered(ctx context.Context, err error) bool {
	if err == nil || !errors.Is(err, source.ErrGeoBlocked) {
		return false
	}
	zlog.Warn().Str("source", g.inner.Name()).Msg("geo-block detected, re-verifying circuit")
	if rerr := g.manager.Reverify(ctx); rerr != nil {
		zlog.Warn().Err(rerr).Msg("circuit re-verification failed")
		return false
	}
	return true
}

// surface tacks the proxy-failed marker onto a geo-block error once the
// session is dead, so the queue drops this source for the rest of the run.
func (g *GeoGuard) surface(err error) error {
	if err == nil || !errors.Is(err, source.ErrGeoBlocked) {
		return err
	}
	if g.manager.Status() == StatusFailed {
		return errors.Mark(err, ErrProxyFailed)
	}
	return err
}
