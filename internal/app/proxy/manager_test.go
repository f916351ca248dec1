package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/omnishuffle/internal/app/source"
	"github.com/osa030/omnishuffle/internal/domain/track"
)

// stubController scripts exit-country answers, one per check.
type stubController struct {
	mu        sync.Mutex
	countries []string
	checks    int
	circuits  int
	startErr  error
}

func (c *stubController) Start(ctx context.Context) error { return c.startErr }

func (c *stubController) NewCircuit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.circuits++
	return nil
}

func (c *stubController) ExitCountry(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checks >= len(c.countries) {
		return "", nil
	}
	country := c.countries[c.checks]
	c.checks++
	return country, nil
}

func testManager(ctrl *stubController) *Manager {
	return NewManager(ctrl, Config{
		AllowedCountries: []string{"US"},
		MaxAttempts:      5,
		Backoff:          time.Millisecond,
	})
}

func TestManager_VerifiedOnThirdAttempt(t *testing.T) {
	ctrl := &stubController{countries: []string{"DE", "FR", "US"}}
	m := testManager(ctrl)

	err := m.Ensure(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusVerified, m.Status())
	assert.Equal(t, 3, m.Attempts())
	assert.Equal(t, "US", m.ExitCountry())
	assert.Equal(t, 2, ctrl.circuits, "one rotation per rejected circuit")
}

func TestManager_FailedAfterFiveAttempts(t *testing.T) {
	ctrl := &stubController{countries: []string{"DE", "FR", "NL", "SE", "JP", "US"}}
	m := testManager(ctrl)

	err := m.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrProxyFailed)
	assert.Equal(t, StatusFailed, m.Status())
	assert.Equal(t, 5, m.Attempts())

	// Failed is terminal: no further retries happen.
	err = m.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrProxyFailed)
	assert.Equal(t, 5, m.Attempts())
}

func TestManager_StartFailure(t *testing.T) {
	ctrl := &stubController{startErr: errors.New("no tor binary")}
	m := testManager(ctrl)

	err := m.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrProxyFailed)
	assert.Equal(t, StatusFailed, m.Status())
	assert.Zero(t, m.Attempts())
}

func TestManager_EnsureIdempotentWhenVerified(t *testing.T) {
	ctrl := &stubController{countries: []string{"US"}}
	m := testManager(ctrl)

	require.NoError(t, m.Ensure(context.Background()))
	require.NoError(t, m.Ensure(context.Background()))
	assert.Equal(t, 1, m.Attempts())
}

func TestManager_Reverify(t *testing.T) {
	ctrl := &stubController{countries: []string{"US", "DE", "US"}}
	m := testManager(ctrl)
	require.NoError(t, m.Ensure(context.Background()))

	// First re-verification lands on DE: session drops to unverified.
	err := m.Reverify(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StatusCircuitUnverified, m.Status())

	// Second one recovers.
	require.NoError(t, m.Reverify(context.Background()))
	assert.Equal(t, StatusVerified, m.Status())
}

func TestManager_ReverifyBudgetExhausts(t *testing.T) {
	// One verified circuit, then every rotation lands outside the whitelist:
	// after MaxAttempts failed re-verifications the session is dead for good.
	ctrl := &stubController{countries: []string{"US", "DE", "DE", "DE", "DE", "DE"}}
	m := testManager(ctrl)
	require.NoError(t, m.Ensure(context.Background()))

	var err error
	for i := 0; i < 5; i++ {
		err = m.Reverify(context.Background())
		require.Error(t, err)
	}
	assert.ErrorIs(t, err, ErrProxyFailed)
	assert.Equal(t, StatusFailed, m.Status())

	// Terminal: no further circuits are requested.
	circuits := ctrl.circuits
	err = m.Reverify(context.Background())
	assert.ErrorIs(t, err, ErrProxyFailed)
	assert.Equal(t, circuits, ctrl.circuits)
}

func TestManager_ReverifySuccessResetsBudget(t *testing.T) {
	ctrl := &stubController{countries: []string{"US", "DE", "US", "DE", "DE", "DE", "DE"}}
	m := testManager(ctrl)
	require.NoError(t, m.Ensure(context.Background()))

	assert.Error(t, m.Reverify(context.Background()))
	require.NoError(t, m.Reverify(context.Background()))

	// The recovery cleared the failure count, so four more misses stay
	// within budget.
	for i := 0; i < 4; i++ {
		err := m.Reverify(context.Background())
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrProxyFailed)
	}
	assert.Equal(t, StatusCircuitUnverified, m.Status())
}

func TestManager_UnknownCountryRejected(t *testing.T) {
	ctrl := &stubController{countries: []string{"", "", "", "", ""}}
	m := testManager(ctrl)

	err := m.Ensure(context.Background())
	assert.ErrorIs(t, err, ErrProxyFailed)
}

// flakyAdapter geo-blocks until unblocked; stuck keeps it blocked forever.
type flakyAdapter struct {
	mu      sync.Mutex
	blocked bool
	stuck   bool
	fetches int
}

func (a *flakyAdapter) Name() string       { return "radio" }
func (a *flakyAdapter) Kind() track.Source { return track.SourceRadio }

func (a *flakyAdapter) FetchTracks(ctx context.Context) ([]track.Track, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.blocked {
		if !a.stuck {
			a.blocked = false // unblocked once the circuit rotates
		}
		return nil, source.GeoBlocked(errors.New("451"), "fetch")
	}
	return []track.Track{{ID: "r1", Source: track.SourceRadio}}, nil
}

func (a *flakyAdapter) ResolveStream(ctx context.Context, t track.Track) (string, error) {
	return "http://radio.test/" + t.ID, nil
}
func (a *flakyAdapter) Love(ctx context.Context, t track.Track) error { return nil }
func (a *flakyAdapter) Ban(ctx context.Context, t track.Track) error  { return nil }

func TestGeoGuard_RetriesOnceAfterReverify(t *testing.T) {
	ctrl := &stubController{countries: []string{"US", "US"}}
	m := testManager(ctrl)
	require.NoError(t, m.Ensure(context.Background()))

	adapter := &flakyAdapter{blocked: true}
	guarded := Guard(adapter, m)

	tracks, err := guarded.FetchTracks(context.Background())
	require.NoError(t, err)
	assert.Len(t, tracks, 1)
	assert.Equal(t, 2, adapter.fetches, "exactly one retry after re-verification")
	assert.Equal(t, StatusVerified, m.Status())
}

func TestGeoGuard_SurfacesWhenReverifyFails(t *testing.T) {
	ctrl := &stubController{countries: []string{"US", "DE"}}
	m := testManager(ctrl)
	require.NoError(t, m.Ensure(context.Background()))

	adapter := &flakyAdapter{blocked: true}
	guarded := Guard(adapter, m)

	_, err := guarded.FetchTracks(context.Background())
	assert.ErrorIs(t, err, source.ErrGeoBlocked)
	assert.NotErrorIs(t, err, ErrProxyFailed, "budget not exhausted yet")
	assert.Equal(t, 1, adapter.fetches)
}

func TestGeoGuard_MarksProxyFailedWhenBudgetExhausted(t *testing.T) {
	ctrl := &stubController{countries: []string{"US", "DE", "DE"}}
	m := NewManager(ctrl, Config{
		AllowedCountries: []string{"US"},
		MaxAttempts:      2,
		Backoff:          time.Millisecond,
	})
	require.NoError(t, m.Ensure(context.Background()))

	adapter := &flakyAdapter{blocked: true, stuck: true}
	guarded := Guard(adapter, m)

	// First geo-block burns one re-verification, second exhausts the budget:
	// the surfaced error now carries the proxy-failed marker so the queue
	// drops the source.
	_, err := guarded.FetchTracks(context.Background())
	require.ErrorIs(t, err, source.ErrGeoBlocked)
	assert.NotErrorIs(t, err, ErrProxyFailed)

	_, err = guarded.FetchTracks(context.Background())
	assert.ErrorIs(t, err, source.ErrGeoBlocked)
	assert.ErrorIs(t, err, ErrProxyFailed)
	assert.Equal(t, StatusFailed, m.Status())
}
