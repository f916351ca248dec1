// Package proxy manages the anonymizing-network session for the
// geo-restricted source: circuits are retried until the exit country lands
// in the required whitelist.
package proxy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// ErrProxyFailed marks a proxy session that exhausted its attempt budget or
// whose process never came up. Callers exclude the dependent adapter for the
// rest of the session; this is graceful degradation, not fatal.
var ErrProxyFailed = errors.New("proxy session failed")

// Status represents the proxy session status.
type Status int

const (
	StatusStopped           Status = iota // Not started
	StatusStarting                        // Waiting for the proxy process
	StatusCircuitUnverified               // Reachable, exit country unchecked or rejected
	StatusVerified                        // Exit country in the whitelist
	StatusFailed                          // Attempt budget exhausted or process failed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusCircuitUnverified:
		return "circuit_unverified"
	case StatusVerified:
		return "verified"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Controller is the external proxy process controller.
type Controller interface {
	Start(ctx context.Context) error
	NewCircuit(ctx context.Context) error
	// ExitCountry returns the ISO 3166-1 alpha-2 code of the current exit
	// node, or "" when unknown.
	ExitCountry(ctx context.Context) (string, error)
}

// Config holds the retry policy.
type Config struct {
	AllowedCountries []string      // Whitelist of acceptable exit countries
	MaxAttempts      int           // Circuit verification attempts (default 5)
	Backoff          time.Duration // Delay between attempts (default 2s)
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
}

// Manager owns the proxy session lifecycle. The attempt counter is part of
// the visible state.
type Manager struct {
	mu sync.Mutex

	controller Controller
	config     Config

	status        Status
	attempts      int
	reverifyFails int
	exitCountry   string
}

// NewManager creates a manager over the controller.
func NewManager(controller Controller, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{controller: controller, config: cfg, status: StatusStopped}
}

// Status returns the current session status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts returns the number of circuit verifications performed.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// ExitCountry returns the last verified exit country.
func (m *Manager) ExitCountry() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitCountry
}

// Ensure drives the session to Verified, starting the proxy process first if
// needed. A Failed session stays failed; it is reported, not retried.
func (m *Manager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusVerified:
		m.mu.Unlock()
		return nil
	case StatusFailed:
		m.mu.Unlock()
		return ErrProxyFailed
	}
	m.status = StatusStarting
	m.mu.Unlock()

	if err := m.controller.Start(ctx); err != nil {
		m.setStatus(StatusFailed)
		return errors.Mark(errors.Wrap(err, "proxy process failed to start"), ErrProxyFailed)
	}
	m.setStatus(StatusCircuitUnverified)

	for i := 0; i < m.config.MaxAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		if m.verifyCircuit(ctx, attempt) {
			return nil
		}

		// Country mismatch or lookup failure: request a fresh circuit and
		// retry after a short backoff.
		if i < m.config.MaxAttempts-1 {
			if err := m.controller.NewCircuit(ctx); err != nil {
				zlog.Warn().Err(err).Msg("new circuit request failed")
			}
			select {
			case <-time.After(m.config.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	m.setStatus(StatusFailed)
	return errors.Mark(
		errors.Newf("no acceptable exit country after %d attempts", m.config.MaxAttempts),
		ErrProxyFailed)
}

// Reverify handles a geo-block seen through an already verified session: a
// fresh circuit is requested and checked exactly once. On failure the
// session drops back to CircuitUnverified and the caller surfaces the
// original error. Re-verification failures count against the same attempt
// budget as startup; once MaxAttempts of them accumulate without a success
// in between, the session goes Failed for good.
func (m *Manager) Reverify(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusFailed {
		m.mu.Unlock()
		return ErrProxyFailed
	}
	m.status = StatusCircuitUnverified
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	if err := m.controller.NewCircuit(ctx); err != nil {
		return m.reverifyFailed(errors.Wrap(err, "new circuit request failed"))
	}
	if m.verifyCircuit(ctx, attempt) {
		m.mu.Lock()
		m.reverifyFails = 0
		m.mu.Unlock()
		return nil
	}
	return m.reverifyFailed(errors.New("exit country still not acceptable"))
}

// reverifyFailed books one failed re-verification and fails the session when
// the budget runs out.
func (m *Manager) reverifyFailed(err error) error {
	m.mu.Lock()
	m.reverifyFails++
	exhausted := m.reverifyFails >= m.config.MaxAttempts
	if exhausted {
		m.status = StatusFailed
	}
	m.mu.Unlock()

	if exhausted {
		zlog.Error().Int("failures", m.config.MaxAttempts).
			Msg("re-verification budget exhausted, proxy session failed")
		return errors.Mark(err, ErrProxyFailed)
	}
	return err
}

func (m *Manager) verifyCircuit(ctx context.Context, attempt int) bool {
	country, err := m.controller.ExitCountry(ctx)
	if err != nil {
		zlog.Warn().Err(err).Int("attempt", attempt).Msg("exit country lookup failed")
		return false
	}
	if !m.countryAllowed(country) {
		zlog.Info().Str("country", country).Int("attempt", attempt).
			Msg("exit country rejected, rotating circuit")
		return false
	}

	m.mu.Lock()
	m.status = StatusVerified
	m.exitCountry = country
	m.mu.Unlock()

	zlog.Info().Str("country", country).Int("attempt", attempt).Msg("proxy circuit verified")
	return true
}

func (m *Manager) countryAllowed(country string) bool {
	if country == "" {
		return false
	}
	for _, c := range m.config.AllowedCountries {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}
