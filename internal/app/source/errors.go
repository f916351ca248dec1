package source

import "github.com/cockroachdb/errors"

// Provider error classes. Adapters mark their failures with one of these so
// callers can pick a recovery policy without knowing the provider:
//
//	ErrProviderUnavailable - transient, retry with backoff
//	ErrAuthExpired         - non-retryable until the user re-authenticates
//	ErrGeoBlocked          - triggers the proxy manager's re-verification loop
//	ErrStreamUnresolvable  - skip the track, advance the queue
var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrAuthExpired         = errors.New("authentication expired")
	ErrGeoBlocked          = errors.New("provider is geo-blocked")
	ErrStreamUnresolvable  = errors.New("stream could not be resolved")
)

// Unavailable wraps err as a transient provider failure.
func Unavailable(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrProviderUnavailable)
}

// GeoBlocked wraps err as a geo-block failure.
func GeoBlocked(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrGeoBlocked)
}

// Unresolvable wraps err as a stream resolution failure.
func Unresolvable(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrStreamUnresolvable)
}
