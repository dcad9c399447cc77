package shield

import "errors"

var (
	// ErrInvalidConfiguration is returned by New for a non-positive limit or
	// period, or a missing store.
	ErrInvalidConfiguration = errors.New("invalid rate limiter configuration")

	// ErrInvalidIdentifiers is returned when an identifier set cannot be
	// reduced to its canonical form.
	ErrInvalidIdentifiers = errors.New("invalid identifiers")

	// ErrStoreUnavailable wraps backend failures (network, timeouts, decoding).
	ErrStoreUnavailable = errors.New("counter store unavailable")

	// ErrStoreClosed is returned by stores used after Close.
	ErrStoreClosed = errors.New("counter store closed")
)
