package domain

import "errors"

// Exchange error taxonomy. The adapter classifies raw HTTP failures into
// these sentinels (wrapped, so callers use errors.Is); "not found" is not an
// error, it maps to a nil order / empty status.
var (
	ErrRateLimited     = errors.New("exchange rate limited")
	ErrServerError     = errors.New("exchange server error")
	ErrStaleTimestamp  = errors.New("exchange rejected request timestamp")
	ErrBadSignature    = errors.New("exchange rejected request signature")
	ErrUnknownExchange = errors.New("unknown exchange error")
)

// ErrMaxRetryAttempts aborts a step after the signature/timestamp retrier
// ran out of attempts.
var ErrMaxRetryAttempts = errors.New("max signature/timestamp retry attempts reached")

// Store errors.
var (
	// ErrAnotherTradeActive is the domain translation of the store's
	// one-active-trade-per-hold-asset uniqueness violation.
	ErrAnotherTradeActive = errors.New("another trade is already running for this hold asset")

	// ErrConcurrentUpdate means a fenced update affected zero rows: another
	// runner holds the current process id and raced ahead. The caller must
	// abort, it cannot trust its own view of the row anymore.
	ErrConcurrentUpdate = errors.New("conditional update affected no rows (stale process id)")
)
