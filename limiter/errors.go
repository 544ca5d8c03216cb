package limiter

import "errors"

var (
	// ErrNotInitialized is returned by IsAllowed when Init has not completed.
	ErrNotInitialized = errors.New("limiter: not initialized, call Init first")
	// ErrStoreUnavailable wraps any failure talking to the backing store.
	// The original cause stays reachable through errors.Is / errors.As.
	ErrStoreUnavailable = errors.New("limiter: store unavailable")
	// ErrInvalidConfig is returned by New for non-positive or non-finite limits.
	ErrInvalidConfig = errors.New("limiter: invalid configuration")
	// ErrUnexpectedReply is returned when the admission script answers with
	// anything other than 0 or 1.
	ErrUnexpectedReply = errors.New("limiter: unexpected store reply")
)
