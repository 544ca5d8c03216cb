package limiter

import "time"

// Observer is notified after every admission check. Implementations must be
// safe for concurrent use.
type Observer interface {
	// ObserveAdmission reports the outcome of one check. err is non-nil when
	// the store could not answer, in which case allowed is false.
	ObserveAdmission(limiter string, allowed bool, elapsed time.Duration, err error)
}

// nopObserver keeps the hot path free of nil checks.
type nopObserver struct{}

func (nopObserver) ObserveAdmission(string, bool, time.Duration, error) {}
