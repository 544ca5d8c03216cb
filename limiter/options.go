package limiter

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Option configures a Limiter.
type Option func(*Limiter)

// WithKeyPrefix sets the prefix used to derive bucket keys.
// Default is "rate:".
func WithKeyPrefix(prefix string) Option {
	return func(l *Limiter) {
		l.prefix = prefix
	}
}

// WithKeyTTL sets how long an untouched bucket survives in the store.
// Default is the refill window. A negative value disables expiry.
func WithKeyTTL(ttl time.Duration) Option {
	return func(l *Limiter) {
		if ttl == 0 {
			log.Warn().Msg("ignoring zero key ttl option, keeping default")
			return
		}
		if ttl > 0 && ttl < time.Millisecond {
			ttl = time.Millisecond // store precision
		}
		l.ttl = ttl
	}
}

// WithClock replaces time.Now as the source of admission timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithName sets the name used in logs and metrics labels.
func WithName(name string) Option {
	return func(l *Limiter) {
		if name != "" {
			l.name = name
		}
	}
}

// WithObserver registers an Observer notified after every admission check.
func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		if o != nil {
			l.observer = o
		}
	}
}
