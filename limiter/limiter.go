package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle phase of a Limiter.
type State int32

const (
	// StateConstructed means the admission procedure is not registered yet.
	StateConstructed State = iota
	// StateInitialized means Init succeeded and IsAllowed may be called.
	StateInitialized
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateInitialized:
		return "initialized"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Limiter admits or denies requests per identity using a token bucket kept in
// a shared Store. It holds no bucket state of its own and is safe for
// concurrent use.
type Limiter struct {
	store    Store
	cfg      Config
	prefix   string
	ttl      time.Duration
	now      func() time.Time
	name     string
	observer Observer
	state    atomic.Int32
}

// New creates a Limiter over store. It validates cfg but performs no I/O;
// call Init before the first IsAllowed.
func New(store Store, cfg Config, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		store:    store,
		cfg:      cfg,
		prefix:   DefaultKeyPrefix,
		ttl:      cfg.defaultTTL(),
		now:      time.Now,
		name:     "limiter-" + uuid.NewString()[:8],
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(l)
	}

	log.Debug().
		Str("limiter", l.name).
		Float64("capacity", cfg.Capacity).
		Float64("window_seconds", cfg.WindowSeconds).
		Str("prefix", l.prefix).
		Dur("ttl", l.ttl).
		Msg("new limiter created")
	return l, nil
}

// NewRedis creates a Limiter backed by Redis through client.
func NewRedis(client redis.Scripter, cfg Config, opts ...Option) (*Limiter, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidConfig)
	}
	return New(NewRedisStore(client), cfg, opts...)
}

// Init registers the admission procedure with the store. It may be called
// again, e.g. after the store lost its script cache.
func (l *Limiter) Init(ctx context.Context) error {
	if err := l.store.Load(ctx); err != nil {
		log.Error().Err(err).Str("limiter", l.name).Msg("limiter init failed")
		return err
	}
	if l.state.Swap(int32(StateInitialized)) != int32(StateInitialized) {
		log.Info().Str("limiter", l.name).Msg("limiter initialized")
	}
	return nil
}

// IsAllowed reports whether one request for identity may proceed, consuming a
// token if so. Any identity is valid, including the empty string.
// Store failures are returned as errors wrapping ErrStoreUnavailable; the
// caller decides whether to admit or deny in that case.
func (l *Limiter) IsAllowed(ctx context.Context, identity string) (bool, error) {
	if l.State() != StateInitialized {
		return false, ErrNotInitialized
	}

	key := l.Key(identity)
	req := AdmitRequest{
		Capacity:      l.cfg.Capacity,
		WindowSeconds: l.cfg.WindowSeconds,
		NowMillis:     l.now().UnixMilli(),
		TTL:           l.ttl,
	}

	start := time.Now()
	allowed, err := l.store.Admit(ctx, key, req)
	if err != nil {
		err = wrapStoreErr(err)
		allowed = false
	}
	l.observer.ObserveAdmission(l.name, allowed, time.Since(start), err)

	if err != nil {
		return false, err
	}
	if allowed {
		log.Debug().Str("limiter", l.name).Str("key", key).Bool("allowed", true).Msg("request admitted")
	} else {
		log.Warn().Str("limiter", l.name).Str("key", key).Bool("allowed", false).Msg("rate limit exceeded")
	}
	return allowed, nil
}

// Key returns the store key holding identity's bucket.
func (l *Limiter) Key(identity string) string {
	return l.prefix + identity
}

// State returns the current lifecycle phase.
func (l *Limiter) State() State {
	return State(l.state.Load())
}

// Name returns the limiter name used in logs and metrics.
func (l *Limiter) Name() string {
	return l.name
}

// Config returns the configured limits.
func (l *Limiter) Config() Config {
	return l.cfg
}

func wrapStoreErr(err error) error {
	switch {
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrUnexpectedReply),
		errors.Is(err, ErrNotInitialized):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
