package limiter

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// backend builds limiters over one store and reads their persisted buckets.
type backend struct {
	name  string
	store func(t *testing.T) (Store, func(key string) (float64, int64, bool))
}

func redisBackend() backend {
	return backend{
		name: "redis",
		store: func(t *testing.T) (Store, func(string) (float64, int64, bool)) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })

			read := func(key string) (float64, int64, bool) {
				ctx := context.Background()
				vals, err := client.HMGet(ctx, key, "tokens", "last_refill").Result()
				require.NoError(t, err)
				if vals[0] == nil {
					return 0, 0, false
				}
				tokens, err := strconv.ParseFloat(vals[0].(string), 64)
				require.NoError(t, err)
				last, err := strconv.ParseInt(vals[1].(string), 10, 64)
				require.NoError(t, err)
				return tokens, last, true
			}
			return NewRedisStore(client), read
		},
	}
}

func memoryBackend() backend {
	return backend{
		name: "memory",
		store: func(t *testing.T) (Store, func(string) (float64, int64, bool)) {
			s := NewMemoryStore()
			read := func(key string) (float64, int64, bool) {
				st, ok := s.(*memoryStore).bucket(key)
				return st.Tokens, st.LastRefill, ok
			}
			return s, read
		},
	}
}

func backends() []backend {
	return []backend{redisBackend(), memoryBackend()}
}

func newTestLimiter(t *testing.T, store Store, cfg Config, clock *fakeClock) *Limiter {
	t.Helper()
	l, err := New(store, cfg, WithClock(clock.Now), WithName("test"))
	require.NoError(t, err)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func TestLimiter_AdmissionThreshold(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, read := b.store(t)
			clock := newFakeClock()
			l := newTestLimiter(t, store, Config{Capacity: 5, WindowSeconds: 10}, clock)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				allowed, err := l.IsAllowed(ctx, "user_1")
				require.NoError(t, err)
				assert.True(t, allowed, "request %d should be admitted", i+1)
			}

			allowed, err := l.IsAllowed(ctx, "user_1")
			require.NoError(t, err)
			assert.False(t, allowed, "6th request should be denied")

			tokens, _, ok := read(l.Key("user_1"))
			require.True(t, ok)
			assert.InDelta(t, 0, tokens, 1e-9)
		})
	}
}

func TestLimiter_RefillRecovery(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, read := b.store(t)
			clock := newFakeClock()
			cfg := Config{Capacity: 4, WindowSeconds: 8}
			l := newTestLimiter(t, store, cfg, clock)
			ctx := context.Background()

			for iter := 0; iter < 4; iter++ {
				_, err := l.IsAllowed(ctx, "user_1")
				require.NoError(t, err)
			}
			allowed, err := l.IsAllowed(ctx, "user_1")
			require.NoError(t, err)
			require.False(t, allowed)

			clock.Advance(cfg.Window())

			allowed, err = l.IsAllowed(ctx, "user_1")
			require.NoError(t, err)
			assert.True(t, allowed)

			// full bucket minus the request just admitted
			tokens, last, ok := read(l.Key("user_1"))
			require.True(t, ok)
			assert.InDelta(t, cfg.Capacity-1, tokens, 1e-9)
			assert.Equal(t, clock.Now().UnixMilli(), last)
		})
	}
}

func TestLimiter_PartialRefill(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, read := b.store(t)
			clock := newFakeClock()
			cfg := Config{Capacity: 10, WindowSeconds: 10}
			l := newTestLimiter(t, store, cfg, clock)
			ctx := context.Background()

			for iter := 0; iter < 10; iter++ {
				_, err := l.IsAllowed(ctx, "user_1")
				require.NoError(t, err)
			}

			clock.Advance(cfg.Window() / 2)

			allowed, err := l.IsAllowed(ctx, "user_1")
			require.NoError(t, err)
			assert.True(t, allowed)

			// capacity/2 refilled, one consumed
			tokens, _, ok := read(l.Key("user_1"))
			require.True(t, ok)
			assert.InDelta(t, cfg.Capacity/2-1, tokens, 1e-6)
		})
	}
}

func TestLimiter_IdentityIsolation(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, _ := b.store(t)
			l := newTestLimiter(t, store, Config{Capacity: 2, WindowSeconds: 60}, newFakeClock())
			ctx := context.Background()

			for iter := 0; iter < 3; iter++ {
				_, err := l.IsAllowed(ctx, "a")
				require.NoError(t, err)
			}
			allowed, err := l.IsAllowed(ctx, "a")
			require.NoError(t, err)
			assert.False(t, allowed)

			allowed, err = l.IsAllowed(ctx, "b")
			require.NoError(t, err)
			assert.True(t, allowed, "exhausting a must not affect b")

			allowed, err = l.IsAllowed(ctx, "")
			require.NoError(t, err)
			assert.True(t, allowed, "empty identity has its own bucket")
			assert.NotEqual(t, l.Key(""), l.Key("a"))
		})
	}
}

func TestLimiter_ConcurrentAdmissions(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, read := b.store(t)
			clock := newFakeClock()
			const capacity, extra = 20, 15
			l := newTestLimiter(t, store, Config{Capacity: capacity, WindowSeconds: 3600}, clock)
			ctx := context.Background()
			identity := uuid.NewString()

			var wg sync.WaitGroup
			var allowed, denied atomic.Int64
			wg.Add(capacity + extra)
			for iter := 0; iter < capacity+extra; iter++ {
				go func() {
					defer wg.Done()
					ok, err := l.IsAllowed(ctx, identity)
					if !assert.NoError(t, err) {
						return
					}
					if ok {
						allowed.Add(1)
					} else {
						denied.Add(1)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, int64(capacity), allowed.Load())
			assert.Equal(t, int64(extra), denied.Load())

			tokens, _, ok := read(l.Key(identity))
			require.True(t, ok)
			assert.InDelta(t, 0, tokens, 1e-9)
		})
	}
}

func TestLimiter_ClockRegression(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, read := b.store(t)
			clock := newFakeClock()
			l := newTestLimiter(t, store, Config{Capacity: 10, WindowSeconds: 10}, clock)
			ctx := context.Background()

			for iter := 0; iter < 5; iter++ {
				_, err := l.IsAllowed(ctx, "user_1")
				require.NoError(t, err)
			}
			before, lastBefore, ok := read(l.Key("user_1"))
			require.True(t, ok)
			require.InDelta(t, 5, before, 1e-9)

			clock.Advance(-30 * time.Second)

			allowed, err := l.IsAllowed(ctx, "user_1")
			require.NoError(t, err)
			assert.True(t, allowed)

			after, lastAfter, ok := read(l.Key("user_1"))
			require.True(t, ok)
			assert.LessOrEqual(t, after, before)
			assert.InDelta(t, before-1, after, 1e-9)
			assert.Equal(t, lastBefore, lastAfter, "last_refill must not move backwards")

			// returning to the original time credits nothing twice
			clock.Advance(30 * time.Second)
			_, err = l.IsAllowed(ctx, "user_1")
			require.NoError(t, err)
			again, _, _ := read(l.Key("user_1"))
			assert.InDelta(t, before-2, again, 1e-9)
		})
	}
}

func TestLimiter_TokensStayInRange(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, read := b.store(t)
			clock := newFakeClock()
			cfg := Config{Capacity: 7, WindowSeconds: 3}
			l := newTestLimiter(t, store, cfg, clock)
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(42, 7))

			for i := 0; i < 300; i++ {
				// mostly small forward steps, with occasional regressions
				step := time.Duration(rng.IntN(900)-100) * time.Millisecond
				clock.Advance(step)

				_, err := l.IsAllowed(ctx, "user_1")
				require.NoError(t, err)

				tokens, _, ok := read(l.Key("user_1"))
				require.True(t, ok)
				require.GreaterOrEqual(t, tokens, 0.0, "iteration %d", i)
				require.LessOrEqual(t, tokens, cfg.Capacity, "iteration %d", i)
			}
		})
	}
}

func TestLimiter_Lifecycle(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, read := b.store(t)
			l, err := New(store, Config{Capacity: 3, WindowSeconds: 1})
			require.NoError(t, err)
			assert.Equal(t, StateConstructed, l.State())

			allowed, err := l.IsAllowed(context.Background(), "user_1")
			assert.ErrorIs(t, err, ErrNotInitialized)
			assert.False(t, allowed)

			_, _, ok := read(l.Key("user_1"))
			assert.False(t, ok, "no state may be written before init")

			require.NoError(t, l.Init(context.Background()))
			assert.Equal(t, StateInitialized, l.State())

			allowed, err = l.IsAllowed(context.Background(), "user_1")
			require.NoError(t, err)
			assert.True(t, allowed)

			// re-initialising is harmless
			require.NoError(t, l.Init(context.Background()))
			assert.Equal(t, StateInitialized, l.State())
		})
	}
}

func TestLimiter_ContextCanceled(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			store, _ := b.store(t)
			l := newTestLimiter(t, store, Config{Capacity: 3, WindowSeconds: 1}, newFakeClock())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			allowed, err := l.IsAllowed(ctx, "user_1")
			require.Error(t, err)
			assert.False(t, allowed)
			assert.ErrorIs(t, err, ErrStoreUnavailable)
			assert.ErrorIs(t, err, context.Canceled)
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	store := NewMemoryStore()
	cases := []Config{
		{Capacity: 0, WindowSeconds: 1},
		{Capacity: -1, WindowSeconds: 1},
		{Capacity: 1, WindowSeconds: 0},
		{Capacity: 1, WindowSeconds: -5},
		{Capacity: math.NaN(), WindowSeconds: 1},
		{Capacity: 1, WindowSeconds: math.Inf(1)},
	}
	for _, cfg := range cases {
		_, err := New(store, cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, "config %+v", cfg)
	}

	_, err := New(nil, Config{Capacity: 1, WindowSeconds: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewRedis(nil, Config{Capacity: 1, WindowSeconds: 1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLimiter_Key(t *testing.T) {
	l, err := New(NewMemoryStore(), Config{Capacity: 1, WindowSeconds: 1})
	require.NoError(t, err)
	assert.Equal(t, "rate:user_1", l.Key("user_1"))
	assert.Equal(t, "rate:", l.Key(""))

	l, err = New(NewMemoryStore(), Config{Capacity: 1, WindowSeconds: 1}, WithKeyPrefix("app:login:"))
	require.NoError(t, err)
	assert.Equal(t, "app:login:10.0.0.1", l.Key("10.0.0.1"))
}

type recordingObserver struct {
	mu      sync.Mutex
	allowed int
	denied  int
	errs    []error
	names   []string
}

func (o *recordingObserver) ObserveAdmission(name string, allowed bool, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
	switch {
	case err != nil:
		o.errs = append(o.errs, err)
	case allowed:
		o.allowed++
	default:
		o.denied++
	}
}

type failingStore struct{ err error }

func (s failingStore) Load(context.Context) error { return nil }
func (s failingStore) Admit(context.Context, string, AdmitRequest) (bool, error) {
	return true, s.err
}

func TestLimiter_Observer(t *testing.T) {
	obs := &recordingObserver{}
	l, err := New(NewMemoryStore(), Config{Capacity: 1, WindowSeconds: 60},
		WithObserver(obs), WithName("login"), WithClock(newFakeClock().Now))
	require.NoError(t, err)
	require.NoError(t, l.Init(context.Background()))

	_, _ = l.IsAllowed(context.Background(), "x")
	_, _ = l.IsAllowed(context.Background(), "x")

	assert.Equal(t, 1, obs.allowed)
	assert.Equal(t, 1, obs.denied)
	assert.Equal(t, []string{"login", "login"}, obs.names)

	boom := errors.New("connection reset")
	l, err = New(failingStore{err: boom}, Config{Capacity: 1, WindowSeconds: 60}, WithObserver(obs))
	require.NoError(t, err)
	require.NoError(t, l.Init(context.Background()))

	allowed, err := l.IsAllowed(context.Background(), "x")
	assert.False(t, allowed, "a failing store never admits")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)
	require.Len(t, obs.errs, 1)
	assert.ErrorIs(t, obs.errs[0], boom)
}
