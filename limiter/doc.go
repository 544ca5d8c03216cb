// Package limiter provides a distributed token bucket admission check.
//
// A Limiter holds one limit (Capacity tokens regenerated over WindowSeconds)
// and answers, per caller identity, whether one more request may proceed:
//
//	l, _ := limiter.NewRedis(client, limiter.Config{Capacity: 100, WindowSeconds: 60})
//	if err := l.Init(ctx); err != nil {
//		// redis unreachable
//	}
//	allowed, err := l.IsAllowed(ctx, userID)
//
// Bucket state lives in Redis as a hash under "rate:<identity>" with the fields
// "tokens" and "last_refill" (ms). Each check runs one Lua script via EVALSHA,
// so the read, refill and write happen atomically no matter how many processes
// share the same Redis. Init loads the script once with SCRIPT LOAD; calling
// IsAllowed earlier fails with ErrNotInitialized.
//
// The package takes no position on store failures. IsAllowed returns an error
// wrapping ErrStoreUnavailable and the integrating layer applies a
// FailurePolicy of its choosing.
package limiter
