package limiter

import (
	"context"
	_ "embed" // needed for go:embed
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

//go:embed token_bucket.lua
var tokenBucketScript string // embed the lua script content

// redisStore implements the Store interface using a Lua script executed by Redis.
type redisStore struct {
	client redis.Scripter // Client, ClusterClient, Ring and pipelines all satisfy it
	sha    atomic.Pointer[string]
}

// NewRedisStore creates a new Redis-backed store.
// It expects a pre-configured client (e.g., redis.Client or redis.ClusterClient)
// and performs no network I/O until Load is called.
func NewRedisStore(client redis.Scripter) Store {
	return &redisStore{client: client}
}

// Load sends the script to Redis with SCRIPT LOAD and keeps its SHA1 so that
// Admit can use EVALSHA.
func (s *redisStore) Load(ctx context.Context) error {
	sha, err := s.client.ScriptLoad(ctx, tokenBucketScript).Result()
	if err != nil {
		log.Error().Err(err).Msg("failed to load token bucket script")
		return fmt.Errorf("%w: script load: %w", ErrStoreUnavailable, err)
	}
	s.sha.Store(&sha)
	log.Debug().Str("sha", sha).Msg("token bucket script loaded")
	return nil
}

// Admit implements the Store interface for Redis storage.
func (s *redisStore) Admit(ctx context.Context, key string, req AdmitRequest) (bool, error) {
	sha := s.sha.Load()
	if sha == nil {
		return false, ErrNotInitialized
	}

	keys := []string{key}
	args := []any{
		req.Capacity,           // ARGV[1]: max tokens
		req.WindowSeconds,      // ARGV[2]: refill window (seconds)
		req.NowMillis,          // ARGV[3]: current timestamp (ms)
		req.TTL.Milliseconds(), // ARGV[4]: key ttl (ms)
	}

	result, err := s.client.EvalSha(ctx, *sha, keys, args...).Result()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		// script cache was flushed (restart, SCRIPT FLUSH, failover), reload once
		log.Warn().Str("key", key).Msg("token bucket script missing from redis, reloading")
		if lerr := s.Load(ctx); lerr != nil {
			return false, lerr
		}
		result, err = s.client.EvalSha(ctx, *s.sha.Load(), keys, args...).Result()
	}
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("redis lua script execution failed")
		return false, fmt.Errorf("%w: key %s: %w", ErrStoreUnavailable, key, err)
	}

	// The script returns 1 if allowed, 0 if denied.
	allowedInt, ok := result.(int64)
	if !ok || (allowedInt != 0 && allowedInt != 1) {
		log.Error().Str("key", key).Interface("result", result).Msg("redis lua script returned unexpected reply")
		return false, fmt.Errorf("%w: key %s: %T(%v)", ErrUnexpectedReply, key, result, result)
	}

	return allowedInt == 1, nil
}
