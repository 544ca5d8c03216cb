package limiter

import (
	"context"
	"time"
)

// Store runs the token bucket admission procedure against shared bucket state.
type Store interface {
	// Load registers the admission procedure with the backend so that later
	// Admit calls avoid re-sending it. It must be safe to call more than once.
	Load(ctx context.Context) error

	// Admit atomically refills the bucket stored under key, consumes one token
	// if at least one is available and persists the result.
	// Returns true if the request is admitted, false otherwise.
	Admit(ctx context.Context, key string, req AdmitRequest) (bool, error)
}

// AdmitRequest carries every input the admission procedure needs. Nothing about
// the limiter's configuration is kept in the store itself.
type AdmitRequest struct {
	Capacity      float64       // max tokens (burst)
	WindowSeconds float64       // time to regenerate Capacity tokens
	NowMillis     int64         // caller clock, ms since epoch
	TTL           time.Duration // key expiry, <= 0 disables it
}

// bucketState is the persisted state of one bucket.
type bucketState struct {
	Tokens     float64 // current number of tokens
	LastRefill int64   // ms timestamp of the last recompute
}

// admit applies the elapsed-time refill and the admission decision to st.
// Regressed clocks refill nothing and never move LastRefill backwards.
func (st bucketState) admit(req AdmitRequest) (bucketState, bool) {
	elapsed := float64(req.NowMillis-st.LastRefill) / 1000
	if elapsed < 0 {
		elapsed = 0
	}

	tokens := st.Tokens + elapsed*(req.Capacity/req.WindowSeconds)
	tokens = min(tokens, req.Capacity)
	tokens = max(tokens, 0)

	last := max(st.LastRefill, req.NowMillis)

	if tokens < 1 {
		return bucketState{Tokens: tokens, LastRefill: last}, false
	}
	return bucketState{Tokens: tokens - 1, LastRefill: last}, true
}
