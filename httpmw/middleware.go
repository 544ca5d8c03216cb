// Package httpmw adapts limiters to net/http middleware.
//
// Denied requests get a 429 with a small JSON body. When the store cannot
// answer, the FailurePolicy given at construction decides; there is no default.
package httpmw

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/toolink/ratelimit/limiter"
	"github.com/toolink/ratelimit/rules"
)

// Checker is the admission check a middleware calls, normally a *limiter.Limiter.
type Checker interface {
	IsAllowed(ctx context.Context, identity string) (bool, error)
}

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

type options struct {
	denied http.Handler
	skip   func(r *http.Request) bool
}

// Option configures a middleware.
type Option func(*options)

// WithDeniedHandler replaces the default 429 response.
func WithDeniedHandler(h http.Handler) Option {
	return func(o *options) {
		if h != nil {
			o.denied = h
		}
	}
}

// WithSkipper exempts requests for which skip returns true (health checks, metrics).
func WithSkipper(skip func(r *http.Request) bool) Option {
	return func(o *options) {
		o.skip = skip
	}
}

// Limit limits every request by the identity key returns.
func Limit(c Checker, key KeyFunc, policy limiter.FailurePolicy, opts ...Option) (Middleware, error) {
	if c == nil || key == nil {
		return nil, fmt.Errorf("%w: httpmw: checker and key func are required", limiter.ErrInvalidConfig)
	}
	return build(policy, opts, func(r *http.Request) (bool, error) {
		return c.IsAllowed(r.Context(), key(r))
	})
}

// Rules limits requests with a rules engine, resolving identities with extract
// (DefaultExtractor when nil).
func Rules(e *rules.Engine, extract Extractor, policy limiter.FailurePolicy, opts ...Option) (Middleware, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: httpmw: rules engine is required", limiter.ErrInvalidConfig)
	}
	if extract == nil {
		extract = DefaultExtractor
	}
	return build(policy, opts, func(r *http.Request) (bool, error) {
		return e.Allow(r.Context(), r.URL.Path, func(limitBy string) string {
			return extract(r, limitBy)
		})
	})
}

func build(policy limiter.FailurePolicy, opts []Option, check func(r *http.Request) (bool, error)) (Middleware, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	o := options{denied: http.HandlerFunc(tooManyRequests)}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.skip != nil && o.skip(r) {
				next.ServeHTTP(w, r)
				return
			}

			allowed, err := check(r)
			if err != nil {
				log.Error().Err(err).Str("path", r.URL.Path).Stringer("policy", policy).Msg("rate limiter unavailable")
				allowed = policy.Resolve(allowed, err)
			}
			if !allowed {
				o.denied.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

func tooManyRequests(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Too Many Requests"})
}
