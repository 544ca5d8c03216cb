// Package grpcmw adapts limiters to gRPC server interceptors.
//
//	unary, err := grpcmw.UnaryServerInterceptor(l, grpcmw.KeyByPeer, limiter.FailOpen)
//	server := grpc.NewServer(grpc.ChainUnaryInterceptor(unary))
//
// Denied calls fail with codes.ResourceExhausted.
package grpcmw

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/toolink/ratelimit/limiter"
)

// Checker is the admission check an interceptor calls, normally a *limiter.Limiter.
type Checker interface {
	IsAllowed(ctx context.Context, identity string) (bool, error)
}

type options struct {
	excluded map[string]bool
}

// Option configures an interceptor.
type Option func(*options)

// WithExcludedMethods never limits the given full method names
// (e.g. "/grpc.health.v1.Health/Check").
func WithExcludedMethods(methods ...string) Option {
	return func(o *options) {
		for _, m := range methods {
			o.excluded[m] = true
		}
	}
}

type guard struct {
	checker Checker
	key     KeyFunc
	policy  limiter.FailurePolicy
	options
}

func newGuard(c Checker, key KeyFunc, policy limiter.FailurePolicy, opts []Option) (*guard, error) {
	if c == nil || key == nil {
		return nil, fmt.Errorf("%w: grpcmw: checker and key func are required", limiter.ErrInvalidConfig)
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	g := &guard{checker: c, key: key, policy: policy, options: options{excluded: make(map[string]bool)}}
	for _, opt := range opts {
		opt(&g.options)
	}
	return g, nil
}

// admit returns nil when the call may proceed.
func (g *guard) admit(ctx context.Context, fullMethod string) error {
	if g.excluded[fullMethod] {
		return nil
	}

	allowed, err := g.checker.IsAllowed(ctx, g.key(ctx, fullMethod))
	if err != nil {
		log.Error().Err(err).Str("method", fullMethod).Stringer("policy", g.policy).Msg("rate limiter unavailable")
		allowed = g.policy.Resolve(allowed, err)
	}
	if !allowed {
		return status.Errorf(codes.ResourceExhausted, "rate limit exceeded for %s", fullMethod)
	}
	return nil
}

// UnaryServerInterceptor limits unary calls.
func UnaryServerInterceptor(c Checker, key KeyFunc, policy limiter.FailurePolicy, opts ...Option) (grpc.UnaryServerInterceptor, error) {
	g, err := newGuard(c, key, policy, opts)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := g.admit(ctx, info.FullMethod); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}, nil
}

// StreamServerInterceptor limits stream creation. Messages on an admitted
// stream are not counted.
func StreamServerInterceptor(c Checker, key KeyFunc, policy limiter.FailurePolicy, opts ...Option) (grpc.StreamServerInterceptor, error) {
	g, err := newGuard(c, key, policy, opts)
	if err != nil {
		return nil, err
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := g.admit(ss.Context(), info.FullMethod); err != nil {
			return err
		}
		return handler(srv, ss)
	}, nil
}
