package grpcmw

import (
	"context"
	"net"

	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// KeyFunc extracts the rate limit identity of a call.
type KeyFunc func(ctx context.Context, fullMethod string) string

// KeyByPeer uses the host of the remote peer address.
func KeyByPeer(ctx context.Context, _ string) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// KeyByMetadata uses the first value of the named incoming metadata key.
func KeyByMetadata(name string) KeyFunc {
	return func(ctx context.Context, _ string) string {
		if vals := metadata.ValueFromIncomingContext(ctx, name); len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
}

// KeyByMethod scopes key per method, giving every RPC its own budget.
func KeyByMethod(key KeyFunc) KeyFunc {
	return func(ctx context.Context, fullMethod string) string {
		return fullMethod + "|" + key(ctx, fullMethod)
	}
}
