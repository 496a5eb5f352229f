package ja3

import "context"

type contextKey struct{}

// WithHash attaches a JA3 hash (captured from the raw ClientHello by
// the TLS listener, before the handshake completes) to ctx, so HTTP
// handlers downstream of net/http can recover it via FromContext.
func WithHash(ctx context.Context, hash string) context.Context {
	return context.WithValue(ctx, contextKey{}, hash)
}

// FromContext returns the JA3 hash stashed by WithHash, or "" if none.
func FromContext(ctx context.Context) string {
	v, _ := ctx.Value(contextKey{}).(string)
	return v
}
