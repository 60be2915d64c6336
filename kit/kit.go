// Package kit holds the small cross-transport plumbing shared by the
// service packages: the Endpoint shape, context accessors, and the MCP
// tool adapter.
package kit

import "context"

// Endpoint is the transport-agnostic handler shape. Connectivity (HTTP)
// and MCP both decode into a typed request and call an Endpoint.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(next Endpoint) Endpoint

type contextKey string

const (
	ownerIDKey    contextKey = "kit_owner_id"
	requestIDKey  contextKey = "kit_request_id"
	transportKey  contextKey = "kit_transport" // "http", "mcp", "mcp_quic"
	sessionIDKey  contextKey = "kit_session_id"
	remoteAddrKey contextKey = "kit_remote_addr"
)

// WithOwnerID stores the owning account ID on the context.
func WithOwnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerIDKey, id)
}

// GetOwnerID returns the owning account ID or "".
func GetOwnerID(ctx context.Context) string {
	v, _ := ctx.Value(ownerIDKey).(string)
	return v
}

// WithRequestID stores a request ID on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID returns the request ID or "".
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// WithTransport records which transport delivered the request.
func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, transportKey, t)
}

// GetTransport returns the delivering transport, defaulting to "http".
func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(transportKey).(string); ok {
		return v
	}
	return "http"
}

// WithSessionID stores the transport session ID on the context.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// GetSessionID returns the transport session ID or "".
func GetSessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// WithRemoteAddr stores the peer address on the context.
func WithRemoteAddr(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, remoteAddrKey, addr)
}

// GetRemoteAddr returns the peer address or "".
func GetRemoteAddr(ctx context.Context) string {
	v, _ := ctx.Value(remoteAddrKey).(string)
	return v
}
