package kit

import (
	"context"
	"testing"
)

func TestOwnerIDRoundTrip(t *testing.T) {
	// WHAT: WithOwnerID/GetOwnerID round-trip through the context.
	ctx := WithOwnerID(context.Background(), "owner-1")
	if got := GetOwnerID(ctx); got != "owner-1" {
		t.Errorf("got %q, want owner-1", got)
	}
	if got := GetOwnerID(context.Background()); got != "" {
		t.Errorf("empty context returned %q", got)
	}
}

func TestTransportDefaultsToHTTP(t *testing.T) {
	// WHAT: GetTransport falls back to "http" when unset.
	// WHY: HTTP is the primary transport; MCP marks itself explicitly.
	if got := GetTransport(context.Background()); got != "http" {
		t.Errorf("got %q, want http", got)
	}
	ctx := WithTransport(context.Background(), "mcp")
	if got := GetTransport(ctx); got != "mcp" {
		t.Errorf("got %q, want mcp", got)
	}
}

func TestMiddlewareComposition(t *testing.T) {
	// WHAT: Middleware wraps an Endpoint without changing its shape.
	var order []string
	ep := Endpoint(func(ctx context.Context, req any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	})
	mw := Middleware(func(next Endpoint) Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			order = append(order, "mw")
			return next(ctx, req)
		}
	})
	out, err := mw(ep)(context.Background(), nil)
	if err != nil || out != "ok" {
		t.Fatalf("got %v, %v", out, err)
	}
	if len(order) != 2 || order[0] != "mw" || order[1] != "endpoint" {
		t.Errorf("call order %v", order)
	}
}
