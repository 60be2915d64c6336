package histmine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/sillage/kit"
	"github.com/hazyhaar/sillage/store"
)

// RegisterMCP registers all histmine tools on an MCP server.
func (m *Miner) RegisterMCP(srv *mcp.Server) {
	m.registerRun(srv)
	m.registerStatus(srv)
	m.registerGetSettings(srv)
	m.registerSetSettings(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (m *Miner) registerRun(srv *mcp.Server) {
	type req struct {
		OwnerID string `json:"owner_id"`
	}

	tool := &mcp.Tool{
		Name:        "histmine_run",
		Description: "Mine new browsing history entries for an owner and process them through extraction and dedup",
		InputSchema: inputSchema(map[string]any{
			"owner_id": map[string]any{"type": "string", "description": "Owner ID"},
		}, []string{"owner_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.OwnerID == "" {
			p.OwnerID = kit.GetOwnerID(ctx)
		}
		if p.OwnerID == "" {
			return nil, fmt.Errorf("owner_id is required")
		}
		var stop atomic.Bool
		return m.Mine(ctx, p.OwnerID, &stop)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (m *Miner) registerStatus(srv *mcp.Server) {
	type req struct{}

	tool := &mcp.Tool{
		Name:        "histmine_status",
		Description: "Show configured history sources and the last mining run report",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{
			"sources":  m.Sources(),
			"last_run": m.LastReport(),
		}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &req{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (m *Miner) registerGetSettings(srv *mcp.Server) {
	type req struct {
		OwnerID string `json:"owner_id"`
	}

	tool := &mcp.Tool{
		Name:        "histmine_get_settings",
		Description: "Read per-owner miner settings (blacklist, sync window, row limit)",
		InputSchema: inputSchema(map[string]any{
			"owner_id": map[string]any{"type": "string", "description": "Owner ID"},
		}, []string{"owner_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*req)
		if p.OwnerID == "" {
			p.OwnerID = kit.GetOwnerID(ctx)
		}
		return m.store.GetSettings(ctx, p.OwnerID)
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p req
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

func (m *Miner) registerSetSettings(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "histmine_set_settings",
		Description: "Update per-owner miner settings: blacklist patterns, one-shot sync-from time, per-source row limit",
		InputSchema: inputSchema(map[string]any{
			"owner_id":     map[string]any{"type": "string", "description": "Owner ID"},
			"blacklist":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "URL substrings to drop"},
			"sync_from_ms": map[string]any{"type": "integer", "description": "One-shot: mine from this unix-ms time instead of checkpoints"},
			"max_items":    map[string]any{"type": "integer", "description": "Per-source row limit"},
		}, []string{"owner_id"}),
	}

	endpoint := func(ctx context.Context, r any) (any, error) {
		p := r.(*store.MinerSettings)
		if p.OwnerID == "" {
			p.OwnerID = kit.GetOwnerID(ctx)
		}
		if p.OwnerID == "" {
			return nil, fmt.Errorf("owner_id is required")
		}
		if err := m.store.UpsertSettings(ctx, p); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	}

	decode := func(r *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var p store.MinerSettings
		if err := json.Unmarshal(r.Params.Arguments, &p); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &p}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
