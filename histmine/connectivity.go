package histmine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/hazyhaar/sillage/connectivity"
	"github.com/hazyhaar/sillage/store"
)

// RegisterConnectivity registers histmine service handlers on a
// connectivity Router.
//
// Registered services:
//
//	histmine_run          — run one mining batch for an owner
//	histmine_status       — last run report and source list
//	histmine_settings_get — read per-owner miner settings
//	histmine_settings_set — update per-owner miner settings
func (m *Miner) RegisterConnectivity(router *connectivity.Router) {
	router.RegisterLocal("histmine_run", m.handleRun)
	router.RegisterLocal("histmine_status", m.handleStatus)
	router.RegisterLocal("histmine_settings_get", m.handleSettingsGet)
	router.RegisterLocal("histmine_settings_set", m.handleSettingsSet)
}

func (m *Miner) handleRun(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	var stop atomic.Bool
	report, err := m.Mine(ctx, req.OwnerID, &stop)
	if err != nil {
		return nil, err
	}
	return json.Marshal(report)
}

func (m *Miner) handleStatus(_ context.Context, _ []byte) ([]byte, error) {
	return json.Marshal(map[string]any{
		"sources":  m.Sources(),
		"last_run": m.LastReport(),
	})
}

func (m *Miner) handleSettingsGet(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	settings, err := m.store.GetSettings(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(settings)
}

func (m *Miner) handleSettingsSet(ctx context.Context, payload []byte) ([]byte, error) {
	var req store.MinerSettings
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if req.OwnerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}
	if err := m.store.UpsertSettings(ctx, &req); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"ok": true})
}
