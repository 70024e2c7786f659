package main

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/api"
	"github.com/micro-nova/zonecast/internal/config"
	"github.com/micro-nova/zonecast/internal/group"
	"github.com/micro-nova/zonecast/internal/models"
)

// configAdapter satisfies api.ConfigPort over a config.Store, and keeps
// the in-memory group tracker consistent with whatever group layout a
// config write describes. New zones named in a write take effect only
// after restart: wiring a zone's Player and output binding happens once
// at startup, the same way the teacher's hardware profile is fixed for
// a process's lifetime.
type configAdapter struct {
	store   config.Store
	zones   *zoneRegistry
	tracker *group.Tracker
	log     zerolog.Logger
}

func newConfigAdapter(store config.Store, zones *zoneRegistry, tracker *group.Tracker, log zerolog.Logger) *configAdapter {
	return &configAdapter{store: store, zones: zones, tracker: tracker, log: log.With().Str("component", "config_adapter").Logger()}
}

// GetConfig satisfies api.ConfigPort.
func (a *configAdapter) GetConfig() (any, error) {
	return a.store.Load()
}

// SetConfig satisfies api.ConfigPort.
func (a *configAdapter) SetConfig(raw json.RawMessage) error {
	var cfg models.SystemConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := a.store.Save(&cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	for _, z := range cfg.Zones {
		if _, ok := a.zones.ZonePlayer(z.ID); !ok {
			a.log.Warn().Int("zone_id", z.ID).Msg("new zone in config takes effect after restart")
		}
	}

	for _, g := range cfg.Groups {
		g.Normalize()
		if err := g.Validate(); err != nil {
			a.log.Warn().Err(err).Int("leader", g.Leader).Msg("dropping invalid group from config")
			continue
		}
		if _, err := a.tracker.Upsert(g); err != nil {
			a.log.Warn().Err(err).Int("leader", g.Leader).Msg("group upsert failed")
		}
	}
	return nil
}

// slavePlayerLister satisfies api.SlavePlayerLister against the slave
// subprocess's status API.
type slavePlayerLister struct {
	statusAddr string
}

func (s slavePlayerLister) ListSlavePlayers() ([]api.SlavePlayer, error) {
	if s.statusAddr == "" {
		return nil, nil
	}
	players, err := discoverSlavePlayers(s.statusAddr)
	if err != nil {
		return nil, err
	}
	out := make([]api.SlavePlayer, 0, len(players))
	for _, p := range players {
		out = append(out, api.SlavePlayer{ID: p.ID, Name: p.Name})
	}
	return out, nil
}
