package config

import (
	"sync"

	"github.com/micro-nova/zonecast/internal/models"
)

// MemStore is an in-memory Store for tests that never writes to disk.
type MemStore struct {
	mu  sync.Mutex
	cfg *models.SystemConfig
}

// NewMemStore returns a new in-memory store with nil config (defaults to
// DefaultSystemConfig on Load).
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load returns a copy of the stored configuration, or DefaultSystemConfig
// if none has been saved yet.
func (m *MemStore) Load() (*models.SystemConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg == nil {
		def := models.DefaultSystemConfig()
		return &def, nil
	}
	cp := deepCopyConfig(m.cfg)
	return &cp, nil
}

// Save stores a deep copy of the given configuration in memory.
func (m *MemStore) Save(cfg *models.SystemConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := deepCopyConfig(cfg)
	m.cfg = &cp
	return nil
}

// Path returns ":memory:" to indicate this is an in-memory store.
func (m *MemStore) Path() string { return ":memory:" }

// Flush is a no-op for in-memory stores.
func (m *MemStore) Flush() error { return nil }

func deepCopyConfig(cfg *models.SystemConfig) models.SystemConfig {
	cp := *cfg
	cp.Zones = append([]models.ZoneConfig(nil), cfg.Zones...)
	cp.Groups = make([]models.GroupRecord, len(cfg.Groups))
	for i, g := range cfg.Groups {
		g.Members = append([]int(nil), g.Members...)
		cp.Groups[i] = g
	}
	return cp
}

// Ensure MemStore implements config.Store
var _ Store = (*MemStore)(nil)
