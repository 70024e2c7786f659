package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog/log"

	"github.com/micro-nova/zonecast/internal/models"
)

const (
	configFileName = "zones.json"
	debounceDelay  = 500 * time.Millisecond
)

// JSONStore is an atomic JSON file store with debounced writes, using
// renameio for the temp-write-then-rename instead of hand-rolled
// os.WriteFile+os.Rename.
type JSONStore struct {
	mu      sync.Mutex
	path    string
	timer   *time.Timer
	pending *models.SystemConfig
}

// NewJSONStore creates a new JSON store in the given config directory.
func NewJSONStore(configDir string) *JSONStore {
	return &JSONStore{
		path: filepath.Join(configDir, configFileName),
	}
}

// Path returns the file path used by this store.
func (s *JSONStore) Path() string { return s.path }

// Load reads the configuration from disk. Returns DefaultSystemConfig on
// ENOENT or parse errors.
func (s *JSONStore) Load() (*models.SystemConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			def := models.DefaultSystemConfig()
			return &def, nil
		}
		return nil, err
	}

	var cfg models.SystemConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		log.Warn().Str("path", s.path).Err(err).Msg("config: corrupt JSON config, using defaults")
		def := models.DefaultSystemConfig()
		return &def, nil
	}

	return &cfg, nil
}

// Save schedules a debounced write of the configuration to disk. The
// actual write happens after debounceDelay of no further Save calls.
func (s *JSONStore) Save(cfg *models.SystemConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *cfg
	s.pending = &cp

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if pending != nil {
			if err := s.writeAtomic(pending); err != nil {
				log.Error().Str("path", s.path).Err(err).Msg("config: failed to write configuration")
			}
		}
	})
	return nil
}

// Flush forces an immediate write of any pending configuration.
func (s *JSONStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		return nil
	}
	return s.writeAtomic(pending)
}

func (s *JSONStore) writeAtomic(cfg *models.SystemConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}

	return renameio.WriteFile(s.path, data, 0644)
}
