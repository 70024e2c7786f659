// Package config handles loading and persisting the static zone/group
// configuration, separately from the YAML-based driver tuning config
// (see driver_config.go).
package config

import "github.com/micro-nova/zonecast/internal/models"

// Store is the interface for persisting system configuration.
type Store interface {
	// Load loads the current configuration. Returns DefaultSystemConfig if
	// no file exists.
	Load() (*models.SystemConfig, error)

	// Save persists the configuration. Implementations may debounce rapid
	// saves.
	Save(cfg *models.SystemConfig) error

	// Path returns the file path used by this store.
	Path() string

	// Flush forces an immediate write of any pending configuration.
	Flush() error
}
