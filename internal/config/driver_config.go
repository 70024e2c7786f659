package config

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// DriverConfig holds the static tuning knobs for discovery and output
// drivers, kept separate from the dynamic, debounced zone/group JSON state.
type DriverConfig struct {
	SSDP struct {
		RetryCount  int `yaml:"retry_count"`
		SearchMx    int `yaml:"search_mx"`
	} `yaml:"ssdp"`
	AirPlay struct {
		PortBase int `yaml:"port_base"`
	} `yaml:"airplay"`
	Gateway struct {
		PrebufferBytes int `yaml:"prebuffer_bytes"`
		IcyInterval    int `yaml:"icy_interval"`
	} `yaml:"gateway"`
	LANSync struct {
		WebsocketPort int `yaml:"websocket_port"`
	} `yaml:"lan_sync"`
}

// DefaultDriverConfig returns the baked-in defaults used when no YAML file
// is present.
func DefaultDriverConfig() DriverConfig {
	var c DriverConfig
	c.SSDP.RetryCount = 3
	c.SSDP.SearchMx = 3
	c.AirPlay.PortBase = 5000
	c.Gateway.PrebufferBytes = 256 * 1024
	c.Gateway.IcyInterval = 16000
	c.LANSync.WebsocketPort = 7979
	return c
}

// DriverConfigWatcher loads a DriverConfig from a YAML file and watches it
// with fsnotify for hot-reload.
type DriverConfigWatcher struct {
	path    string
	current atomic.Pointer[DriverConfig]
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	onLoad  []func(DriverConfig)
}

// NewDriverConfigWatcher loads path once synchronously and begins
// watching it for changes. If path does not exist, defaults are used and
// no watch is installed.
func NewDriverConfigWatcher(path string) (*DriverConfigWatcher, error) {
	w := &DriverConfigWatcher{path: path}
	cfg, err := loadDriverConfig(path)
	if err != nil {
		return nil, err
	}
	w.current.Store(&cfg)

	if _, err := os.Stat(path); err != nil {
		return w, nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw
	go w.watch()
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *DriverConfigWatcher) Current() DriverConfig {
	return *w.current.Load()
}

// OnReload registers a callback invoked after every successful reload.
func (w *DriverConfigWatcher) OnReload(fn func(DriverConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLoad = append(w.onLoad, fn)
}

// Close stops the underlying filesystem watch.
func (w *DriverConfigWatcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}

func (w *DriverConfigWatcher) watch() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := loadDriverConfig(w.path)
			if err != nil {
				log.Warn().Str("path", w.path).Err(err).Msg("config: reload failed, keeping previous driver config")
				continue
			}
			w.current.Store(&cfg)
			log.Info().Str("path", w.path).Msg("config: driver config reloaded")
			w.mu.Lock()
			cbs := append([]func(DriverConfig){}, w.onLoad...)
			w.mu.Unlock()
			for _, cb := range cbs {
				cb(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config: driver config watch error")
		}
	}
}

func loadDriverConfig(path string) (DriverConfig, error) {
	def := DefaultDriverConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return def, nil
		}
		return def, err
	}
	cfg := DefaultDriverConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return def, err
	}
	return cfg, nil
}
