package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/api"
	"github.com/micro-nova/zonecast/internal/config"
	"github.com/micro-nova/zonecast/internal/models"
	"github.com/micro-nova/zonecast/internal/outputs"
	"github.com/micro-nova/zonecast/internal/outputs/airplay"
	"github.com/micro-nova/zonecast/internal/outputs/chromecast"
	"github.com/micro-nova/zonecast/internal/outputs/dlna"
	"github.com/micro-nova/zonecast/internal/outputs/lansync"
	"github.com/micro-nova/zonecast/internal/outputs/slave"
	"github.com/micro-nova/zonecast/internal/outputs/sonos"
)

// outputBinder constructs the right driver for a {protocol, target} pair
// on demand and registers it with the shared outputs.Registry, since
// ZoneConfig itself carries no protocol/target field: binding a zone to
// a renderer is an admin-API-time action, not persisted zone config.
type outputBinder struct {
	reg         *outputs.Registry
	waiter      *dlna.RequestWaiter
	driverCfg   func() config.DriverConfig
	gatewayBase string
	log         zerolog.Logger

	mu       sync.Mutex
	bindings map[int]api.ZoneOutputBinding
}

func newOutputBinder(reg *outputs.Registry, waiter *dlna.RequestWaiter, driverCfg func() config.DriverConfig, gatewayBase string, log zerolog.Logger) *outputBinder {
	return &outputBinder{
		reg:         reg,
		waiter:      waiter,
		driverCfg:   driverCfg,
		gatewayBase: gatewayBase,
		log:         log.With().Str("component", "output_binder").Logger(),
		bindings:    make(map[int]api.ZoneOutputBinding),
	}
}

// GetZoneOutput satisfies api.ZoneOutputController.
func (b *outputBinder) GetZoneOutput(zoneID int) (api.ZoneOutputBinding, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bind, ok := b.bindings[zoneID]
	return bind, ok
}

// SetZoneOutput resolves and constructs a driver for binding and swaps it
// into the registry, disposing whatever was previously bound.
func (b *outputBinder) SetZoneOutput(zoneID int, binding api.ZoneOutputBinding) error {
	cfg := b.driverCfg()
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	out, err := b.build(ctx, zoneID, binding, cfg)
	if err != nil {
		return fmt.Errorf("bind zone %d output: %w", zoneID, err)
	}

	if prev, ok := b.reg.Output(zoneID); ok {
		_ = prev.Dispose(ctx)
	}
	b.reg.Register(zoneID, out)

	b.mu.Lock()
	b.bindings[zoneID] = binding
	b.mu.Unlock()
	return nil
}

// DeleteZoneOutput satisfies api.ZoneOutputController.
func (b *outputBinder) DeleteZoneOutput(zoneID int) error {
	ctx, cancel := context.WithTimeout(context.Background(), disposeTimeout)
	defer cancel()
	if prev, ok := b.reg.Output(zoneID); ok {
		_ = prev.Dispose(ctx)
	}
	b.reg.Unregister(zoneID)

	b.mu.Lock()
	delete(b.bindings, zoneID)
	b.mu.Unlock()
	return nil
}

func (b *outputBinder) build(ctx context.Context, zoneID int, binding api.ZoneOutputBinding, cfg config.DriverConfig) (models.ZoneOutput, error) {
	log := b.log.With().Int("zone_id", zoneID).Str("protocol", binding.Protocol).Logger()
	switch strings.ToLower(binding.Protocol) {
	case "dlna":
		device, err := dlna.Discover(ctx, binding.Target, cfg.SSDP.SearchMx, cfg.SSDP.RetryCount)
		if err != nil {
			return nil, err
		}
		return dlna.New(zoneID, device, b.gatewayBase, b.waiter, log), nil

	case "sonos":
		device, udn, gen, err := sonos.Discover(ctx, binding.Target, cfg.SSDP.SearchMx, cfg.SSDP.RetryCount)
		if err != nil {
			return nil, err
		}
		return sonos.New(zoneID, device, udn, gen, b.gatewayBase, b.waiter, log), nil

	case "chromecast":
		return chromecast.New(zoneID, binding.Target, log), nil

	case "lansync":
		return lansync.New(zoneID, binding.Target, log), nil

	case "slave":
		parts := strings.Split(binding.Target, "|")
		if len(parts) != 4 {
			return nil, fmt.Errorf("slave target must be \"binaryPath|playerName|statusAddr|ctrlAddr\", got %q", binding.Target)
		}
		return slave.New(zoneID, parts[0], parts[1], parts[2], parts[3], log), nil

	case "airplay":
		return airplay.New(zoneID, binding.Target, noopMetadataSink{log: log}, log), nil

	default:
		return nil, fmt.Errorf("unknown output protocol %q", binding.Protocol)
	}
}

// noopMetadataSink discards AirPlay receiver-observed now-playing
// updates; nothing downstream currently persists out-of-band metadata
// pushed from a renderer rather than this project's own engine.
type noopMetadataSink struct {
	log zerolog.Logger
}

func (s noopMetadataSink) UpdateMetadata(zoneID int, md models.PlaybackMetadata) {
	s.log.Debug().Int("zone_id", zoneID).Str("title", md.Title).Msg("airplay receiver metadata observed")
}

// discoverSlavePlayers wraps slave.DiscoverPlayers with a bounded context
// for api.SlavePlayerLister.
func discoverSlavePlayers(statusAddr string) ([]slave.Player, error) {
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()
	return slave.DiscoverPlayers(ctx, statusAddr)
}

// staticTransportLister reports the fixed set of protocol families this
// binder knows how to construct, since outputs.Registry exposes no
// enumeration of currently-bound protocols.
type staticTransportLister struct{}

func (staticTransportLister) ListTransports() []string {
	return []string{"dlna", "sonos", "chromecast", "lansync", "slave", "airplay"}
}
