// Package outputs holds the per-protocol ZoneOutput driver implementations
// (DLNA, Sonos, AirPlay, Chromecast, LAN sync, slave player) and the
// registry that binds a zone id to whichever driver currently owns it.
package outputs

import (
	"context"
	"fmt"
	"sync"

	"github.com/micro-nova/zonecast/internal/models"
)

// Registry binds zone ids to the ZoneOutput driver instance currently
// responsible for rendering that zone, and caches each zone's
// last-known volume so group volume algorithms have something to read
// without round-tripping to the driver.
type Registry struct {
	mu      sync.RWMutex
	outputs map[int]models.ZoneOutput
	volumes map[int]float64
}

// NewRegistry creates an empty output registry.
func NewRegistry() *Registry {
	return &Registry{
		outputs: make(map[int]models.ZoneOutput),
		volumes: make(map[int]float64),
	}
}

// Register binds zoneID to out, replacing any previous driver for that
// zone. The caller is responsible for disposing the previous driver.
func (r *Registry) Register(zoneID int, out models.ZoneOutput) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs[zoneID] = out
}

// Unregister removes a zone's driver binding.
func (r *Registry) Unregister(zoneID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.outputs, zoneID)
	delete(r.volumes, zoneID)
}

// Output returns the driver currently bound to zoneID.
func (r *Registry) Output(zoneID int) (models.ZoneOutput, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out, ok := r.outputs[zoneID]
	return out, ok
}

// PreferredOutput satisfies audio.OutputCapabilities: it asks the bound
// driver what profile/sample-rate/channels it wants the engine to
// produce.
func (r *Registry) PreferredOutput(zoneID int) (models.PreferredOutput, bool) {
	out, ok := r.Output(zoneID)
	if !ok {
		return models.PreferredOutput{}, false
	}
	return out.GetPreferredOutput(), true
}

// Protocol satisfies group.ProtocolLookup: the driver family bound to a
// zone, used to detect heterogeneous ("mixed") groups.
func (r *Registry) Protocol(zoneID int) (string, bool) {
	out, ok := r.Output(zoneID)
	if !ok {
		return "", false
	}
	return out.Protocol(), true
}

// GetVolume satisfies group.VolumeController's read half, returning the
// last value SetVolume observed for zoneID.
func (r *Registry) GetVolume(zoneID int) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.volumes[zoneID]
	return v, ok
}

// SetVolume satisfies group.VolumeController's write half: it forwards to
// the bound driver and caches the result for subsequent GetVolume calls.
func (r *Registry) SetVolume(ctx context.Context, zoneID int, percent float64) error {
	out, ok := r.Output(zoneID)
	if !ok {
		return fmt.Errorf("outputs: no driver bound to zone %d", zoneID)
	}
	if err := out.SetVolume(ctx, percent); err != nil {
		return err
	}
	r.mu.Lock()
	r.volumes[zoneID] = percent
	r.mu.Unlock()
	return nil
}

// DisposeAll tears down every registered driver, used on server shutdown.
func (r *Registry) DisposeAll(ctx context.Context) {
	r.mu.Lock()
	outs := make([]models.ZoneOutput, 0, len(r.outputs))
	for _, out := range r.outputs {
		outs = append(outs, out)
	}
	r.outputs = make(map[int]models.ZoneOutput)
	r.mu.Unlock()

	for _, out := range outs {
		_ = out.Dispose(ctx)
	}
}
