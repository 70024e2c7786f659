// Package api exposes this project's admin/collaborator HTTP surface:
// audio device and slave-player discovery, per-zone output binding,
// power-manager passthrough, config read/reload, transport listing, and
// a house-automation command endpoint, plus an SSE feed of zone state.
// None of this is core playback logic — every handler is a thin
// translation over a narrow collaborator interface, mirroring how the
// teacher's own /api surface sits beside its Controller.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/micro-nova/zonecast/internal/models"
)

// Handlers holds every collaborator this package's routes call into.
// Each field is independently optional (nil-checked per handler) so a
// deployment can wire only the collaborators it actually has.
type Handlers struct {
	devices   AudioDeviceLister
	players   SlavePlayerLister
	outputs   ZoneOutputController
	power     PowerManager
	config    ConfigPort
	transports TransportLister
	commands  Commander
	events    EventBus
}

// New creates the Handlers bundle the router dispatches to.
func New(devices AudioDeviceLister, players SlavePlayerLister, outputs ZoneOutputController, power PowerManager, config ConfigPort, transports TransportLister, commands Commander, events EventBus) *Handlers {
	return &Handlers{
		devices: devices, players: players, outputs: outputs, power: power,
		config: config, transports: transports, commands: commands, events: events,
	}
}

// AudioDeviceLister enumerates host audio devices the engine could target.
type AudioDeviceLister interface {
	ListAudioDevices() []AudioDevice
}

// AudioDevice describes one host audio device.
type AudioDevice struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SlavePlayerLister enumerates players known to the slave-player
// subprocess. outputs/slave.DiscoverPlayers backs a concrete implementation.
type SlavePlayerLister interface {
	ListSlavePlayers() ([]SlavePlayer, error)
}

// SlavePlayer mirrors outputs/slave.Player for the wire response.
type SlavePlayer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ZoneOutputController reads, (re)binds, and unbinds a zone's output driver.
type ZoneOutputController interface {
	GetZoneOutput(zoneID int) (ZoneOutputBinding, bool)
	SetZoneOutput(zoneID int, binding ZoneOutputBinding) error
	DeleteZoneOutput(zoneID int) error
}

// ZoneOutputBinding describes which driver protocol and target a zone is
// bound to.
type ZoneOutputBinding struct {
	Protocol string `json:"protocol"`
	Target   string `json:"target"`
}

// PowerManager passes through amplifier/power-rail control, a
// collaborator endpoint per this project's interface-only treatment of
// admin surfaces.
type PowerManager interface {
	PowerStatus() (map[string]any, error)
	PowerPorts() ([]string, error)
	PowerPort(name string) (map[string]any, error)
	PowerTest() (map[string]any, error)
	PowerOn() error
	PowerOff() error
}

// ConfigPort reads and replaces the live system (zone/group) configuration.
type ConfigPort interface {
	GetConfig() (any, error)
	SetConfig(raw json.RawMessage) error
}

// TransportLister enumerates the output-driver protocol families a zone
// can be bound to.
type TransportLister interface {
	ListTransports() []string
}

// Commander dispatches a house-automation style command
// ("audio/<zoneId>/<cmd>/...") onto ZonePlayer/GroupManager. The wire
// format of args is deliberately opaque here; Commander implementations
// parse it themselves.
type Commander interface {
	RunCommand(zoneID int, cmd string, args []string) error
}

// EventBus is the zone-state feed the SSE endpoint streams.
type EventBus interface {
	Subscribe(id string) <-chan any
	Unsubscribe(id string)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	if appErr, ok := err.(*models.AppError); ok {
		w.WriteHeader(appErr.Status)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(models.ErrInternal(err.Error()))
}

func intParam(r *http.Request, name string) (int, error) {
	s := chi.URLParam(r, name)
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, models.ErrBadRequest("invalid " + name + " parameter")
	}
	return n, nil
}
