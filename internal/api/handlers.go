package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/micro-nova/zonecast/internal/models"
)

func (h *Handlers) getAudioDevices(w http.ResponseWriter, r *http.Request) {
	if h.devices == nil {
		writeError(w, models.ErrNotFound("audio device listing not available"))
		return
	}
	writeJSON(w, http.StatusOK, h.devices.ListAudioDevices())
}

func (h *Handlers) getSlavePlayers(w http.ResponseWriter, r *http.Request) {
	if h.players == nil {
		writeError(w, models.ErrNotFound("slave player listing not available"))
		return
	}
	players, err := h.players.ListSlavePlayers()
	if err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, players)
}

func (h *Handlers) getZoneOutput(w http.ResponseWriter, r *http.Request) {
	if h.outputs == nil {
		writeError(w, models.ErrNotFound("zone output control not available"))
		return
	}
	zid, err := intParam(r, "zid")
	if err != nil {
		writeError(w, err)
		return
	}
	binding, ok := h.outputs.GetZoneOutput(zid)
	if !ok {
		writeError(w, models.ErrNotFound("zone has no output bound"))
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (h *Handlers) setZoneOutput(w http.ResponseWriter, r *http.Request) {
	if h.outputs == nil {
		writeError(w, models.ErrNotFound("zone output control not available"))
		return
	}
	zid, err := intParam(r, "zid")
	if err != nil {
		writeError(w, err)
		return
	}
	var binding ZoneOutputBinding
	if err := json.NewDecoder(r.Body).Decode(&binding); err != nil {
		writeError(w, models.ErrBadRequest("invalid request body"))
		return
	}
	if err := h.outputs.SetZoneOutput(zid, binding); err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

func (h *Handlers) deleteZoneOutput(w http.ResponseWriter, r *http.Request) {
	if h.outputs == nil {
		writeError(w, models.ErrNotFound("zone output control not available"))
		return
	}
	zid, err := intParam(r, "zid")
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.outputs.DeleteZoneOutput(zid); err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) powerStatus(w http.ResponseWriter, r *http.Request) {
	if h.power == nil {
		writeError(w, models.ErrNotFound("power manager not available"))
		return
	}
	status, err := h.power.PowerStatus()
	if err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handlers) powerPorts(w http.ResponseWriter, r *http.Request) {
	if h.power == nil {
		writeError(w, models.ErrNotFound("power manager not available"))
		return
	}
	ports, err := h.power.PowerPorts()
	if err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (h *Handlers) powerPort(w http.ResponseWriter, r *http.Request) {
	if h.power == nil {
		writeError(w, models.ErrNotFound("power manager not available"))
		return
	}
	name := chi.URLParam(r, "name")
	info, err := h.power.PowerPort(name)
	if err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) powerTest(w http.ResponseWriter, r *http.Request) {
	if h.power == nil {
		writeError(w, models.ErrNotFound("power manager not available"))
		return
	}
	result, err := h.power.PowerTest()
	if err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handlers) powerOn(w http.ResponseWriter, r *http.Request) {
	if h.power == nil {
		writeError(w, models.ErrNotFound("power manager not available"))
		return
	}
	if err := h.power.PowerOn(); err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) powerOff(w http.ResponseWriter, r *http.Request) {
	if h.power == nil {
		writeError(w, models.ErrNotFound("power manager not available"))
		return
	}
	if err := h.power.PowerOff(); err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	if h.config == nil {
		writeError(w, models.ErrNotFound("config port not available"))
		return
	}
	cfg, err := h.config.GetConfig()
	if err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handlers) setConfig(w http.ResponseWriter, r *http.Request) {
	if h.config == nil {
		writeError(w, models.ErrNotFound("config port not available"))
		return
	}
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, models.ErrBadRequest("unreadable request body"))
		return
	}
	if err := h.config.SetConfig(raw); err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) getTransports(w http.ResponseWriter, r *http.Request) {
	if h.transports == nil {
		writeError(w, models.ErrNotFound("transport listing not available"))
		return
	}
	writeJSON(w, http.StatusOK, h.transports.ListTransports())
}

// runCommand dispatches "audio/<zoneId>/<cmd>/<args...>" onto Commander.
// The wire format of args is intentionally not part of this project's
// core; Commander implementations interpret the path segments.
func (h *Handlers) runCommand(w http.ResponseWriter, r *http.Request) {
	if h.commands == nil {
		writeError(w, models.ErrNotFound("command dispatch not available"))
		return
	}
	zid, err := intParam(r, "zid")
	if err != nil {
		writeError(w, err)
		return
	}
	cmd := chi.URLParam(r, "cmd")
	var args []string
	if rest := chi.URLParam(r, "*"); rest != "" {
		args = strings.Split(rest, "/")
	}
	if err := h.commands.RunCommand(zid, cmd, args); err != nil {
		writeError(w, models.ErrInternal(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
