package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
)

// NewRouter builds the admin/collaborator HTTP surface described in this
// project's external-interfaces list: audio device and slave-player
// discovery, per-zone output binding, power-manager passthrough, config
// read/reload, transport listing, a house-automation command endpoint,
// and an SSE feed, all under /admin/api.
func NewRouter(h *Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.Route("/admin/api", func(r chi.Router) {
		r.Get("/audio/devices", h.getAudioDevices)
		r.Get("/audio/squeezelite/players", h.getSlavePlayers)

		r.Get("/zones/{zid}/output", h.getZoneOutput)
		r.Post("/zones/{zid}/output", h.setZoneOutput)
		r.Delete("/zones/{zid}/output", h.deleteZoneOutput)

		r.Get("/powermanager/status", h.powerStatus)
		r.Get("/powermanager/ports", h.powerPorts)
		r.Get("/powermanager/port/{name}", h.powerPort)
		r.Post("/powermanager/test", h.powerTest)
		r.Post("/powermanager/on", h.powerOn)
		r.Post("/powermanager/off", h.powerOff)

		r.Get("/config", h.getConfig)
		r.Post("/config", h.setConfig)

		r.Get("/transports", h.getTransports)

		r.Post("/audio/{zid}/{cmd}", h.runCommand)
		r.Post("/audio/{zid}/{cmd}/*", h.runCommand)

		r.Get("/subscribe", h.sseEvents)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
