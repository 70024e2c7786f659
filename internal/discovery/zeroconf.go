// Package discovery advertises and finds renderers on the LAN: mDNS/DNS-SD
// for the server itself, SSDP for UPnP/DLNA renderers.
package discovery

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

// MDNSService manages mDNS/DNS-SD registration of the server so it is
// discoverable on the LAN (e.g. as zonecast.local), mirroring the
// teacher's web-UI advertisement but under this domain's service name.
type MDNSService struct {
	name   string
	port   int
	server *zeroconf.Server
}

// NewMDNSService creates a service that will advertise on the given port
// once Start is called. name is the instance name, e.g. "zonecast".
func NewMDNSService(name string, port int) *MDNSService {
	return &MDNSService{name: name, port: port}
}

// Start registers the mDNS service and blocks until ctx is cancelled, at
// which point it shuts down the server cleanly.
func (s *MDNSService) Start(ctx context.Context) error {
	txt := []string{"version=zonecast", "role=audio-server"}

	server, err := zeroconf.Register(
		s.name,
		"_http._tcp",
		"local.",
		s.port,
		txt,
		nil,
	)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	s.server = server
	log.Info().Str("name", s.name).Int("port", s.port).Strs("txt", txt).Msg("discovery: registered mDNS service")

	<-ctx.Done()

	server.Shutdown()
	log.Info().Msg("discovery: mDNS service unregistered")
	return nil
}

// UpdateTXT updates the TXT records for the registered service.
// grandcat/zeroconf v1.0.0 has no live TXT update API; callers must
// restart the service to apply a change. This call logs the request and
// returns an error if the server was never started.
func (s *MDNSService) UpdateTXT(records []string) error {
	if s.server == nil {
		return fmt.Errorf("discovery: mDNS server not started")
	}
	log.Info().Strs("records", records).Msg("discovery: TXT update requested (requires service restart to apply)")
	return nil
}
