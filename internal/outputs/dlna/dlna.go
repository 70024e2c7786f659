// Package dlna implements the DLNA/UPnP ZoneOutput driver: SOAP
// AVTransport/RenderingControl control of a discovered renderer, fed a
// stream URL served by the gateway.
package dlna

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

// playRequestTimeout is how long Play waits for the gateway to observe the
// renderer's GET after SetAVTransportURI; if no GET is observed in that
// time, Play returns an error without issuing the Play action.
const playRequestTimeout = 12 * time.Second

// Driver controls one DLNA/UPnP MediaRenderer.
type Driver struct {
	zoneID      int
	gatewayBase string
	waiter      *RequestWaiter
	client      *http.Client
	log         zerolog.Logger

	mu     sync.Mutex
	device Device
	volume float64
}

// New creates a driver bound to a pre-resolved renderer device. gatewayBase
// is the stream gateway's externally reachable base URL (e.g.
// "http://192.168.1.10:8192"), used to turn a StreamHandle's path into a
// URI the renderer can fetch. waiter may be nil, in which case Play never
// waits for request observation before issuing Play.
func New(zoneID int, device Device, gatewayBase string, waiter *RequestWaiter, log zerolog.Logger) *Driver {
	return &Driver{
		zoneID:      zoneID,
		gatewayBase: gatewayBase,
		device:      device,
		waiter:      waiter,
		client:      &http.Client{Timeout: soapTimeout},
		log:         log.With().Int("zone_id", zoneID).Str("component", "dlna_driver").Logger(),
		volume:      50,
	}
}

// Rediscover replaces the bound device, used when a renderer's SSDP
// location or control URLs change (e.g. after it reboots).
func (d *Driver) Rediscover(device Device) {
	d.mu.Lock()
	d.device = device
	d.mu.Unlock()
}

// Device returns the currently bound renderer device, for drivers (Sonos)
// that extend this one and need its control URLs directly.
func (d *Driver) Device() Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.device
}

// SetAVTransportURIRaw issues a bare SetAVTransportURI call, used by Sonos
// group join/leave to point a speaker's transport at a "x-rincon:" pseudo
// URI instead of an ordinary stream URL.
func (d *Driver) SetAVTransportURIRaw(ctx context.Context, uri, metaXML string) error {
	device := d.Device()
	_, err := soapCall(ctx, d.client, device.AVTransportURL, avTransportType, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         uri,
		"CurrentURIMetaData": metaXML,
	}, true)
	if err != nil {
		return fmt.Errorf("dlna: SetAVTransportURI: %w", err)
	}
	return nil
}

// Play issues the DLNA playback sequence: Stop (best-effort, ignoring
// errors since there may be nothing playing yet), SetAVTransportURI, then
// Play. A SetAVTransportURI that times out is treated as recoverable: Play
// waits up to playRequestTimeout for the gateway to observe the renderer's
// stream GET before issuing Play, and skips Play entirely if no request
// was ever observed (the renderer likely rejected the URI outright).
func (d *Driver) Play(ctx context.Context, session *models.PlaybackSession) error {
	d.mu.Lock()
	device := d.device
	d.mu.Unlock()

	ext := streamExt(session)
	uri := d.gatewayBase + session.Stream.URL(ext)
	metaXML := didlLite(uri, session.Metadata.Title, session.Metadata.Artist, session.Metadata.Album, mimeForExt(ext))

	_, _ = soapCall(ctx, d.client, device.AVTransportURL, avTransportType, "Stop", map[string]string{
		"InstanceID": "0",
	}, true)

	_, err := soapCall(ctx, d.client, device.AVTransportURL, avTransportType, "SetAVTransportURI", map[string]string{
		"InstanceID":         "0",
		"CurrentURI":         uri,
		"CurrentURIMetaData": metaXML,
	}, true)
	if err != nil {
		if d.waiter == nil {
			return fmt.Errorf("dlna: SetAVTransportURI: %w", err)
		}
		d.log.Warn().Err(err).Msg("dlna: SetAVTransportURI timed out, waiting for renderer to request stream")
		if !d.waiter.Wait(ctx, d.zoneID, playRequestTimeout) {
			return fmt.Errorf("dlna: SetAVTransportURI failed and renderer never requested stream: %w", err)
		}
	}

	_, err = soapCall(ctx, d.client, device.AVTransportURL, avTransportType, "Play", map[string]string{
		"InstanceID": "0",
		"Speed":      "1",
	}, true)
	if err != nil {
		return fmt.Errorf("dlna: Play: %w", err)
	}
	return nil
}

func (d *Driver) Pause(ctx context.Context) error {
	return d.transportAction(ctx, "Pause", nil)
}

func (d *Driver) Resume(ctx context.Context) error {
	return d.transportAction(ctx, "Play", map[string]string{"Speed": "1"})
}

func (d *Driver) Stop(ctx context.Context) error {
	return d.transportAction(ctx, "Stop", nil)
}

func (d *Driver) transportAction(ctx context.Context, action string, extra map[string]string) error {
	d.mu.Lock()
	device := d.device
	d.mu.Unlock()

	args := map[string]string{"InstanceID": "0"}
	for k, v := range extra {
		args[k] = v
	}
	_, err := soapCall(ctx, d.client, device.AVTransportURL, avTransportType, action, args, true)
	if err != nil {
		return fmt.Errorf("dlna: %s: %w", action, err)
	}
	return nil
}

// SetVolume sets RenderingControl volume, scaled from the 0-100 percent
// convention used throughout this project to UPnP's native 0-100 integer
// range (they happen to coincide).
func (d *Driver) SetVolume(ctx context.Context, percent float64) error {
	d.mu.Lock()
	device := d.device
	d.volume = percent
	d.mu.Unlock()

	_, err := soapCall(ctx, d.client, device.RenderingControlURL, renderingControlType, "SetVolume", map[string]string{
		"InstanceID":    "0",
		"Channel":       "Master",
		"DesiredVolume": fmt.Sprintf("%d", int(percent)),
	}, false)
	if err != nil {
		return fmt.Errorf("dlna: SetVolume: %w", err)
	}
	return nil
}

// UpdateMetadata is a no-op: DLNA metadata only travels via
// SetAVTransportURI's DIDL-Lite payload, applied again on the next Play.
func (d *Driver) UpdateMetadata(ctx context.Context, md models.PlaybackMetadata) error {
	return nil
}

func (d *Driver) Dispose(ctx context.Context) error {
	return d.Stop(ctx)
}

func (d *Driver) GetPreferredOutput() models.PreferredOutput {
	return models.PreferredOutput{Profile: models.ProfileMP3, SampleRate: 44100, Channels: 2}
}

func (d *Driver) GetHTTPPreferences() models.HTTPPreferences {
	return models.HTTPPreferences{Profile: models.HTTPForcedContentLen, IcyEnabled: false}
}

func (d *Driver) Protocol() string { return "dlna" }

func streamExt(session *models.PlaybackSession) string {
	for _, p := range session.Profiles {
		if p == models.ProfileMP3 {
			return "mp3"
		}
	}
	return "mp3"
}

func mimeForExt(ext string) string {
	switch ext {
	case "aac":
		return "audio/aac"
	case "wav":
		return "audio/wav"
	default:
		return "audio/mpeg"
	}
}
