// Package sonos implements the Sonos ZoneOutput driver. Sonos speakers are
// DLNA/UPnP MediaRenderers at the wire level, so this package embeds the
// dlna driver for ordinary playback and adds Sonos's own group-membership
// mechanics on top: S1 speakers join a group via a special
// "x-rincon:<UDN>" SetAVTransportURI pointed at the group's leader; S2
// speakers use a dedicated group-management control client.
package sonos

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
	"github.com/micro-nova/zonecast/internal/outputs/dlna"
)

// Generation distinguishes the Sonos S1 (legacy, UPnP-only group join) and
// S2 (dedicated group control service) platforms.
type Generation int

const (
	GenerationS1 Generation = iota
	GenerationS2
)

// Driver controls one Sonos speaker, embedding the DLNA driver for
// transport control and adding Sonos group join/leave.
type Driver struct {
	*dlna.Driver
	zoneID     int
	generation Generation
	udn        string
	client     *http.Client
	log        zerolog.Logger
}

// New creates a Sonos driver. udn is the speaker's Unique Device Name,
// resolved by Discover below; it is required for group join on both
// generations.
func New(zoneID int, device dlna.Device, udn string, generation Generation, gatewayBase string, waiter *dlna.RequestWaiter, log zerolog.Logger) *Driver {
	l := log.With().Int("zone_id", zoneID).Str("component", "sonos_driver").Logger()
	return &Driver{
		Driver:     dlna.New(zoneID, device, gatewayBase, waiter, l),
		zoneID:     zoneID,
		generation: generation,
		udn:        udn,
		client:     &http.Client{Timeout: 5 * time.Second},
		log:        l,
	}
}

func (d *Driver) Protocol() string { return "sonos" }

// JoinGroup makes this speaker follow leaderUDN's transport. On S1 this is
// a SetAVTransportURI with an "x-rincon:" pseudo-URI naming the leader; on
// S2 it is delegated to the group-management control client.
func (d *Driver) JoinGroup(ctx context.Context, leaderUDN string) error {
	if d.generation == GenerationS2 {
		return d.joinGroupS2(ctx, leaderUDN)
	}
	return d.setAVTransportURI(ctx, "x-rincon:"+leaderUDN, "")
}

// LeaveGroup detaches this speaker back to playing its own transport
// (becoming its own group's coordinator).
func (d *Driver) LeaveGroup(ctx context.Context) error {
	if d.generation == GenerationS2 {
		return d.leaveGroupS2(ctx)
	}
	return d.setAVTransportURI(ctx, "x-rincon-queue:"+d.udn+"#0", "")
}

func (d *Driver) setAVTransportURI(ctx context.Context, uri, metaXML string) error {
	return d.Driver.SetAVTransportURIRaw(ctx, uri, metaXML)
}

// joinGroupS2 calls Sonos's S2 group-management control service, a sibling
// service alongside AVTransport on the same device, to add this speaker to
// leaderUDN's group. S2's dedicated group API avoids the x-rincon quirks
// S1 requires and reports membership changes more reliably.
func (d *Driver) joinGroupS2(ctx context.Context, leaderUDN string) error {
	groupControlURL := strings.Replace(d.Driver.Device().AVTransportURL, "/AVTransport/", "/GroupManagement/", 1)
	_, err := dlna.SoapCallGroupManagement(ctx, d.client, groupControlURL, "AddMember", map[string]string{
		"MemberID": leaderUDN,
	})
	if err != nil {
		return fmt.Errorf("sonos: join group (s2): %w", err)
	}
	return nil
}

func (d *Driver) leaveGroupS2(ctx context.Context) error {
	groupControlURL := strings.Replace(d.Driver.Device().AVTransportURL, "/AVTransport/", "/GroupManagement/", 1)
	_, err := dlna.SoapCallGroupManagement(ctx, d.client, groupControlURL, "RemoveMember", map[string]string{
		"MemberID": d.udn,
	})
	if err != nil {
		return fmt.Errorf("sonos: leave group (s2): %w", err)
	}
	return nil
}

// Discover resolves a Sonos speaker's device, UDN, and generation. UDN is
// read from the device description first; when that's empty (observed on
// some S1 firmwares), it falls back to the zone-player status endpoint.
func Discover(ctx context.Context, nameHint string, mx, retries int) (dlna.Device, string, Generation, error) {
	device, err := dlna.Discover(ctx, nameHint, mx, retries)
	if err != nil {
		return dlna.Device{}, "", GenerationS1, err
	}
	udn := device.UDN
	if udn == "" {
		udn, err = fetchUDNFromStatus(ctx, device.Host)
		if err != nil {
			return dlna.Device{}, "", GenerationS1, fmt.Errorf("sonos: resolve udn: %w", err)
		}
	}
	gen := GenerationS1
	if hasGroupManagement(ctx, device) {
		gen = GenerationS2
	}
	return device, udn, gen, nil
}

// hasGroupManagement probes for the S2 GroupManagement control endpoint by
// substituting it into the AVTransport control URL and checking for a
// non-404 response.
func hasGroupManagement(ctx context.Context, device dlna.Device) bool {
	url := strings.Replace(device.AVTransportURL, "/AVTransport/", "/GroupManagement/", 1)
	if url == device.AVTransportURL {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(""))
	if err != nil {
		return false
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode != http.StatusNotFound
}

type zpStatus struct {
	XMLName xml.Name `xml:"ZPSupportInfo"`
	UDN     string   `xml:"ZPInfo>UDN"`
}

// fetchUDNFromStatus reads /status/zp, the legacy Sonos diagnostic page
// that reports a speaker's UDN even on firmware whose device description
// omits it.
func fetchUDNFromStatus(ctx context.Context, host string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/status/zp", nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var status zpStatus
	if err := xml.Unmarshal(body, &status); err != nil || status.UDN == "" {
		return "", fmt.Errorf("sonos: no UDN in /status/zp response")
	}
	return status.UDN, nil
}

var _ models.ZoneOutput = (*Driver)(nil)
