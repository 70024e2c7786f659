package dlna

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/micro-nova/zonecast/internal/discovery"
)

const (
	avTransportType      = "urn:schemas-upnp-org:service:AVTransport:1"
	renderingControlType = "urn:schemas-upnp-org:service:RenderingControl:1"
	soapTimeout          = 5 * time.Second
)

// searchTargets are the SSDP search targets Discover probes concurrently,
// per spec.md's per-protocol discovery guidance: a specific renderer
// type, the AVTransport service type, and ssdp:all for devices whose
// advertisement omits the MediaRenderer device type.
var searchTargets = []string{
	"urn:schemas-upnp-org:device:MediaRenderer:1",
	avTransportType,
	"ssdp:all",
}

// Device is a resolved DLNA/UPnP renderer: its control endpoints and the
// host it advertised, cached per the teacher's per-host caching pattern
// for device descriptions.
type Device struct {
	Host                 string
	AVTransportURL        string
	RenderingControlURL   string
	UDN                   string
}

// descriptionCache caches parsed device descriptions by SSDP Location so
// repeated Discover calls for the same renderer avoid refetching.
type descriptionCache struct {
	mu    sync.Mutex
	byLoc map[string]Device
}

var deviceCache = &descriptionCache{byLoc: make(map[string]Device)}

// resolveGroup de-duplicates concurrent device-description fetches for
// the same SSDP Location: when several search targets' adverts resolve
// to the same renderer in the same Discover call, only one HTTP fetch
// actually happens.
var resolveGroup singleflight.Group

// Discover finds renderers matching nameHint (case-insensitive substring
// of the SSDP USN; the Server header and the device friendlyName are not
// consulted). It probes
// every entry in searchTargets concurrently via errgroup rather than
// falling through them one at a time, since a renderer that only
// answers "ssdp:all" would otherwise cost two prior M-SEARCH round trips
// before being found. The first successfully resolved device wins;
// resolveDevice's singleflight keeps overlapping resolutions of the same
// Location to a single HTTP fetch.
func Discover(ctx context.Context, nameHint string, mx, retries int) (Device, error) {
	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		mu    sync.Mutex
		found Device
		ok    bool
	)

	g, gctx := errgroup.WithContext(searchCtx)
	for _, st := range searchTargets {
		st := st
		g.Go(func() error {
			adverts, err := discovery.SSDPSearch(gctx, st, mx, retries)
			if err != nil {
				return nil
			}
			for _, a := range adverts {
				if nameHint != "" && !strings.Contains(strings.ToLower(a.USN), strings.ToLower(nameHint)) {
					continue
				}
				dev, err := resolveDevice(gctx, a.Location)
				if err != nil {
					continue
				}
				mu.Lock()
				if !ok {
					found = dev
					ok = true
					cancel()
				}
				mu.Unlock()
				return nil
			}
			return nil
		})
	}
	_ = g.Wait()

	if !ok {
		return Device{}, fmt.Errorf("dlna: no renderer matching %q found", nameHint)
	}
	return found, nil
}

func resolveDevice(ctx context.Context, location string) (Device, error) {
	deviceCache.mu.Lock()
	if d, ok := deviceCache.byLoc[location]; ok {
		deviceCache.mu.Unlock()
		return d, nil
	}
	deviceCache.mu.Unlock()

	v, err, _ := resolveGroup.Do(location, func() (any, error) {
		return fetchDevice(ctx, location)
	})
	if err != nil {
		return Device{}, err
	}
	return v.(Device), nil
}

func fetchDevice(ctx context.Context, location string) (Device, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return Device{}, err
	}
	client := &http.Client{Timeout: soapTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return Device{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Device{}, err
	}

	var desc rootDescription
	if err := xml.Unmarshal(body, &desc); err != nil {
		return Device{}, fmt.Errorf("dlna: parse device description: %w", err)
	}

	base := desc.URLBase
	if base == "" {
		base = location
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return Device{}, err
	}

	dev := Device{UDN: desc.Device.UDN}
	if hu, err := url.Parse(location); err == nil {
		dev.Host = hu.Host
	}
	for _, svc := range desc.Device.allServices() {
		switch svc.ServiceType {
		case avTransportType:
			dev.AVTransportURL = resolveControlURL(baseURL, svc.ControlURL)
		case renderingControlType:
			dev.RenderingControlURL = resolveControlURL(baseURL, svc.ControlURL)
		}
	}
	if dev.AVTransportURL == "" {
		return Device{}, fmt.Errorf("dlna: device at %s has no AVTransport service", location)
	}

	deviceCache.mu.Lock()
	deviceCache.byLoc[location] = dev
	deviceCache.mu.Unlock()
	return dev, nil
}

func resolveControlURL(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

type rootDescription struct {
	XMLName xml.Name `xml:"root"`
	URLBase string   `xml:"URLBase"`
	Device  upnpDevice `xml:"device"`
}

type upnpDevice struct {
	UDN             string          `xml:"UDN"`
	FriendlyName    string          `xml:"friendlyName"`
	ServiceList     []upnpService   `xml:"serviceList>service"`
	DeviceList      []upnpDevice    `xml:"deviceList>device"`
}

type upnpService struct {
	ServiceType string `xml:"serviceType"`
	ControlURL  string `xml:"controlURL"`
}

// allServices flattens this device's own service list plus any embedded
// sub-devices' services, since some renderers nest AVTransport under an
// embedded "MediaRenderer" device rather than the root.
func (d upnpDevice) allServices() []upnpService {
	out := append([]upnpService(nil), d.ServiceList...)
	for _, child := range d.DeviceList {
		out = append(out, child.allServices()...)
	}
	return out
}
