package dlna

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"net/http"
)

// soapEnvelope wraps an AVTransport/RenderingControl action call per the
// UPnP SOAP binding.
const soapEnvelope = `<?xml version="1.0" encoding="utf-8"?>
<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/">
<s:Body>
<u:%s xmlns:u="%s">
%s
</u:%s>
</s:Body>
</s:Envelope>`

type soapFault struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault struct {
			FaultString string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// soapCall issues a UPnP SOAP action against controlURL and returns the
// raw response body. softFaultOk treats an HTTP 500 carrying a SOAP fault
// as success, since several renderers return a transient fault on
// playback-control actions that nonetheless take effect (spec.md's
// documented soft-fault tolerance).
func soapCall(ctx context.Context, client *http.Client, controlURL, serviceType, action string, args map[string]string, softFaultOk bool) ([]byte, error) {
	var argXML bytes.Buffer
	for k, v := range args {
		fmt.Fprintf(&argXML, "<%s>%s</%s>", k, html.EscapeString(v), k)
	}
	body := fmt.Sprintf(soapEnvelope, action, serviceType, argXML.String(), action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, controlURL, bytes.NewBufferString(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPACTION", fmt.Sprintf(`"%s#%s"`, serviceType, action))

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dlna: soap %s: %w", action, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusOK {
		return respBody, nil
	}
	if resp.StatusCode == http.StatusInternalServerError {
		var fault soapFault
		if xml.Unmarshal(respBody, &fault) == nil && fault.Body.Fault.FaultString != "" {
			if softFaultOk {
				return respBody, nil
			}
			return nil, fmt.Errorf("dlna: soap %s fault: %s", action, fault.Body.Fault.FaultString)
		}
	}
	return nil, fmt.Errorf("dlna: soap %s: unexpected status %s", action, resp.Status)
}

const groupManagementType = "urn:schemas-upnp-org:service:GroupManagement:1"

// SoapCallGroupManagement issues a Sonos S2 GroupManagement action. It is
// exported so the sonos package can reuse this package's SOAP plumbing
// without duplicating it for a service DLNA itself never calls.
func SoapCallGroupManagement(ctx context.Context, client *http.Client, controlURL, action string, args map[string]string) ([]byte, error) {
	return soapCall(ctx, client, controlURL, groupManagementType, action, args, false)
}

// didlLite builds a minimal DIDL-Lite metadata document for
// SetAVTransportURI, describing the stream URL as an audio item so
// renderers that insist on metadata (rather than accepting an empty
// CurrentURIMetaData) have something to show.
func didlLite(uri, title, artist, album, mimeType string) string {
	return fmt.Sprintf(`<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/"><item id="1" parentID="0" restricted="1"><dc:title>%s</dc:title><upnp:artist>%s</upnp:artist><upnp:album>%s</upnp:album><upnp:class>object.item.audioItem.musicTrack</upnp:class><res protocolInfo="http-get:*:%s:*">%s</res></item></DIDL-Lite>`,
		html.EscapeString(title), html.EscapeString(artist), html.EscapeString(album), mimeType, html.EscapeString(uri))
}
