package discovery

import "testing"

func TestParseSSDPResponse(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\n" +
		"LOCATION: http://192.168.1.50:1400/xml/device_description.xml\r\n" +
		"USN: uuid:abc-123::urn:schemas-upnp-org:device:MediaRenderer:1\r\n" +
		"SERVER: Linux/1.0 UPnP/1.0 SomeRenderer/1.0\r\n" +
		"ST: urn:schemas-upnp-org:device:MediaRenderer:1\r\n\r\n"

	advert, ok := parseSSDPResponse([]byte(raw))
	if !ok {
		t.Fatal("expected parseSSDPResponse to succeed")
	}
	if advert.Location != "http://192.168.1.50:1400/xml/device_description.xml" {
		t.Errorf("Location = %q", advert.Location)
	}
	if advert.USN == "" {
		t.Error("USN should not be empty")
	}
}

func TestParseSSDPResponse_NotOK(t *testing.T) {
	raw := "NOTIFY * HTTP/1.1\r\nHOST: 239.255.255.250:1900\r\n\r\n"
	_, ok := parseSSDPResponse([]byte(raw))
	if ok {
		t.Error("expected parseSSDPResponse to reject a non-200 response")
	}
}

func TestParseSSDPResponse_MissingLocation(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nUSN: uuid:abc\r\n\r\n"
	_, ok := parseSSDPResponse([]byte(raw))
	if ok {
		t.Error("expected parseSSDPResponse to reject a response without Location")
	}
}
