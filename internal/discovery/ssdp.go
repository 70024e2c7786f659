package discovery

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const ssdpMulticastAddr = "239.255.255.250:1900"

// RendererAdvert is a parsed SSDP M-SEARCH response describing a
// candidate UPnP/DLNA renderer.
type RendererAdvert struct {
	Location string
	USN      string
	Server   string
	ST       string
	Addr     net.Addr
}

// SSDPSearch sends an M-SEARCH for the given search target up to
// retries+1 times, each attempt collecting responses for mx+1 seconds
// (mx is sent as the SSDP MX field), and returns the adverts de-duplicated
// by USN. ctx is checked between attempts and between received datagrams;
// a read already waiting runs until its deadline. No third-party SSDP client
// exists in the retrieved example pack, so this uses only
// net/net.textproto — the one ambient concern in this package without a
// pack library to ground on.
func SSDPSearch(ctx context.Context, searchTarget string, mx int, retries int) ([]RendererAdvert, error) {
	var all []RendererAdvert
	seen := make(map[string]bool)

	for attempt := 0; attempt <= retries; attempt++ {
		found, err := ssdpSearchOnce(ctx, searchTarget, mx)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("discovery: ssdp search attempt failed")
			continue
		}
		for _, f := range found {
			if seen[f.USN] {
				continue
			}
			seen[f.USN] = true
			all = append(all, f)
		}
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}
	}
	return all, nil
}

func ssdpSearchOnce(ctx context.Context, searchTarget string, mx int) ([]RendererAdvert, error) {
	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("ssdp: listen: %w", err)
	}
	defer conn.Close()

	dst, err := net.ResolveUDPAddr("udp4", ssdpMulticastAddr)
	if err != nil {
		return nil, err
	}

	req := fmt.Sprintf(
		"M-SEARCH * HTTP/1.1\r\n"+
			"HOST: %s\r\n"+
			"MAN: \"ssdp:discover\"\r\n"+
			"MX: %d\r\n"+
			"ST: %s\r\n\r\n",
		ssdpMulticastAddr, mx, searchTarget,
	)

	if _, err := conn.WriteTo([]byte(req), dst); err != nil {
		return nil, fmt.Errorf("ssdp: write: %w", err)
	}

	deadline := time.Now().Add(time.Duration(mx+1) * time.Second)
	conn.SetReadDeadline(deadline)

	var results []RendererAdvert
	buf := make([]byte, 8192)
	for {
		select {
		case <-ctx.Done():
			return results, nil
		default:
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}
		advert, ok := parseSSDPResponse(buf[:n])
		if !ok {
			continue
		}
		advert.Addr = addr
		results = append(results, advert)
	}
	return results, nil
}

func parseSSDPResponse(data []byte) (RendererAdvert, bool) {
	reader := bufio.NewReader(strings.NewReader(string(data)))
	tp := textproto.NewReader(reader)

	line, err := tp.ReadLine()
	if err != nil || !strings.HasPrefix(line, "HTTP/1.1 200") {
		return RendererAdvert{}, false
	}
	header, err := tp.ReadMIMEHeader()
	if err != nil && len(header) == 0 {
		return RendererAdvert{}, false
	}

	return RendererAdvert{
		Location: header.Get("Location"),
		USN:      header.Get("Usn"),
		Server:   header.Get("Server"),
		ST:       header.Get("St"),
	}, header.Get("Location") != ""
}
