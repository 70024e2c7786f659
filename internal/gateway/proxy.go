// OutputStreamProxy: GET /streams/proxy?u=<absolute>&h=<base64-json-headers>
// rewrites playlists so nested media stays inside the proxy, intercepts
// in-band ICY metadata on live streams and forwards it to the zone's
// radio-metadata handler, and otherwise passes the upstream response
// through verbatim (including byte-range requests).
package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var proxyClient = &http.Client{Timeout: 0}

func (g *Gateway) serveProxy(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("u")
	if target == "" {
		http.Error(w, "missing u parameter", http.StatusBadRequest)
		return
	}
	headers := decodeProxyHeaders(r.URL.Query().Get("h"))

	zoneID := -1
	if v, err := strconv.Atoi(r.Header.Get("X-Zone-Id")); err == nil {
		zoneID = v
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "bad upstream url", http.StatusBadRequest)
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if rng := r.Header.Get("Range"); rng != "" {
		req.Header.Set("Range", rng)
	}
	req.Header.Set("Icy-MetaData", "1")

	resp, err := proxyClient.Do(req)
	if err != nil {
		http.Error(w, "upstream fetch failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if isPlaylist(resp.Header.Get("Content-Type"), target) {
		g.rewritePlaylist(w, resp, target, r.URL.Query().Get("h"), zoneID)
		return
	}

	if metaint, err := strconv.Atoi(resp.Header.Get("Icy-Metaint")); err == nil && metaint > 0 {
		g.passthroughWithICYInterception(w, resp, metaint, zoneID)
		return
	}

	g.passthrough(w, resp)
}

// proxyGet is the simpler cover-art fetch path: stream an upstream URL
// straight through with no rewriting or interception.
func (g *Gateway) proxyGet(w http.ResponseWriter, ctx context.Context, target string, headers map[string]string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		http.Error(w, "bad cover url", http.StatusBadGateway)
		return
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := proxyClient.Do(req)
	if err != nil {
		http.Error(w, "cover fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	g.passthrough(w, resp)
}

func (g *Gateway) passthrough(w http.ResponseWriter, resp *http.Response) {
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// passthroughWithICYInterception streams resp.Body to w while stripping
// the in-band ICY metadata frames (icy-metaint-spaced), so the audio
// engine downstream of this proxy never sees them, and forwards any
// StreamTitle it observes to the zone's radio-metadata sink.
func (g *Gateway) passthroughWithICYInterception(w http.ResponseWriter, resp *http.Response, metaint, zoneID int) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Icy-Metaint") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	br := bufio.NewReader(resp.Body)
	var lastTitle string
	for {
		if _, err := io.CopyN(w, br, int64(metaint)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		lenByte, err := br.ReadByte()
		if err != nil {
			return
		}
		if lenByte == 0 {
			continue
		}
		block := make([]byte, int(lenByte)*16)
		if _, err := io.ReadFull(br, block); err != nil {
			return
		}
		title := parseStreamTitle(string(block))
		if title != "" && title != lastTitle && g.radio != nil && zoneID >= 0 {
			lastTitle = title
			artist, track := splitArtistTitle(title)
			g.radio.UpdateRadioMetadata(zoneID, artist, track)
		}
	}
}

// parseStreamTitle extracts the StreamTitle='...' value from a raw ICY
// metadata block.
func parseStreamTitle(block string) string {
	const key = "StreamTitle='"
	i := strings.Index(block, key)
	if i < 0 {
		return ""
	}
	rest := block[i+len(key):]
	j := strings.Index(rest, "';")
	if j < 0 {
		return strings.TrimRight(rest, "\x00")
	}
	return rest[:j]
}

func splitArtistTitle(title string) (artist, track string) {
	if i := strings.Index(title, " - "); i >= 0 {
		return title[:i], title[i+3:]
	}
	return "", title
}

func decodeProxyHeaders(encoded string) map[string]string {
	if encoded == "" {
		return nil
	}
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil
		}
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil
	}
	return headers
}

func isPlaylist(contentType, target string) bool {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "mpegurl"), strings.Contains(ct, "x-scpls"):
		return true
	}
	lower := strings.ToLower(target)
	return strings.HasSuffix(lower, ".m3u") || strings.HasSuffix(lower, ".m3u8") || strings.HasSuffix(lower, ".pls")
}

// rewritePlaylist fetches a playlist body (capped at proxyMaxBodyBytes),
// rewrites every media reference (plain line, or an HLS URI="..."
// attribute) into a proxy URL of this same endpoint so nested playlists
// stay inside the proxy, and writes the rewritten body to w.
func (g *Gateway) rewritePlaylist(w http.ResponseWriter, resp *http.Response, base, headersParam string, zoneID int) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, proxyMaxBodyBytes))
	if err != nil {
		http.Error(w, "playlist read failed", http.StatusBadGateway)
		return
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		http.Error(w, "bad base url", http.StatusInternalServerError)
		return
	}

	lines := strings.Split(string(body), "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r")
		if uriAttr := extractHLSURI(trimmed); uriAttr != "" {
			rewritten := g.proxyURLFor(resolveRef(baseURL, uriAttr), headersParam)
			lines[i] = strings.Replace(line, uriAttr, rewritten, 1)
			continue
		}
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines[i] = g.proxyURLFor(resolveRef(baseURL, trimmed), headersParam)
	}

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, strings.Join(lines, "\n"))
}

func resolveRef(base *url.URL, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

func (g *Gateway) proxyURLFor(target, headersParam string) string {
	v := url.Values{}
	v.Set("u", target)
	if headersParam != "" {
		v.Set("h", headersParam)
	}
	return "/streams/proxy?" + v.Encode()
}

// extractHLSURI pulls the value of a URI="..." attribute out of an
// EXT-X-* tag line, or returns "" if the line has none.
func extractHLSURI(line string) string {
	if !strings.HasPrefix(line, "#EXT-X-") {
		return ""
	}
	const key = `URI="`
	i := strings.Index(line, key)
	if i < 0 {
		return ""
	}
	rest := line[i+len(key):]
	j := strings.IndexByte(rest, '"')
	if j < 0 {
		return ""
	}
	return rest[:j]
}
