// Package resolver turns an opaque URI into a PlaybackSource. It is pure
// and synchronous — no I/O is performed during resolution.
package resolver

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/micro-nova/zonecast/internal/models"
)

// radioHostPattern flags hosts that are known internet-radio directories
// or stream aggregators, in addition to the .m3u/.pls path suffixes
// checked by IsRadioURL.
var radioHostPattern = regexp.MustCompile(`(?i)(icecast|shoutcast|radio|stream)`)

// Resolve maps a URI to a PlaybackSource, or returns nil with no error if
// the URI is not recognized. It never performs I/O — callers that need
// to validate reachability do so after resolution.
func Resolve(uri string) (*models.PlaybackSource, error) {
	if uri == "" {
		return nil, fmt.Errorf("resolver: empty uri")
	}

	switch {
	case strings.HasPrefix(uri, "/"), strings.HasPrefix(uri, "file://"):
		return resolveFile(uri), nil
	case strings.HasPrefix(uri, "pipe://"):
		return resolvePipe(uri)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return resolveURL(uri)
	default:
		return nil, nil
	}
}

func resolveFile(uri string) *models.PlaybackSource {
	path := strings.TrimPrefix(uri, "file://")
	return &models.PlaybackSource{
		Kind: models.SourceFile,
		File: &models.FileSource{Path: path},
	}
}

func resolvePipe(uri string) (*models.PlaybackSource, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("resolver: bad pipe uri: %w", err)
	}
	q := u.Query()
	format := models.PCMFormat(q.Get("format"))
	if format == "" {
		format = models.PCMS16LE
	}
	sampleRate := 44100
	channels := 2
	return &models.PlaybackSource{
		Kind: models.SourcePipe,
		Pipe: &models.PipeSource{
			Path:       u.Path,
			Format:     format,
			SampleRate: sampleRate,
			Channels:   channels,
		},
	}, nil
}

func resolveURL(uri string) (*models.PlaybackSource, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("resolver: bad url: %w", err)
	}

	src := &models.URLSource{
		URL:           uri,
		TLSVerifyHost: true,
	}

	if IsRadioURL(uri) {
		src.RealTime = true
		src.RestartOnFailure = true
		src.Headers = map[string]string{"Icy-MetaData": "1"}
	}

	if IsProxyURL(u) {
		src.Headers = mergeHeaders(src.Headers, map[string]string{"X-Zone-Id": ""})
	}

	return &models.PlaybackSource{Kind: models.SourceURL, URL: src}, nil
}

// IsRadioURL reports whether a URL looks like an internet-radio stream,
// by a .m3u/.pls path suffix or a host/path regex match against common
// broadcast-stream hosting patterns.
func IsRadioURL(uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	if strings.HasSuffix(u.Path, ".m3u") || strings.HasSuffix(u.Path, ".pls") {
		return true
	}
	return radioHostPattern.MatchString(u.Host) || radioHostPattern.MatchString(u.Path)
}

// IsProxyURL reports whether uri points at this server's own stream
// gateway/proxy surface, identified by path, so AudioManager can
// attribute ICY metadata to the right zone via X-Zone-Id.
func IsProxyURL(u *url.URL) bool {
	return u.Path == "/streams/proxy"
}

// WithZoneID returns a copy of src with the proxy zone-id header set,
// applied by AudioManager once the target zone is known (the resolver
// itself has no zone context).
func WithZoneID(src models.URLSource, zoneID int) models.URLSource {
	cp := src
	cp.Headers = mergeHeaders(cp.Headers, map[string]string{"X-Zone-Id": fmt.Sprintf("%d", zoneID)})
	return cp
}

func mergeHeaders(base, add map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(add))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range add {
		out[k] = v
	}
	return out
}
