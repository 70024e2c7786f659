// Package gateway is the HTTP surface that turns a zone's engine output
// into a fetchable stream URL: GET /streams/<zoneId>/<streamId>.<ext>
// serves the live encode with ICY injection and chunked or forced-
// content-length framing, GET /streams/<zoneId>/<streamId>/cover serves
// cover art, and GET /streams/proxy is OutputStreamProxy (see proxy.go).
// Every output driver depends on this package to publish a URL its
// renderer can actually open.
package gateway

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
	"github.com/micro-nova/zonecast/internal/playback"
)

// SessionLookup resolves a zone's current playback session.
// *audio.Manager satisfies this implicitly.
type SessionLookup interface {
	Session(zoneID int) (models.PlaybackSession, bool)
}

// StreamSource subscribes a renderer to a zone's live encode.
// *playback.Service satisfies this implicitly.
type StreamSource interface {
	Subscribe(zoneID int, profile models.OutputProfile, primeWithBuffer bool, label string) (playback.Subscriber, error)
}

// RadioMetadataSink receives now-playing titles parsed from in-band ICY
// metadata intercepted by OutputStreamProxy.
type RadioMetadataSink interface {
	UpdateRadioMetadata(zoneID int, artist, title string)
}

const (
	readyGraceTimeout = 10 * time.Second
	proxyMaxBodyBytes = 1 << 20 // 1 MiB, per the playlist-rewrite size cap
)

var extProfiles = map[string]models.OutputProfile{
	"mp3": models.ProfileMP3,
	"aac": models.ProfileAAC,
	"wav": models.ProfilePCM,
}

var profileContentTypes = map[models.OutputProfile]string{
	models.ProfileMP3: "audio/mpeg",
	models.ProfileAAC: "audio/aac",
	models.ProfilePCM: "audio/wav",
}

// StreamObserver is notified whenever a renderer issues its GET request
// for a zone's stream. DLNA/Sonos playback uses this to know when it is
// safe to issue AVTransport Play after a timed-out SetAVTransportURI.
type StreamObserver interface {
	ObserveStreamRequest(zoneID int)
}

// Gateway serves engine output to renderers over HTTP.
type Gateway struct {
	sessions SessionLookup
	streams  StreamSource
	radio    RadioMetadataSink
	observer StreamObserver
	log      zerolog.Logger

	sync *syncRegistry
}

// New creates a Gateway bound to its collaborators. radio and observer
// may be nil if no proxy-sourced ICY interception or renderer-arrival
// observation is needed.
func New(sessions SessionLookup, streams StreamSource, radio RadioMetadataSink, observer StreamObserver, log zerolog.Logger) *Gateway {
	return &Gateway{
		sessions: sessions,
		streams:  streams,
		radio:    radio,
		observer: observer,
		log:      log.With().Str("component", "gateway").Logger(),
		sync:     newSyncRegistry(),
	}
}

// Router builds the chi router exposing the gateway's endpoints. It is
// meant to be mounted standalone on an interface reachable only from the
// local network — see localOnly below.
func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(localOnly)
	r.Use(httprate.LimitByIP(120, time.Minute))

	r.Get("/streams/proxy", g.serveProxy)
	r.Get("/streams/{zoneID}/{streamFile}", g.serveStream)
	r.Get("/streams/{zoneID}/{streamID}/cover", g.serveCover)
	return r
}

// localOnly rejects requests whose observed remote address is not a
// loopback or private-range IP, since the gateway's audio and proxy
// endpoints are meant to be reachable only from the local network.
func localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !isLocalNetwork(ip) {
			http.Error(w, "forbidden: gateway is local-network only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalNetwork(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() {
		return true
	}
	return false
}

// serveStream handles GET /streams/{zoneID}/{streamFile}, where
// streamFile is "<streamId>.<ext>" (or "current.<ext>" to bind to
// whatever the zone is presently playing regardless of handle).
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request) {
	zoneID, err := strconv.Atoi(chi.URLParam(r, "zoneID"))
	if err != nil {
		http.Error(w, "bad zone id", http.StatusBadRequest)
		return
	}
	streamID, ext, ok := splitStreamFile(chi.URLParam(r, "streamFile"))
	if !ok {
		http.Error(w, "bad stream file", http.StatusBadRequest)
		return
	}
	profile, ok := extProfiles[ext]
	if !ok {
		http.Error(w, "unsupported extension", http.StatusNotFound)
		return
	}

	session, ok := g.sessions.Session(zoneID)
	if !ok {
		http.Error(w, "zone has no active session", http.StatusNotFound)
		return
	}
	if streamID != "current" && streamID != session.Stream.ID {
		http.Error(w, "stale stream handle", http.StatusNotFound)
		return
	}

	if g.observer != nil {
		g.observer.ObserveStreamRequest(zoneID)
	}

	if tok := r.URL.Query().Get("sync"); tok != "" {
		g.serveSynced(w, r, zoneID, profile, session, tok)
		return
	}

	sub, err := g.streams.Subscribe(zoneID, profile, true, "gateway:"+r.RemoteAddr)
	if err != nil {
		http.Error(w, "no encode running for this profile", http.StatusServiceUnavailable)
		return
	}

	g.stream(w, r, session, profile, sub)
}

// stream frames and writes one subscriber's bytes to w, applying ICY
// injection, WAV header prefixing, and the session's HTTP framing policy.
func (g *Gateway) stream(w http.ResponseWriter, r *http.Request, session models.PlaybackSession, profile models.OutputProfile, sub playback.Subscriber) {
	w.Header().Set("Content-Type", profileContentTypes[profile])
	w.Header().Set("Cache-Control", "no-cache")

	icy := session.OutputSettings.HTTPIcyEnabled && r.Header.Get("Icy-MetaData") == "1" && profile != models.ProfilePCM
	var out writeFlusher = &flusherWriter{w: w}
	if icy {
		w.Header().Set("icy-metaint", strconv.Itoa(session.OutputSettings.HTTPIcyInterval))
		w.Header().Set("icy-name", session.OutputSettings.HTTPIcyName)
		out = newICYWriter(out, session.OutputSettings.HTTPIcyInterval, func() string {
			return icyStreamTitle(session.Metadata.Artist, session.Metadata.Title)
		})
	}

	switch session.OutputSettings.HTTPProfile {
	case models.HTTPForcedContentLen:
		secs := session.DurationSec
		if secs <= 0 {
			secs = float64(session.OutputSettings.HTTPFallbackSeconds)
		}
		length := int64(session.OutputSettings.BytesPerSecond(profile)) * int64(secs)
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	default:
		w.Header().Set("Transfer-Encoding", "chunked")
	}

	if profile == models.ProfilePCM {
		writeWAVHeader(out, session.OutputSettings.SampleRate, session.OutputSettings.Channels, session.OutputSettings.PCMBitDepth)
	}

	w.WriteHeader(http.StatusOK)
	out.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Closed():
			return
		case chunk, ok := <-sub.Chunks():
			if !ok {
				return
			}
			if _, err := out.Write(chunk); err != nil {
				return
			}
			out.Flush()
		}
	}
}

func splitStreamFile(s string) (id, ext string, ok bool) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func icyStreamTitle(artist, title string) string {
	if artist == "" {
		return title
	}
	return artist + " - " + title
}

// serveCover handles GET /streams/{zoneID}/{streamID}/cover, serving the
// session's in-memory cover bytes, a data-URI-decoded cover, or a proxied
// fetch of a remote cover URL.
func (g *Gateway) serveCover(w http.ResponseWriter, r *http.Request) {
	zoneID, err := strconv.Atoi(chi.URLParam(r, "zoneID"))
	if err != nil {
		http.Error(w, "bad zone id", http.StatusBadRequest)
		return
	}
	session, ok := g.sessions.Session(zoneID)
	if !ok {
		http.Error(w, "zone has no active session", http.StatusNotFound)
		return
	}
	if len(session.Cover) > 0 {
		mime := session.CoverMIME
		if mime == "" {
			mime = "image/jpeg"
		}
		w.Header().Set("Content-Type", mime)
		w.Header().Set("Cache-Control", "max-age=3600")
		_, _ = w.Write(session.Cover)
		return
	}
	if session.Metadata.CoverURL == "" {
		http.Error(w, "no cover art", http.StatusNotFound)
		return
	}
	g.proxyGet(w, r.Context(), session.Metadata.CoverURL, nil)
}

// writeFlusher is an io.Writer that can be flushed downstream, satisfied
// by flusherWriter and by icyWriter (which wraps one).
type writeFlusher interface {
	Write([]byte) (int, error)
	Flush()
}

// flusherWriter adapts an http.ResponseWriter into a writeFlusher.
type flusherWriter struct {
	w http.ResponseWriter
}

func (f *flusherWriter) Write(p []byte) (int, error) { return f.w.Write(p) }
func (f *flusherWriter) Flush() {
	if fl, ok := f.w.(http.Flusher); ok {
		fl.Flush()
	}
}
