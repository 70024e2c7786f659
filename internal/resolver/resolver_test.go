package resolver

import (
	"net/url"
	"testing"

	"github.com/micro-nova/zonecast/internal/models"
)

func TestResolve_File(t *testing.T) {
	src, err := Resolve("/music/track.mp3")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src.Kind != models.SourceFile || src.File.Path != "/music/track.mp3" {
		t.Errorf("got %+v, want file source at /music/track.mp3", src)
	}
}

func TestResolve_EmptyURI(t *testing.T) {
	if _, err := Resolve(""); err == nil {
		t.Error("expected error for empty uri")
	}
}

func TestResolve_Unknown(t *testing.T) {
	src, err := Resolve("spotify:track:abc")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src != nil {
		t.Errorf("expected nil for unrecognized scheme, got %+v", src)
	}
}

func TestResolve_RadioURL_GetsDecorated(t *testing.T) {
	src, err := Resolve("http://stream.example.com:8000/live")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src.Kind != models.SourceURL {
		t.Fatalf("expected url source, got %v", src.Kind)
	}
	if !src.URL.RealTime || !src.URL.RestartOnFailure {
		t.Errorf("radio url should set realTime+restartOnFailure, got %+v", src.URL)
	}
	if src.URL.Headers["Icy-MetaData"] != "1" {
		t.Errorf("radio url should carry Icy-MetaData header, got %+v", src.URL.Headers)
	}
}

func TestResolve_NonRadioURL_NotDecorated(t *testing.T) {
	src, err := Resolve("https://example.com/podcast/episode1.mp3")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src.URL.RestartOnFailure {
		t.Error("ordinary https file url should not be marked restartOnFailure")
	}
}

func TestResolve_Pipe(t *testing.T) {
	src, err := Resolve("pipe:///tmp/zone1.pcm?format=s24le")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if src.Kind != models.SourcePipe || src.Pipe.Format != models.PCMS24LE {
		t.Errorf("got %+v, want pipe source with s24le format", src)
	}
}

func TestIsRadioURL_M3U(t *testing.T) {
	if !IsRadioURL("https://example.com/station.m3u") {
		t.Error("expected .m3u playlist to be detected as radio")
	}
}

func TestIsProxyURL(t *testing.T) {
	u, _ := url.Parse("https://host/streams/proxy?u=http%3A%2F%2Fradio.example%2Fstream")
	if !IsProxyURL(u) {
		t.Error("expected /streams/proxy path to be detected as a proxy url")
	}
	u2, _ := url.Parse("https://host/music/track.mp3")
	if IsProxyURL(u2) {
		t.Error("did not expect /music/ path to be detected as a proxy url")
	}
}

func TestWithZoneID(t *testing.T) {
	base := models.URLSource{URL: "https://host/proxy/x"}
	decorated := WithZoneID(base, 5)
	if decorated.Headers["X-Zone-Id"] != "5" {
		t.Errorf("X-Zone-Id header = %q, want %q", decorated.Headers["X-Zone-Id"], "5")
	}
}
