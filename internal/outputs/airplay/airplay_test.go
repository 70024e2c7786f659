package airplay

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

func TestRawPayloader_SplitsAtMTU(t *testing.T) {
	buf := make([]byte, 3000)
	parts := rawPayloader{}.Payload(1400, buf)
	if len(parts) != 3 {
		t.Fatalf("len(parts) = %d, want 3", len(parts))
	}
	if len(parts[0]) != 1400 || len(parts[1]) != 1400 || len(parts[2]) != 200 {
		t.Errorf("part sizes = %d,%d,%d, want 1400,1400,200", len(parts[0]), len(parts[1]), len(parts[2]))
	}
}

func TestRawPayloader_UnderMTUReturnsSingleChunk(t *testing.T) {
	buf := make([]byte, 100)
	parts := rawPayloader{}.Payload(1400, buf)
	if len(parts) != 1 || len(parts[0]) != 100 {
		t.Fatalf("parts = %v, want single 100-byte chunk", parts)
	}
}

func TestDriver_GetPreferredOutputAndProtocol(t *testing.T) {
	d := New(1, "127.0.0.1:6000", nil, zerolog.Nop())
	pref := d.GetPreferredOutput()
	if pref.Profile != models.ProfilePCM || pref.SampleRate != sampleRate || pref.Channels != channels {
		t.Errorf("GetPreferredOutput() = %+v, want pcm/%d/%d", pref, sampleRate, channels)
	}
	if d.Protocol() != "airplay" {
		t.Errorf("Protocol() = %q, want airplay", d.Protocol())
	}
}

func TestDriver_PlayRejectsNonPipeSource(t *testing.T) {
	d := New(1, "127.0.0.1:6000", nil, zerolog.Nop())
	sess := &models.PlaybackSession{Source: models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: "/a.mp3"}}}
	if err := d.Play(context.Background(), sess); err == nil {
		t.Error("expected error playing a non-pipe source on the airplay driver")
	}
}

func TestDriver_SetVolumeTracksValue(t *testing.T) {
	d := New(1, "127.0.0.1:6000", nil, zerolog.Nop())
	if err := d.SetVolume(context.Background(), 42); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	d.mu.Lock()
	got := d.volume
	d.mu.Unlock()
	if got != 42 {
		t.Errorf("volume = %v, want 42", got)
	}
}

func TestDriver_DisposeWithoutPlayIsSafe(t *testing.T) {
	d := New(1, "127.0.0.1:6000", nil, zerolog.Nop())
	if err := d.Dispose(context.Background()); err != nil {
		t.Errorf("Dispose() error = %v", err)
	}
}
