package audio

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/engine"
	"github.com/micro-nova/zonecast/internal/models"
)

// silentSpawner runs a real, harmless subprocess per session and never
// produces output, so these tests exercise session bookkeeping rather
// than byte delivery.
type silentSpawner struct {
	mu    sync.Mutex
	calls int
}

func (s *silentSpawner) Spawn(ctx context.Context, input models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings) (*exec.Cmd, map[models.OutputProfile]io.ReadCloser, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	cmd := exec.CommandContext(ctx, "sleep", "30")
	r, w := io.Pipe()
	go w.Close()
	outputs := make(map[models.OutputProfile]io.ReadCloser, len(profiles))
	for _, p := range profiles {
		outputs[p] = r
	}
	return cmd, outputs, nil
}

func (s *silentSpawner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestManager() (*Manager, *silentSpawner) {
	spawner := &silentSpawner{}
	eng := engine.NewTranscodeEngine(spawner, zerolog.Nop())
	return NewManager(eng, nil, nil, nil, zerolog.Nop()), spawner
}

func fileSource(path string) models.PlaybackSource {
	return models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: path}}
}

func TestManager_PlayStartsSession(t *testing.T) {
	m, spawner := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := m.Play(ctx, PlayOptions{ZoneID: 1, Source: fileSource("/music/a.mp3"), Metadata: models.PlaybackMetadata{DurationSec: 180}})
	if err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if sess.State != models.StatePlaying {
		t.Errorf("State = %v, want playing", sess.State)
	}
	if spawner.callCount() != 1 {
		t.Errorf("spawner called %d times, want 1", spawner.callCount())
	}

	m.Stop(1, false)
	if _, ok := m.Session(1); ok {
		t.Error("expected session removed after Stop")
	}
}

func TestManager_PlayReusesIdenticalSession(t *testing.T) {
	m, spawner := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := PlayOptions{ZoneID: 2, Source: fileSource("/music/a.mp3"), Metadata: models.PlaybackMetadata{DurationSec: 180}}
	if _, err := m.Play(ctx, opts); err != nil {
		t.Fatalf("first Play() error = %v", err)
	}
	if _, err := m.Play(ctx, opts); err != nil {
		t.Fatalf("second Play() error = %v", err)
	}
	if n := spawner.callCount(); n != 1 {
		t.Errorf("spawner called %d times, want 1 (session should be reused)", n)
	}
	m.Stop(2, false)
}

func TestManager_PlayDifferentSourceReconfigures(t *testing.T) {
	m, spawner := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Play(ctx, PlayOptions{ZoneID: 3, Source: fileSource("/music/a.mp3")}); err != nil {
		t.Fatalf("first Play() error = %v", err)
	}
	if _, err := m.Play(ctx, PlayOptions{ZoneID: 3, Source: fileSource("/music/b.mp3")}); err != nil {
		t.Fatalf("second Play() error = %v", err)
	}
	if n := spawner.callCount(); n != 2 {
		t.Errorf("spawner called %d times, want 2 (different source should reconfigure)", n)
	}
	m.Stop(3, false)
}

func TestManager_PauseFreezesElapsedThenResume(t *testing.T) {
	m, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Play(ctx, PlayOptions{ZoneID: 4, Source: fileSource("/music/a.mp3"), Metadata: models.PlaybackMetadata{DurationSec: 180}}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	paused, err := m.Pause(4)
	if err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if paused.State != models.StatePaused {
		t.Errorf("State = %v, want paused", paused.State)
	}

	resumed, err := m.Resume(ctx, 4)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if resumed.State != models.StatePlaying {
		t.Errorf("State = %v, want playing", resumed.State)
	}
	if resumed.ElapsedSec != paused.ElapsedSec {
		t.Errorf("ElapsedSec changed across resume: %v -> %v", paused.ElapsedSec, resumed.ElapsedSec)
	}
	m.Stop(4, false)
}

func TestManager_UpdateCover(t *testing.T) {
	m, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Play(ctx, PlayOptions{ZoneID: 5, Source: fileSource("/music/a.mp3")}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	url, err := m.UpdateCover(5, []byte{0xFF, 0xD8}, "image/jpeg")
	if err != nil {
		t.Fatalf("UpdateCover() error = %v", err)
	}
	if url == "" {
		t.Error("expected non-empty cover url")
	}
	sess, _ := m.Session(5)
	if sess.CoverMIME != "image/jpeg" {
		t.Errorf("CoverMIME = %q, want image/jpeg", sess.CoverMIME)
	}
	m.Stop(5, false)
}

func TestManager_HandleTermination_DropsSession(t *testing.T) {
	m, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Play(ctx, PlayOptions{ZoneID: 6, Source: fileSource("/music/a.mp3")}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	m.handleTermination(engine.TerminationEvent{ZoneID: 6, Reason: engine.ReasonError, ExitCode: 1})

	if _, ok := m.Session(6); ok {
		t.Error("expected session removed after non-paused termination")
	}
}

func TestManager_HandleTermination_PauseReasonKeepsSession(t *testing.T) {
	m, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Play(ctx, PlayOptions{ZoneID: 7, Source: fileSource("/music/a.mp3")}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	m.handleTermination(engine.TerminationEvent{ZoneID: 7, Reason: engine.ReasonPause})

	if _, ok := m.Session(7); !ok {
		t.Error("expected session preserved across a pause termination")
	}
	m.Stop(7, false)
}

func TestManager_DeepCopyIsolation(t *testing.T) {
	m, _ := newTestManager()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := m.Play(ctx, PlayOptions{ZoneID: 8, Source: fileSource("/music/a.mp3")}); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	sess, _ := m.Session(8)
	sess.Profiles[0] = models.ProfileAAC

	internal, _ := m.Session(8)
	if internal.Profiles[0] == models.ProfileAAC {
		t.Error("mutating a returned session leaked into manager state")
	}
	m.Stop(8, false)
}
