package zone

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/audio"
	"github.com/micro-nova/zonecast/internal/engine"
	"github.com/micro-nova/zonecast/internal/models"
)

type silentSpawner struct{}

func (silentSpawner) Spawn(ctx context.Context, input models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings) (*exec.Cmd, map[models.OutputProfile]io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "sleep", "30")
	r, w := io.Pipe()
	go w.Close()
	outputs := make(map[models.OutputProfile]io.ReadCloser, len(profiles))
	for _, p := range profiles {
		outputs[p] = r
	}
	return cmd, outputs, nil
}

// immediateWaiter simulates a profile whose first chunk has already
// arrived, so tests don't have to wait out the 15 s barrier.
type immediateWaiter struct{}

func (immediateWaiter) WaitForFirstChunk(ctx context.Context, zoneID int, profile models.OutputProfile, timeout time.Duration) bool {
	return true
}

func newTestPlayer(zoneID int) *Player {
	eng := engine.NewTranscodeEngine(silentSpawner{}, zerolog.Nop())
	mgr := audio.NewManager(eng, nil, nil, nil, zerolog.Nop())
	return New(zoneID, mgr, immediateWaiter{}, zerolog.Nop())
}

func TestPlayer_PlayURIEmitsStartedAndMetadata(t *testing.T) {
	p := newTestPlayer(1)
	ch, unsub := p.Subscribe("t1")
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: "/music/a.mp3"}}
	if err := p.PlayURI(ctx, src, models.PlaybackMetadata{Title: "Track"}, 0, models.ProfileMP3); err != nil {
		t.Fatalf("PlayURI() error = %v", err)
	}

	var gotStarted, gotMetadata bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case EventStarted:
				gotStarted = true
			case EventMetadata:
				gotMetadata = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !gotStarted || !gotMetadata {
		t.Errorf("gotStarted=%v gotMetadata=%v, want both true", gotStarted, gotMetadata)
	}
	if p.State() != models.StatePlaying {
		t.Errorf("State() = %v, want playing", p.State())
	}
	p.Stop(false)
}

func TestPlayer_PauseResumeEmitsEvents(t *testing.T) {
	p := newTestPlayer(2)
	ch, unsub := p.Subscribe("t2")
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: "/music/a.mp3"}}
	if err := p.PlayURI(ctx, src, models.PlaybackMetadata{DurationSec: 180}, 0, models.ProfileMP3); err != nil {
		t.Fatalf("PlayURI() error = %v", err)
	}
	drain(t, ch, 2)

	if err := p.Pause(); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if ev := next(t, ch); ev.Kind != EventPaused {
		t.Errorf("Kind = %v, want paused", ev.Kind)
	}
	if p.State() != models.StatePaused {
		t.Errorf("State() = %v, want paused", p.State())
	}

	if err := p.Resume(ctx, models.ProfileMP3); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if ev := next(t, ch); ev.Kind != EventResumed {
		t.Errorf("Kind = %v, want resumed", ev.Kind)
	}
	if p.State() != models.StatePlaying {
		t.Errorf("State() = %v, want playing", p.State())
	}
	p.Stop(false)
}

func TestPlayer_StopEmitsStoppedAndResetsState(t *testing.T) {
	p := newTestPlayer(3)
	ch, unsub := p.Subscribe("t3")
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: "/music/a.mp3"}}
	if err := p.PlayURI(ctx, src, models.PlaybackMetadata{}, 0, models.ProfileMP3); err != nil {
		t.Fatalf("PlayURI() error = %v", err)
	}
	drain(t, ch, 2)

	p.Stop(false)
	if ev := next(t, ch); ev.Kind != EventStopped {
		t.Errorf("Kind = %v, want stopped", ev.Kind)
	}
	if p.State() != models.StateStopped {
		t.Errorf("State() = %v, want stopped", p.State())
	}
}

func drain(t *testing.T, ch <-chan Event, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		next(t, ch)
	}
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
