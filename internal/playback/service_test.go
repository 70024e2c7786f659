package playback

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/engine"
	"github.com/micro-nova/zonecast/internal/models"
)

type pipeSpawner struct {
	pipeR *io.PipeReader
	pipeW *io.PipeWriter
}

func newPipeSpawner() *pipeSpawner {
	r, w := io.Pipe()
	return &pipeSpawner{pipeR: r, pipeW: w}
}

func (p *pipeSpawner) Spawn(ctx context.Context, input models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings) (*exec.Cmd, map[models.OutputProfile]io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "sleep", "30")
	out := make(map[models.OutputProfile]io.ReadCloser, len(profiles))
	for _, prof := range profiles {
		out[prof] = p.pipeR
	}
	return cmd, out, nil
}

func TestService_StartAndSubscribe(t *testing.T) {
	spawner := newPipeSpawner()
	eng := engine.NewTranscodeEngine(spawner, zerolog.Nop())
	svc := New(eng, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: "/music/a.mp3"}}
	if err := svc.Start(ctx, 1, src, []models.OutputProfile{models.ProfileMP3}, models.DefaultAudioOutputSettings()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !svc.HasSession(1) {
		t.Fatal("HasSession(1) = false after Start")
	}

	sub, err := svc.Subscribe(1, models.ProfileMP3, false, "renderer-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	go spawner.pipeW.Write([]byte("chunk"))
	select {
	case chunk := <-sub.Chunks():
		if string(chunk) != "chunk" {
			t.Errorf("chunk = %q, want %q", chunk, "chunk")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	svc.Stop(1, engine.ReasonStop, false)
	if svc.HasSession(1) {
		t.Error("HasSession(1) = true after Stop")
	}
}

func TestService_SubscribeWithoutSessionFails(t *testing.T) {
	spawner := newPipeSpawner()
	eng := engine.NewTranscodeEngine(spawner, zerolog.Nop())
	svc := New(eng, zerolog.Nop())

	if _, err := svc.Subscribe(99, models.ProfileMP3, false, "x"); err == nil {
		t.Error("expected error subscribing with no session running")
	}
}

func TestService_StatsAfterWrite(t *testing.T) {
	spawner := newPipeSpawner()
	eng := engine.NewTranscodeEngine(spawner, zerolog.Nop())
	svc := New(eng, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: "/music/a.mp3"}}
	if err := svc.Start(ctx, 2, src, []models.OutputProfile{models.ProfileMP3}, models.DefaultAudioOutputSettings()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sub, err := svc.Subscribe(2, models.ProfileMP3, false, "r")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	go spawner.pipeW.Write([]byte("abcdefghij"))
	select {
	case <-sub.Chunks():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}
	time.Sleep(50 * time.Millisecond)

	stats := svc.Stats(2)
	s, ok := stats[models.ProfileMP3]
	if !ok {
		t.Fatal("expected mp3 stats entry")
	}
	if s.Bytes != 10 {
		t.Errorf("Bytes = %d, want 10", s.Bytes)
	}
	svc.Stop(2, engine.ReasonStop, false)
}
