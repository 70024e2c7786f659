package engine

import (
	"context"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

// pipeSpawner is a test Spawner that runs a real, harmless subprocess
// (so the supervisor's process-group management exercises real syscalls)
// while feeding profile output through an in-memory pipe the test
// controls directly, decoupling subprocess lifecycle from byte delivery.
type pipeSpawner struct {
	mu       sync.Mutex
	calls    int
	cmdName  string
	cmdArgs  []string
	pipeR    *io.PipeReader
	pipeW    *io.PipeWriter
}

func newPipeSpawner() *pipeSpawner {
	r, w := io.Pipe()
	return &pipeSpawner{cmdName: "sleep", cmdArgs: []string{"30"}, pipeR: r, pipeW: w}
}

func (p *pipeSpawner) Spawn(ctx context.Context, input models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings) (*exec.Cmd, map[models.OutputProfile]io.ReadCloser, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	cmd := exec.CommandContext(ctx, p.cmdName, p.cmdArgs...)
	outputs := make(map[models.OutputProfile]io.ReadCloser, len(profiles))
	for _, prof := range profiles {
		outputs[prof] = p.pipeR
	}
	return cmd, outputs, nil
}

func (p *pipeSpawner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func fileOpts(zoneID int, path string) StartOptions {
	return StartOptions{
		ZoneID:   zoneID,
		Input:    models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: path}},
		Profiles: []models.OutputProfile{models.ProfileMP3},
		Settings: models.DefaultAudioOutputSettings(),
	}
}

func TestTranscodeEngine_StartAndCreateStream(t *testing.T) {
	spawner := newPipeSpawner()
	eng := NewTranscodeEngine(spawner, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := fileOpts(1, "/music/track.mp3")
	if err := eng.Start(ctx, opts); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !eng.HasSession(1) {
		t.Fatal("HasSession(1) = false after Start")
	}

	sub, err := eng.CreateStream(1, models.ProfileMP3, false, "renderer-1")
	if err != nil {
		t.Fatalf("CreateStream() error = %v", err)
	}

	go func() {
		spawner.pipeW.Write([]byte("mp3-bytes"))
	}()

	select {
	case chunk := <-sub.Chunks():
		if string(chunk) != "mp3-bytes" {
			t.Errorf("chunk = %q, want %q", chunk, "mp3-bytes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	eng.Stop(1, ReasonStop, false)
	if eng.HasSession(1) {
		t.Error("HasSession(1) = true after Stop")
	}
}

func TestTranscodeEngine_StartReusesIdenticalSession(t *testing.T) {
	spawner := newPipeSpawner()
	eng := NewTranscodeEngine(spawner, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := fileOpts(2, "/music/track.mp3")
	if err := eng.Start(ctx, opts); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := eng.Start(ctx, opts); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	if n := spawner.callCount(); n != 1 {
		t.Errorf("spawner called %d times, want 1 (session should be reused)", n)
	}

	eng.Stop(2, ReasonStop, false)
}

func TestTranscodeEngine_StartReconfiguresOnDifferentInput(t *testing.T) {
	spawner := newPipeSpawner()
	eng := NewTranscodeEngine(spawner, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx, fileOpts(3, "/music/a.mp3")); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	if err := eng.Start(ctx, fileOpts(3, "/music/b.mp3")); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	if n := spawner.callCount(); n != 2 {
		t.Errorf("spawner called %d times, want 2 (different input should reconfigure)", n)
	}

	eng.Stop(3, ReasonStop, false)
}

func TestTranscodeEngine_CreateStreamWithoutSessionFails(t *testing.T) {
	spawner := newPipeSpawner()
	eng := NewTranscodeEngine(spawner, zerolog.Nop())

	if _, err := eng.CreateStream(99, models.ProfileMP3, false, "x"); err == nil {
		t.Error("expected error creating a stream with no session running")
	}
}

func TestTranscodeEngine_GetSessionStatsAfterWrite(t *testing.T) {
	spawner := newPipeSpawner()
	eng := NewTranscodeEngine(spawner, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := fileOpts(4, "/music/track.mp3")
	if err := eng.Start(ctx, opts); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	sub, err := eng.CreateStream(4, models.ProfileMP3, false, "r")
	if err != nil {
		t.Fatalf("CreateStream() error = %v", err)
	}

	go spawner.pipeW.Write([]byte("abcdefghij"))
	select {
	case <-sub.Chunks():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chunk")
	}

	// Give the fanout write a moment to land before reading stats.
	time.Sleep(50 * time.Millisecond)

	stats := eng.GetSessionStats(4)
	s, ok := stats[models.ProfileMP3]
	if !ok {
		t.Fatal("expected mp3 stats entry")
	}
	if s.Bytes != 10 {
		t.Errorf("Bytes = %d, want 10", s.Bytes)
	}
	if s.Subscribers != 1 {
		t.Errorf("Subscribers = %d, want 1", s.Subscribers)
	}

	eng.Stop(4, ReasonStop, false)
}
