package engine

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

type cmdSpawner struct {
	name string
	args []string
}

func (c cmdSpawner) Spawn(ctx context.Context, input models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings) (*exec.Cmd, map[models.OutputProfile]io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, c.name, c.args...)
	// No data is ever produced on this reader — these tests exercise the
	// restart/give-up policy, not byte delivery.
	r, w := io.Pipe()
	go w.Close()
	outputs := map[models.OutputProfile]io.ReadCloser{profiles[0]: r}
	return cmd, outputs, nil
}

func restartableURLOpts(zoneID int) (models.PlaybackSource, []models.OutputProfile, models.AudioOutputSettings) {
	src := models.PlaybackSource{
		Kind: models.SourceURL,
		URL:  &models.URLSource{URL: "http://example.invalid/stream", RestartOnFailure: true},
	}
	return src, []models.OutputProfile{models.ProfilePCM}, models.DefaultAudioOutputSettings()
}

func TestProcessSupervisor_RestartsOnUnexpectedExit(t *testing.T) {
	spawner := cmdSpawner{name: "false"}
	input, profiles, settings := restartableURLOpts(1)
	fanouts := map[models.OutputProfile]*Fanout{models.ProfilePCM: NewFanout(1, models.ProfilePCM, 0, zerolog.Nop())}

	sup := newProcessSupervisor(1, spawner, input, profiles, settings, fanouts, zerolog.Nop())
	sup.maxBackoff = 50 * time.Millisecond
	sup.backoff = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	deadline := time.After(2 * time.Second)
	for sup.Restarts() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 2 restarts, got %d", sup.Restarts())
		case <-time.After(20 * time.Millisecond):
		}
	}

	sup.Stop(ReasonStop)
}

func TestProcessSupervisor_GivesUpAfterMaxFails(t *testing.T) {
	spawner := cmdSpawner{name: "false"}
	input, profiles, settings := restartableURLOpts(2)
	fanouts := map[models.OutputProfile]*Fanout{models.ProfilePCM: NewFanout(2, models.ProfilePCM, 0, zerolog.Nop())}

	sup := newProcessSupervisor(2, spawner, input, profiles, settings, fanouts, zerolog.Nop())
	sup.maxBackoff = 5 * time.Millisecond
	sup.backoff = 1 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	select {
	case ev := <-sup.Events():
		if ev.Reason != ReasonError {
			t.Errorf("Reason = %v, want %v", ev.Reason, ReasonError)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for give-up termination event")
	}
}

func TestProcessSupervisor_NonRestartableInputEmitsNoData(t *testing.T) {
	spawner := cmdSpawner{name: "true"}
	fanouts := map[models.OutputProfile]*Fanout{models.ProfilePCM: NewFanout(3, models.ProfilePCM, 0, zerolog.Nop())}
	input := models.PlaybackSource{Kind: models.SourceFile, File: &models.FileSource{Path: "/music/a.mp3"}}

	sup := newProcessSupervisor(3, spawner, input, []models.OutputProfile{models.ProfilePCM}, models.DefaultAudioOutputSettings(), fanouts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)

	select {
	case ev := <-sup.Events():
		if ev.Reason != ReasonNoData && ev.Reason != ReasonError {
			t.Errorf("Reason = %v, want NoData or Error for a non-restartable clean exit", ev.Reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for termination event")
	}
}
