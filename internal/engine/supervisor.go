package engine

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

// Restart-policy constants: exponential backoff capped at roughly 16s.
const (
	defaultMaxFails    = 5
	defaultFastFailSec = 5.0
	defaultMaxBackoff  = 16 * time.Second
	backoffReset       = 30 * time.Second
	sigtermTimeout     = 3 * time.Second
	stderrRingBytes    = 8 * 1024
)

// TerminationReason tags why a zone's subprocess session ended, so the
// session owner can tell an intentional stop from an unexpected failure
// without string-sniffing an error.
type TerminationReason string

const (
	ReasonNone        TerminationReason = ""
	ReasonPause       TerminationReason = "pause"
	ReasonReconfigure TerminationReason = "reconfigure"
	ReasonHandoff     TerminationReason = "handoff"
	ReasonStop        TerminationReason = "stop"
	ReasonNoData      TerminationReason = "no_data"
	ReasonError       TerminationReason = "error"
)

// Suppressed reports whether this reason should NOT be interpreted as a
// failure by the session owner.
func (r TerminationReason) Suppressed() bool {
	switch r {
	case ReasonPause, ReasonReconfigure, ReasonHandoff:
		return true
	default:
		return false
	}
}

// TerminationEvent is what the supervisor emits on its event channel when
// a session ends — a message, not a callback reference: the supervisor
// has no pointer back into the session owner.
type TerminationEvent struct {
	ZoneID     int
	Reason     TerminationReason
	Err        error
	ExitCode   int
	ExitSignal string
}

// Spawner builds the subprocess for one zone session. It returns the
// command (not yet started) and one reader per requested output profile;
// the supervisor copies bytes from each reader into that profile's
// Fanout. This generalizes a single-output command builder into a
// multi-output pipeline.
type Spawner interface {
	Spawn(ctx context.Context, input models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings) (cmd *exec.Cmd, outputs map[models.OutputProfile]io.ReadCloser, err error)
}

// supervisorState is the restart-loop state machine:
// {idle, starting, running, restarting(backoffDeadline), terminating}.
type supervisorState int

const (
	stateIdle supervisorState = iota
	stateStarting
	stateRunning
	stateRestarting
	stateTerminating
)

// processSupervisor runs one zone's subprocess session with a restart
// policy driven by events (spawn-ok, child-exit, stop-request) rather
// than coroutine control flow.
type processSupervisor struct {
	zoneID       int
	spawner      Spawner
	input        models.PlaybackSource
	profiles     []models.OutputProfile
	settings     models.AudioOutputSettings
	restartable  bool // input.Kind==url && input.URL.RestartOnFailure
	maxBackoff   time.Duration
	log          zerolog.Logger
	fanouts      map[models.OutputProfile]*Fanout
	events       chan TerminationEvent
	firstChunkMu sync.Mutex
	firstChunk   map[models.OutputProfile]chan struct{}

	mu         sync.Mutex
	state      supervisorState
	currentPID int
	restarts   int
	failCount  int
	backoff    time.Duration
	stderr     *stderrRing
	lastErr    error
	lastExit   int
	lastSignal string
	stopCh     chan struct{}
	doneCh     chan struct{}
	running    bool
}

func newProcessSupervisor(zoneID int, spawner Spawner, input models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings, fanouts map[models.OutputProfile]*Fanout, log zerolog.Logger) *processSupervisor {
	restartable := input.Kind == models.SourceURL && input.URL != nil && input.URL.RestartOnFailure
	fc := make(map[models.OutputProfile]chan struct{}, len(profiles))
	for _, p := range profiles {
		fc[p] = make(chan struct{})
	}
	return &processSupervisor{
		zoneID:      zoneID,
		spawner:     spawner,
		input:       input,
		profiles:    profiles,
		settings:    settings,
		restartable: restartable,
		maxBackoff:  defaultMaxBackoff,
		log:         log.With().Int("zone", zoneID).Logger(),
		fanouts:     fanouts,
		events:      make(chan TerminationEvent, 1),
		firstChunk:  fc,
		backoff:     500 * time.Millisecond,
		stderr:      newStderrRing(stderrRingBytes),
	}
}

// Events returns the channel termination events are published on. There
// is at most one unconsumed event buffered; callers should drain it
// promptly.
func (s *processSupervisor) Events() <-chan TerminationEvent { return s.events }

// Start begins supervision. ctx cancellation stops it.
func (s *processSupervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true
	s.state = stateStarting
	s.mu.Unlock()
	go s.supervise(ctx)
}

// Stop requests termination with the given reason and waits for the
// supervision goroutine to exit.
func (s *processSupervisor) Stop(reason TerminationReason) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.state = stateTerminating
	stopCh := s.stopCh
	doneCh := s.doneCh
	s.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("engine: supervisor stop timed out")
	}
	s.emit(TerminationEvent{ZoneID: s.zoneID, Reason: reason})
}

func (s *processSupervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPID
}

func (s *processSupervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *processSupervisor) StderrTail() string { return s.stderr.String() }

func (s *processSupervisor) LastExit() (code int, signal string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExit, s.lastSignal, s.lastErr
}

// WaitForFirstChunk blocks until the given profile has emitted its first
// byte, the timeout elapses, or ctx is cancelled.
func (s *processSupervisor) WaitForFirstChunk(ctx context.Context, profile models.OutputProfile, timeout time.Duration) bool {
	s.firstChunkMu.Lock()
	ch, ok := s.firstChunk[profile]
	s.firstChunkMu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *processSupervisor) emit(ev TerminationEvent) {
	select {
	case s.events <- ev:
	default:
		// Previous event not yet consumed — replace it; only the most
		// recent termination matters to the owner.
		select {
		case <-s.events:
		default:
		}
		s.events <- ev
	}
}

func (s *processSupervisor) supervise(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.currentPID = 0
		doneCh := s.doneCh
		s.mu.Unlock()
		close(doneCh)
	}()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		if s.failCount >= defaultMaxFails {
			s.log.Error().Int("fails", s.failCount).Msg("engine: giving up after too many fast-fails")
			s.lastErr = errors.New("too many fast restarts")
			s.mu.Unlock()
			s.emit(TerminationEvent{ZoneID: s.zoneID, Reason: ReasonError, Err: s.lastErr})
			return
		}
		s.state = stateStarting
		s.mu.Unlock()

		cmd, outputs, err := s.spawner.Spawn(ctx, s.input, s.profiles, s.settings)
		if err != nil {
			s.log.Error().Err(err).Msg("engine: spawn failed")
			s.emit(TerminationEvent{ZoneID: s.zoneID, Reason: ReasonError, Err: err})
			return
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		stderrPipe, _ := cmd.StderrPipe()

		startTime := time.Now()
		s.log.Info().Str("cmd", cmd.Path).Msg("engine: starting subprocess")

		if err := cmd.Start(); err != nil {
			if isNotFoundError(err) {
				s.log.Error().Err(err).Msg("engine: binary not found, giving up")
				s.emit(TerminationEvent{ZoneID: s.zoneID, Reason: ReasonError, Err: err})
				return
			}
			s.log.Error().Err(err).Msg("engine: failed to start subprocess")
			s.mu.Lock()
			s.failCount++
			backoff := s.backoff
			s.backoff = minDuration(s.backoff*2, s.maxBackoff)
			s.mu.Unlock()
			s.sleepOrStop(ctx, backoff)
			continue
		}

		// The child has its own duplicated copies of any ExtraFiles (the
		// Spawner's per-profile output pipes) after fork; closing our
		// copies now lets Read on those pipes observe EOF once the child
		// itself closes them, instead of hanging until this process exits.
		for _, f := range cmd.ExtraFiles {
			f.Close()
		}

		pid := cmd.Process.Pid
		s.mu.Lock()
		s.currentPID = pid
		s.state = stateRunning
		s.mu.Unlock()
		s.log.Info().Int("pid", pid).Msg("engine: subprocess running")

		var wg sync.WaitGroup
		for profile, rc := range outputs {
			wg.Add(1)
			go s.pumpOutput(profile, rc, &wg)
		}
		if stderrPipe != nil {
			go io.Copy(s.stderr, stderrPipe)
		}

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		var exitErr error
		select {
		case exitErr = <-exitCh:
		case <-s.stopCh:
			killProcessGroup(pid, s.log)
			<-exitCh
			closeOutputs(outputs)
			wg.Wait()
			return
		case <-ctx.Done():
			killProcessGroup(pid, s.log)
			<-exitCh
			closeOutputs(outputs)
			wg.Wait()
			return
		}
		// The Spawner's output readers are not guaranteed to be tied to
		// the subprocess's own stdout (e.g. a local-tap PCM reader), so
		// close them explicitly once the process has exited rather than
		// relying on the OS to unblock pumpOutput.
		closeOutputs(outputs)
		wg.Wait()

		elapsed := time.Since(startTime)
		code, signal := exitStatus(exitErr)
		s.log.Info().Int("pid", pid).Dur("elapsed", elapsed).Err(exitErr).Msg("engine: subprocess exited")

		s.mu.Lock()
		s.currentPID = 0
		s.lastErr = exitErr
		s.lastExit = code
		s.lastSignal = signal
		if elapsed >= backoffReset {
			s.failCount = 0
			s.backoff = 500 * time.Millisecond
		} else if elapsed.Seconds() < defaultFastFailSec {
			s.failCount++
			s.backoff = minDuration(s.backoff*2, s.maxBackoff)
		} else {
			s.failCount = 0
		}
		backoff := s.backoff
		s.mu.Unlock()

		for _, f := range s.fanouts {
			f.End(exitErr)
		}

		if !s.restartable {
			reason := ReasonError
			if exitErr == nil {
				reason = ReasonNoData
			}
			s.emit(TerminationEvent{ZoneID: s.zoneID, Reason: reason, Err: exitErr, ExitCode: code, ExitSignal: signal})
			return
		}

		s.mu.Lock()
		s.restarts++
		s.state = stateRestarting
		s.mu.Unlock()
		s.sleepOrStop(ctx, backoff)
	}
}

func (s *processSupervisor) pumpOutput(profile models.OutputProfile, rc io.ReadCloser, wg *sync.WaitGroup) {
	defer wg.Done()
	defer rc.Close()
	fanout := s.fanouts[profile]
	buf := make([]byte, 32*1024)
	first := true
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if fanout != nil {
				fanout.Write(chunk)
			}
			if first {
				first = false
				s.firstChunkMu.Lock()
				ch := s.firstChunk[profile]
				s.firstChunkMu.Unlock()
				select {
				case <-ch:
				default:
					close(ch)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *processSupervisor) sleepOrStop(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-s.stopCh:
	case <-ctx.Done():
	}
}

func closeOutputs(outputs map[models.OutputProfile]io.ReadCloser) {
	for _, rc := range outputs {
		rc.Close()
	}
}

func killProcessGroup(pid int, log zerolog.Logger) {
	if pid <= 0 {
		return
	}
	log.Debug().Int("pid", pid).Msg("engine: sending SIGTERM to process group")
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		deadline := time.Now().Add(sigtermTimeout)
		for time.Now().Before(deadline) {
			if syscall.Kill(-pid, 0) != nil {
				close(done)
				return
			}
			time.Sleep(100 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(sigtermTimeout + 100*time.Millisecond):
		log.Warn().Int("pid", pid).Msg("engine: SIGTERM timed out, sending SIGKILL")
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "executable file not found") ||
		strings.Contains(msg, "no such file or directory") ||
		errors.Is(err, exec.ErrNotFound)
}

func exitStatus(err error) (code int, signal string) {
	if err == nil {
		return 0, ""
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, ws.Signal().String()
			}
			return ws.ExitStatus(), ""
		}
		return ee.ExitCode(), ""
	}
	return -1, ""
}
