// Package engine implements per-zone transcode subprocess supervision
// and subscriber fanout: exactly one producing subprocess per zone,
// fanned out to any number of renderer subscribers per output profile.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

// StartOptions configures a zone session.
type StartOptions struct {
	ZoneID   int
	Input    models.PlaybackSource
	Profiles []models.OutputProfile
	Settings models.AudioOutputSettings
}

// sameSession reports whether two StartOptions describe a session the
// engine can reuse without a respawn: an equivalent input source (per
// PlaybackSource.Equivalent) and an identical output signature.
func sameSession(a, b StartOptions) bool {
	if !a.Input.Equivalent(b.Input) {
		return false
	}
	if a.Settings != b.Settings {
		return false
	}
	if len(a.Profiles) != len(b.Profiles) {
		return false
	}
	for i := range a.Profiles {
		if a.Profiles[i] != b.Profiles[i] {
			return false
		}
	}
	return true
}

type zoneSession struct {
	opts       StartOptions
	supervisor *processSupervisor
	fanouts    map[models.OutputProfile]*Fanout
	ctx        context.Context
	cancel     context.CancelFunc
}

// localSession is a side session created by createLocalSession, with an
// independent lifecycle from the zone's main engine session, used by
// mixed-group tapping.
type localSession struct {
	supervisor *processSupervisor
	fanout     *Fanout
	ctx        context.Context
	cancel     context.CancelFunc
}

// TranscodeEngine owns exactly one subprocess session per zone and runs
// a supervisor-per-session state machine.
type TranscodeEngine struct {
	spawner Spawner
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[int]*zoneSession
	locals   map[string]*localSession

	// termCh fans out every session's termination event to the owner
	// (PlaybackService), keeping the supervisor decoupled from any direct
	// reference into AudioManager.
	termCh chan TerminationEvent
}

// NewTranscodeEngine creates an engine that spawns subprocesses via spawner.
func NewTranscodeEngine(spawner Spawner, log zerolog.Logger) *TranscodeEngine {
	return &TranscodeEngine{
		spawner:  spawner,
		log:      log,
		sessions: make(map[int]*zoneSession),
		locals:   make(map[string]*localSession),
		termCh:   make(chan TerminationEvent, 16),
	}
}

// Terminations returns the channel of session-termination events. The
// caller (PlaybackService) should drain it continuously.
func (e *TranscodeEngine) Terminations() <-chan TerminationEvent { return e.termCh }

// Start spawns (or reuses) a zone session. If a session is already
// running with an identical input+output signature it is left untouched;
// otherwise any existing session is stopped with ReasonReconfigure first.
func (e *TranscodeEngine) Start(ctx context.Context, opts StartOptions) error {
	e.mu.Lock()
	if existing, ok := e.sessions[opts.ZoneID]; ok {
		if sameSession(existing.opts, opts) {
			e.mu.Unlock()
			return nil
		}
		e.mu.Unlock()
		e.Stop(opts.ZoneID, ReasonReconfigure, false)
		e.mu.Lock()
	}

	sess, err := e.newSession(ctx, opts)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.sessions[opts.ZoneID] = sess
	e.mu.Unlock()

	sess.supervisor.Start(sess.ctx)
	go e.watch(sess)
	return nil
}

// StartWithHandoff starts a new session for the zone while the old one
// keeps feeding subscribers; once the new session's primary profile
// emits its first chunk (or handoffTimeout elapses), subscribers migrate
// atomically to the new session and the old one stops with
// ReasonHandoff. primaryProfile should be the profile the active
// renderer is consuming.
func (e *TranscodeEngine) StartWithHandoff(ctx context.Context, opts StartOptions, primaryProfile models.OutputProfile, handoffTimeout time.Duration) error {
	e.mu.Lock()
	old := e.sessions[opts.ZoneID]
	e.mu.Unlock()

	newSess, err := e.newSession(ctx, opts)
	if err != nil {
		return err
	}
	newSess.supervisor.Start(newSess.ctx)

	ok := newSess.supervisor.WaitForFirstChunk(ctx, primaryProfile, handoffTimeout)
	if !ok {
		newSess.cancel()
		newSess.supervisor.Stop(ReasonError)
		return fmt.Errorf("engine: handoff timed out waiting for first chunk on profile %s", primaryProfile)
	}

	if old != nil {
		for profile, oldFanout := range old.fanouts {
			if newFanout, ok := newSess.fanouts[profile]; ok {
				oldFanout.MigrateTo(newFanout)
			}
		}
	}

	e.mu.Lock()
	e.sessions[opts.ZoneID] = newSess
	e.mu.Unlock()
	go e.watch(newSess)

	if old != nil {
		old.cancel()
		old.supervisor.Stop(ReasonHandoff)
	}
	return nil
}

// Stop tears down the zone's session. When reason suppresses failure
// semantics (pause/reconfigure/handoff), subscribers are not told an
// error occurred. discardSubscribers forces every fanout to end with an
// error even on an otherwise-clean stop, used when the caller knows no
// renderer should keep listening (e.g. zone deleted).
func (e *TranscodeEngine) Stop(zoneID int, reason TerminationReason, discardSubscribers bool) {
	e.mu.Lock()
	sess, ok := e.sessions[zoneID]
	if ok {
		delete(e.sessions, zoneID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	sess.cancel()
	sess.supervisor.Stop(reason)
	if discardSubscribers {
		for _, f := range sess.fanouts {
			f.End(fmt.Errorf("engine: zone %d session discarded", zoneID))
		}
	}
}

// HasSession reports whether a session is currently running for zoneID.
func (e *TranscodeEngine) HasSession(zoneID int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[zoneID]
	return ok
}

// CreateStream registers a new subscriber on the zone's fanout for the
// given profile. Fails if no session is running.
func (e *TranscodeEngine) CreateStream(zoneID int, profile models.OutputProfile, primeWithBuffer bool, label string) (*subscriber, error) {
	e.mu.Lock()
	sess, ok := e.sessions[zoneID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("engine: no session running for zone %d", zoneID)
	}
	fanout, ok := sess.fanouts[profile]
	if !ok {
		return nil, fmt.Errorf("engine: zone %d has no fanout for profile %s", zoneID, profile)
	}
	return fanout.CreateSubscriber(label, primeWithBuffer, defaultSubscriberMaxBytes)
}

// WaitForFirstChunk resolves true once the profile has emitted its first
// byte, false on timeout.
func (e *TranscodeEngine) WaitForFirstChunk(ctx context.Context, zoneID int, profile models.OutputProfile, timeout time.Duration) bool {
	e.mu.Lock()
	sess, ok := e.sessions[zoneID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	return sess.supervisor.WaitForFirstChunk(ctx, profile, timeout)
}

// CreateLocalSession starts an independent side session (used by mixed-
// group PCM tapping) that is not part of the zone's main engine session
// and has its own lifecycle.
func (e *TranscodeEngine) CreateLocalSession(ctx context.Context, key string, source models.PlaybackSource, profile models.OutputProfile, settings models.AudioOutputSettings) (*Fanout, error) {
	sessCtx, cancel := context.WithCancel(ctx)
	fanout := NewFanout(-1, profile, settings.PrebufferBytes, e.log)
	sup := newProcessSupervisor(-1, e.spawner, source, []models.OutputProfile{profile}, settings, map[models.OutputProfile]*Fanout{profile: fanout}, e.log)
	sup.Start(sessCtx)

	e.mu.Lock()
	e.locals[key] = &localSession{supervisor: sup, fanout: fanout, ctx: sessCtx, cancel: cancel}
	e.mu.Unlock()
	return fanout, nil
}

// StopLocalSession tears down a side session created by CreateLocalSession.
func (e *TranscodeEngine) StopLocalSession(key string) {
	e.mu.Lock()
	ls, ok := e.locals[key]
	if ok {
		delete(e.locals, key)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	ls.cancel()
	ls.supervisor.Stop(ReasonStop)
	ls.fanout.End(nil)
}

// GetSessionStats returns per-profile runtime statistics for a zone.
func (e *TranscodeEngine) GetSessionStats(zoneID int) map[models.OutputProfile]models.EngineStats {
	e.mu.Lock()
	sess, ok := e.sessions[zoneID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	code, signal, lastErr := sess.supervisor.LastExit()
	out := make(map[models.OutputProfile]models.EngineStats, len(sess.fanouts))
	for profile, f := range sess.fanouts {
		bytesTotal, bps, buffered, subs := f.Stats()
		lastErrStr := ""
		if lastErr != nil {
			lastErrStr = lastErr.Error()
		}
		out[profile] = models.EngineStats{
			Profile:         profile,
			Bytes:           bytesTotal,
			BitsPerSecond:   bps * 8,
			BufferedBytes:   buffered,
			Subscribers:     subs,
			SubscriberDrops: f.TotalDrops(),
			Restarts:        sess.supervisor.Restarts(),
			LastError:       lastErrStr,
			LastStderr:      sess.supervisor.StderrTail(),
			LastExitCode:    code,
			LastExitSignal:  signal,
		}
	}
	return out
}

func (e *TranscodeEngine) newSession(parent context.Context, opts StartOptions) (*zoneSession, error) {
	if err := opts.Input.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	fanouts := make(map[models.OutputProfile]*Fanout, len(opts.Profiles))
	for _, p := range opts.Profiles {
		fanouts[p] = NewFanout(opts.ZoneID, p, opts.Settings.PrebufferBytes, e.log)
	}
	sup := newProcessSupervisor(opts.ZoneID, e.spawner, opts.Input, opts.Profiles, opts.Settings, fanouts, e.log)
	return &zoneSession{opts: opts, supervisor: sup, fanouts: fanouts, ctx: ctx, cancel: cancel}, nil
}

// watch forwards one session's termination event to the engine's shared
// channel, then removes it from the session table if it is still the
// current session for that zone (a handoff may have already replaced it).
func (e *TranscodeEngine) watch(sess *zoneSession) {
	select {
	case ev := <-sess.supervisor.Events():
		e.mu.Lock()
		if cur, ok := e.sessions[sess.opts.ZoneID]; ok && cur == sess {
			delete(e.sessions, sess.opts.ZoneID)
		}
		e.mu.Unlock()
		select {
		case e.termCh <- ev:
		default:
		}
	case <-sess.ctx.Done():
	}
}
