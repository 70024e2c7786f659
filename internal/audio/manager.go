// Package audio owns the per-zone PlaybackSession and is the single
// mutator of that state: every change is serialized through apply,
// mirroring the deep-copy/mutate/publish pattern used across this
// codebase for shared state.
package audio

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/engine"
	"github.com/micro-nova/zonecast/internal/events"
	"github.com/micro-nova/zonecast/internal/models"
	"github.com/micro-nova/zonecast/internal/resolver"
)

// SessionEvent is published to the manager's bus on every session mutation.
type SessionEvent struct {
	ZoneID  int
	Session models.PlaybackSession
	Removed bool
}

// OutputCapabilities tells the manager what a zone's active output driver
// wants, so profile selection can pick pcm/mp3/aac appropriately.
type OutputCapabilities interface {
	PreferredOutput(zoneID int) (models.PreferredOutput, bool)
}

// GroupLeaderLookup tells the manager whether a zone is currently the
// leader of a mixed-protocol group, which additionally requires a pcm
// local tap alongside its normal renderer profile.
type GroupLeaderLookup interface {
	IsMixedGroupLeader(zoneID int) bool
}

const (
	handoffTimeout   = 12 * time.Second
	pipeRestartDelay = 250 * time.Millisecond
)

// Manager owns every zone's PlaybackSession and is the only writer of
// that state. All mutation goes through apply.
type Manager struct {
	mu       sync.Mutex
	sessions map[int]*models.PlaybackSession

	engine   *engine.TranscodeEngine
	bus      *events.Bus[SessionEvent]
	notifier models.OutputErrorNotifier
	outputs  OutputCapabilities
	groups   GroupLeaderLookup
	log      zerolog.Logger

	stopWatch context.CancelFunc
}

// NewManager wires a Manager to its engine and collaborators. outputs and
// groups may be nil; sane defaults are used (mp3-only, never a leader).
func NewManager(eng *engine.TranscodeEngine, notifier models.OutputErrorNotifier, outputs OutputCapabilities, groups GroupLeaderLookup, log zerolog.Logger) *Manager {
	m := &Manager{
		sessions: make(map[int]*models.PlaybackSession),
		engine:   eng,
		bus:      events.NewBus[SessionEvent](),
		notifier: notifier,
		outputs:  outputs,
		groups:   groups,
		log:      log.With().Str("component", "audio_manager").Logger(),
	}
	return m
}

// Run drains the engine's termination events until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	m.stopWatch = cancel
	for {
		select {
		case ev := <-m.engine.Terminations():
			m.handleTermination(ev)
		case <-runCtx.Done():
			return
		}
	}
}

// Subscribe returns a channel of every zone's session events, along with
// an unsubscribe func the caller must invoke when done listening.
func (m *Manager) Subscribe(id string) (<-chan SessionEvent, func()) {
	ch := m.bus.Subscribe(id)
	return ch, func() { m.bus.Unsubscribe(id) }
}

// Session returns a copy of the current session for a zone, or the zero
// value with ok=false if none exists.
func (m *Manager) Session(zoneID int) (models.PlaybackSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[zoneID]
	if !ok {
		return models.PlaybackSession{}, false
	}
	return deepCopySession(*cur), true
}

// PlayOptions describes a playUri/playExternal request after the caller
// has already resolved the URI (or supplied an external source directly).
type PlayOptions struct {
	ZoneID     int
	Source     models.PlaybackSource
	Metadata   models.PlaybackMetadata
	StartAtSec float64
	Label      string
}

// Play decorates the source, selects output profiles, decides whether the
// existing engine session can be reused, and updates the zone's
// PlaybackSession accordingly.
func (m *Manager) Play(ctx context.Context, opts PlayOptions) (models.PlaybackSession, error) {
	src := m.decorateSource(opts.ZoneID, opts.Source)

	startAt := opts.StartAtSec
	if src.Kind == models.SourceFile || src.Kind == models.SourceURL {
		startAt = models.ClampStartAt(startAt, opts.Metadata.DurationSec)
	}
	if opts.Metadata.IsRadio || src.Kind == models.SourcePipe {
		startAt = 0
	}

	profiles := m.selectProfiles(opts.ZoneID)
	settings := models.DefaultAudioOutputSettings()

	m.mu.Lock()
	cur, hasSession := m.sessions[opts.ZoneID]
	var prevSource models.PlaybackSource
	var prevProfiles []models.OutputProfile
	var prevSettings models.AudioOutputSettings
	var hadEngine bool
	if hasSession {
		prevSource = cur.Source
		prevProfiles = cur.Profiles
		prevSettings = cur.OutputSettings
		hadEngine = m.engineHasSessionLocked(opts.ZoneID)
	}
	m.mu.Unlock()

	sameSource := hasSession && prevSource.Equivalent(src)
	sameOutputs := sameSource && profilesEqual(prevProfiles, profiles) && prevSettings == settings
	canReuse := sameSource && sameOutputs && hadEngine

	// Same source + same outputs + live engine: reuse it untouched. A
	// settings/profile change reconfigures; a different source, or a lost
	// engine (e.g. post-pause), starts fresh — engine.Start already stops
	// any prior session for the zone before spawning.
	if !canReuse {
		if err := m.engine.Start(ctx, engine.StartOptions{
			ZoneID: opts.ZoneID, Input: src, Profiles: profiles, Settings: settings,
		}); err != nil {
			return models.PlaybackSession{}, err
		}
	}

	now := time.Now()
	return m.apply(opts.ZoneID, func(s *models.PlaybackSession) error {
		if !canReuse {
			s.Stream = models.NewStreamHandle(opts.ZoneID)
		}
		s.SourceLabel = opts.Label
		s.Source = src
		s.Metadata = opts.Metadata
		s.Profiles = profiles
		s.OutputSettings = settings
		s.HasPCMTap = containsProfile(profiles, models.ProfilePCM)
		s.State = models.StatePlaying
		s.ElapsedSec = startAt
		s.DurationSec = opts.Metadata.DurationSec
		s.StartedAt = now.Add(-time.Duration(startAt * float64(time.Second)))
		s.UpdatedAt = now
		return nil
	})
}

// PlayWithHandoff starts a new engine session via StartWithHandoff,
// migrating subscribers once the new session's primaryProfile has
// produced its first chunk, then updates the session state. Used for
// gapless cross-track transitions on providers that require it.
func (m *Manager) PlayWithHandoff(ctx context.Context, opts PlayOptions, primaryProfile models.OutputProfile) (models.PlaybackSession, error) {
	src := m.decorateSource(opts.ZoneID, opts.Source)
	profiles := m.selectProfiles(opts.ZoneID)
	settings := models.DefaultAudioOutputSettings()

	err := m.engine.StartWithHandoff(ctx, engine.StartOptions{
		ZoneID: opts.ZoneID, Input: src, Profiles: profiles, Settings: settings,
	}, primaryProfile, handoffTimeout)
	if err != nil {
		return models.PlaybackSession{}, err
	}

	now := time.Now()
	return m.apply(opts.ZoneID, func(s *models.PlaybackSession) error {
		s.Stream = models.NewStreamHandle(opts.ZoneID)
		s.SourceLabel = opts.Label
		s.Source = src
		s.Metadata = opts.Metadata
		s.Profiles = profiles
		s.OutputSettings = settings
		s.HasPCMTap = containsProfile(profiles, models.ProfilePCM)
		s.State = models.StatePlaying
		s.ElapsedSec = 0
		s.DurationSec = opts.Metadata.DurationSec
		s.StartedAt = now
		s.UpdatedAt = now
		return nil
	})
}

// Pause keeps the engine alive (subscribers stay attached) and freezes
// the session's elapsed time at the current playback position.
func (m *Manager) Pause(zoneID int) (models.PlaybackSession, error) {
	return m.apply(zoneID, func(s *models.PlaybackSession) error {
		if s.State == models.StatePlaying {
			s.ElapsedSec = math.Round(time.Since(s.StartedAt).Seconds())
		}
		s.State = models.StatePaused
		s.UpdatedAt = time.Now()
		return nil
	})
}

// Resume rebases startedAt to continue from the frozen elapsed position.
// If the engine session was lost (e.g. an idle/subscriber-less timeout
// tore it down), Resume rebuilds it from the stored source at the
// resume offset.
func (m *Manager) Resume(ctx context.Context, zoneID int) (models.PlaybackSession, error) {
	m.mu.Lock()
	cur, ok := m.sessions[zoneID]
	if !ok {
		m.mu.Unlock()
		return models.PlaybackSession{}, errNoSession(zoneID)
	}
	session := deepCopySession(*cur)
	hasEngine := m.engineHasSessionLocked(zoneID)
	m.mu.Unlock()

	if !hasEngine {
		resumeSrc := withResumeOffset(session.Source, models.ClampStartAt(session.ElapsedSec, session.DurationSec))
		if err := m.engine.Start(ctx, engine.StartOptions{
			ZoneID: zoneID, Input: resumeSrc, Profiles: session.Profiles, Settings: session.OutputSettings,
		}); err != nil {
			return models.PlaybackSession{}, err
		}
	}

	now := time.Now()
	return m.apply(zoneID, func(s *models.PlaybackSession) error {
		s.StartedAt = now.Add(-time.Duration(s.ElapsedSec * float64(time.Second)))
		s.State = models.StatePlaying
		s.UpdatedAt = now
		return nil
	})
}

// Stop tears down the engine session and removes the zone's playback
// session from the map.
func (m *Manager) Stop(zoneID int, discardSubscribers bool) {
	m.engine.Stop(zoneID, engine.ReasonStop, discardSubscribers)
	m.remove(zoneID)
}

// UpdateCover replaces the session's cover blob, returning the public
// cover URL the caller should serve unchanged (cover serving always reads
// from the live session).
func (m *Manager) UpdateCover(zoneID int, data []byte, mime string) (string, error) {
	s, err := m.apply(zoneID, func(s *models.PlaybackSession) error {
		s.Cover = data
		s.CoverMIME = mime
		s.UpdatedAt = time.Now()
		return nil
	})
	if err != nil {
		return "", err
	}
	return s.Stream.CoverURL(), nil
}

// UpdateRadioMetadata overwrites the session's artist/title, used for
// ICY titles observed mid-stream by OutputStreamProxy rather than known
// up front at Play time.
func (m *Manager) UpdateRadioMetadata(zoneID int, artist, title string) {
	_, _ = m.apply(zoneID, func(s *models.PlaybackSession) error {
		s.Metadata.Artist = artist
		s.Metadata.Title = title
		s.UpdatedAt = time.Now()
		return nil
	})
}

// decorateSource applies radio/proxy header decoration on top of whatever
// the resolver already attached, as a second safety net for sources
// handed in directly rather than produced via resolver.Resolve.
func (m *Manager) decorateSource(zoneID int, src models.PlaybackSource) models.PlaybackSource {
	if src.Kind != models.SourceURL || src.URL == nil {
		return src
	}
	cp := *src.URL
	if resolver.IsRadioURL(cp.URL) {
		cp.RealTime = true
		cp.RestartOnFailure = true
		if cp.Headers == nil {
			cp.Headers = map[string]string{}
		}
		if _, ok := cp.Headers["Icy-MetaData"]; !ok {
			cp.Headers["Icy-MetaData"] = "1"
		}
	}
	if u, err := url.Parse(cp.URL); err == nil && resolver.IsProxyURL(u) {
		cp = resolver.WithZoneID(cp, zoneID)
	}
	out := src
	out.URL = &cp
	return out
}

// selectProfiles implements profile selection: pcm when the output driver
// requires it, otherwise mp3 (or aac when preferred); mixed-group leaders
// additionally get a pcm profile for local taps.
func (m *Manager) selectProfiles(zoneID int) []models.OutputProfile {
	profile := models.ProfileMP3
	if m.outputs != nil {
		if pref, ok := m.outputs.PreferredOutput(zoneID); ok {
			switch pref.Profile {
			case models.ProfilePCM:
				return m.withLeaderTap(zoneID, []models.OutputProfile{models.ProfilePCM})
			case models.ProfileAAC:
				profile = models.ProfileAAC
			}
		}
	}
	return m.withLeaderTap(zoneID, []models.OutputProfile{profile})
}

func (m *Manager) withLeaderTap(zoneID int, profiles []models.OutputProfile) []models.OutputProfile {
	if m.groups == nil || !m.groups.IsMixedGroupLeader(zoneID) {
		return profiles
	}
	if containsProfile(profiles, models.ProfilePCM) {
		return profiles
	}
	return append(profiles, models.ProfilePCM)
}

// handleTermination implements the engine-termination callback behaviors.
func (m *Manager) handleTermination(ev engine.TerminationEvent) {
	if ev.Reason == engine.ReasonPause {
		return
	}

	m.mu.Lock()
	cur, ok := m.sessions[ev.ZoneID]
	var session models.PlaybackSession
	if ok {
		session = deepCopySession(*cur)
		delete(m.sessions, ev.ZoneID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.bus.Publish(SessionEvent{ZoneID: ev.ZoneID, Session: session, Removed: true})

	if session.State == models.StatePlaying && (ev.ExitCode != 0 || ev.Err != nil) {
		if m.notifier != nil {
			m.notifier.NotifyOutputError(ev.ZoneID, describeTermination(ev))
		}
	}

	if session.Source.Kind == models.SourcePipe && session.Source.Pipe != nil && !ev.Reason.Suppressed() {
		m.scheduleSelfHeal(ev.ZoneID, session)
		return
	}

	if !session.Metadata.IsRadio && session.DurationSec > 0 && session.ElapsedSec >= session.DurationSec-1 {
		if m.notifier != nil {
			m.notifier.NotifyOutputError(ev.ZoneID, "ended")
		}
	}
}

// scheduleSelfHeal restarts a flaky pipe-fed session 250 ms after an
// unexpected exit, provided its pipe source has a stream attached; whether
// that stream has since been closed is not checked.
func (m *Manager) scheduleSelfHeal(zoneID int, session models.PlaybackSession) {
	time.AfterFunc(pipeRestartDelay, func() {
		if session.Source.Pipe.Stream == nil {
			return
		}
		if err := m.engine.Start(context.Background(), engine.StartOptions{
			ZoneID: zoneID, Input: session.Source, Profiles: session.Profiles, Settings: session.OutputSettings,
		}); err != nil {
			m.log.Warn().Err(err).Int("zone_id", zoneID).Msg("pipe self-heal restart failed")
			return
		}
		if _, err := m.apply(zoneID, func(s *models.PlaybackSession) error {
			*s = session
			s.UpdatedAt = time.Now()
			return nil
		}); err != nil {
			m.log.Warn().Err(err).Int("zone_id", zoneID).Msg("pipe self-heal session restore failed")
		}
	})
}

func (m *Manager) apply(zoneID int, fn func(*models.PlaybackSession) error) (models.PlaybackSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next models.PlaybackSession
	if cur, ok := m.sessions[zoneID]; ok {
		next = deepCopySession(*cur)
	} else {
		next = models.PlaybackSession{ZoneID: zoneID, State: models.StateStopped}
	}

	if err := fn(&next); err != nil {
		return models.PlaybackSession{}, err
	}

	m.sessions[zoneID] = &next
	result := deepCopySession(next)
	m.bus.Publish(SessionEvent{ZoneID: zoneID, Session: result})
	return result, nil
}

func (m *Manager) remove(zoneID int) {
	m.mu.Lock()
	cur, ok := m.sessions[zoneID]
	var session models.PlaybackSession
	if ok {
		session = deepCopySession(*cur)
		delete(m.sessions, zoneID)
	}
	m.mu.Unlock()
	if ok {
		m.bus.Publish(SessionEvent{ZoneID: zoneID, Session: session, Removed: true})
	}
}

func (m *Manager) engineHasSessionLocked(zoneID int) bool {
	return m.engine.HasSession(zoneID)
}

func deepCopySession(s models.PlaybackSession) models.PlaybackSession {
	cp := s
	if s.Profiles != nil {
		cp.Profiles = append([]models.OutputProfile(nil), s.Profiles...)
	}
	if s.Cover != nil {
		cp.Cover = append([]byte(nil), s.Cover...)
	}
	if s.Metadata.Queue != nil {
		cp.Metadata.Queue = append([]string(nil), s.Metadata.Queue...)
	}
	return cp
}

func containsProfile(profiles []models.OutputProfile, target models.OutputProfile) bool {
	for _, p := range profiles {
		if p == target {
			return true
		}
	}
	return false
}

func profilesEqual(a, b []models.OutputProfile) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func describeTermination(ev engine.TerminationEvent) string {
	if ev.Err != nil {
		return ev.Err.Error()
	}
	if ev.ExitSignal != "" {
		return "terminated by signal " + ev.ExitSignal
	}
	return "exit code " + strconv.Itoa(ev.ExitCode)
}

func errNoSession(zoneID int) error {
	return fmt.Errorf("audio: no session for zone %d", zoneID)
}

// withResumeOffset returns a copy of src with its startAtSec field set to
// offset, used to rebuild a lost engine session at the paused position.
func withResumeOffset(src models.PlaybackSource, offset float64) models.PlaybackSource {
	switch src.Kind {
	case models.SourceFile:
		if src.File == nil {
			return src
		}
		cp := *src.File
		cp.StartAtSec = offset
		out := src
		out.File = &cp
		return out
	case models.SourceURL:
		if src.URL == nil {
			return src
		}
		cp := *src.URL
		cp.StartAtSec = offset
		out := src
		out.URL = &cp
		return out
	default:
		return src
	}
}
