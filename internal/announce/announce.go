// Package announce implements PA-style announcement interrupts: save each
// target zone's current playback and volume, switch it to a temporary
// announcement stream, wait for that stream to finish, then restore
// what was playing before. It adapts the teacher's five-step
// save/play/wait/cleanup/restore state machine onto this project's
// ZonePlayer and AudioManager rather than the teacher's preset system,
// since an announcement to a mixed-protocol group must flow through the
// same coordinator tap as any other cross-protocol group playback.
package announce

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
	"github.com/micro-nova/zonecast/internal/resolver"
)

const (
	pollInterval      = 100 * time.Millisecond
	startGraceTimeout = 5 * time.Second
	maxDuration       = 10 * time.Minute
)

// ZonePlayer is the subset of zone.Player an announcement drives directly.
// *zone.Player satisfies this implicitly.
type ZonePlayer interface {
	PlayExternal(ctx context.Context, label string, src models.PlaybackSource, metadata models.PlaybackMetadata, startAtSec float64, primaryProfile models.OutputProfile) error
	PlayURI(ctx context.Context, src models.PlaybackSource, metadata models.PlaybackMetadata, startAtSec float64, primaryProfile models.OutputProfile) error
	Stop(discardSubscribers bool)
	State() models.PlaybackState
}

// PlayerLookup resolves a zone id to its ZonePlayer. cmd/zonecastd wires
// an announcePlayerLookup adapter over its zone registry for this.
type PlayerLookup interface {
	Player(zoneID int) (ZonePlayer, bool)
}

// SessionLookup resolves a zone's current playback session, used to
// snapshot pre-announcement state and to detect when the announcement
// stream itself has finished. *audio.Manager satisfies this implicitly.
type SessionLookup interface {
	Session(zoneID int) (models.PlaybackSession, bool)
}

// VolumeController reads and writes a zone's driver-reported volume.
// *outputs.Registry satisfies this implicitly.
type VolumeController interface {
	GetVolume(zoneID int) (float64, bool)
	SetVolume(ctx context.Context, zoneID int, percent float64) error
}

// ZoneLister enumerates every currently enabled zone id, used when a
// Request names neither zones nor groups.
type ZoneLister interface {
	EnabledZoneIDs() []int
}

// GroupMembers resolves a group id to its member zone ids.
type GroupMembers interface {
	Members(groupID int) ([]int, bool)
}

// AnnouncementRecorder is notified once per completed announcement, for
// metrics.Recorder.RecordAnnouncement.
type AnnouncementRecorder interface {
	RecordAnnouncement()
}

// Request describes one PA-style announcement.
type Request struct {
	Media    string  // resolvable URI for the announcement audio
	ZoneIDs  []int   // explicit target zones; empty means "use GroupIDs, or all enabled zones"
	GroupIDs []int   // target every member zone of these groups
	VolumePct *float64 // absolute target volume; nil uses VolumeScale instead
	VolumeScale float64 // relative volume scale applied to each zone's current volume when VolumePct is nil
}

// savedZone captures one target zone's pre-announcement state, enough to
// restore it afterward.
type savedZone struct {
	hadSession bool
	session    models.PlaybackSession
	volume     float64
	hadVolume  bool
}

// Manager runs announcements across a set of zones.
type Manager struct {
	players  PlayerLookup
	sessions SessionLookup
	volumes  VolumeController
	zones    ZoneLister
	groups   GroupMembers
	metrics  AnnouncementRecorder
	log      zerolog.Logger
}

// New creates an announcement Manager. metrics may be nil.
func New(players PlayerLookup, sessions SessionLookup, volumes VolumeController, zones ZoneLister, groups GroupMembers, metrics AnnouncementRecorder, log zerolog.Logger) *Manager {
	return &Manager{
		players:  players,
		sessions: sessions,
		volumes:  volumes,
		zones:    zones,
		groups:   groups,
		metrics:  metrics,
		log:      log.With().Str("component", "announce").Logger(),
	}
}

// Run executes req's full five-step sequence, blocking until the
// announcement completes, times out, or ctx is canceled. It always
// attempts to restore saved state before returning, even on error.
func (m *Manager) Run(ctx context.Context, req Request) error {
	if req.Media == "" {
		return fmt.Errorf("announce: media uri is required")
	}
	targets, err := m.resolveTargets(req)
	if err != nil {
		return err
	}

	saved := m.saveState(targets)
	defer m.restoreState(ctx, saved)

	src, perr := resolveAnnouncementSource(req.Media)
	if perr != nil {
		return perr
	}

	if err := m.startAnnouncement(ctx, targets, saved, req, src); err != nil {
		return err
	}

	if err := m.waitForCompletion(ctx, targets); err != nil {
		return err
	}

	if m.metrics != nil {
		m.metrics.RecordAnnouncement()
	}
	return nil
}

func (m *Manager) resolveTargets(req Request) ([]int, error) {
	set := make(map[int]bool)
	for _, z := range req.ZoneIDs {
		set[z] = true
	}
	for _, g := range req.GroupIDs {
		if m.groups == nil {
			continue
		}
		if members, ok := m.groups.Members(g); ok {
			for _, z := range members {
				set[z] = true
			}
		}
	}
	if len(set) == 0 && m.zones != nil {
		for _, z := range m.zones.EnabledZoneIDs() {
			set[z] = true
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("announce: no target zones resolved")
	}
	out := make([]int, 0, len(set))
	for z := range set {
		out = append(out, z)
	}
	return out, nil
}

func (m *Manager) saveState(targets []int) map[int]savedZone {
	saved := make(map[int]savedZone, len(targets))
	for _, zoneID := range targets {
		var sv savedZone
		if session, ok := m.sessions.Session(zoneID); ok {
			sv.hadSession = true
			sv.session = session
		}
		if m.volumes != nil {
			if vol, ok := m.volumes.GetVolume(zoneID); ok {
				sv.hadVolume = true
				sv.volume = vol
			}
		}
		saved[zoneID] = sv
	}
	return saved
}

func (m *Manager) startAnnouncement(ctx context.Context, targets []int, saved map[int]savedZone, req Request, src models.PlaybackSource) error {
	for _, zoneID := range targets {
		player, ok := m.players.Player(zoneID)
		if !ok {
			continue
		}
		if m.volumes != nil {
			vol := announcementVolume(req, saved[zoneID])
			if err := m.volumes.SetVolume(ctx, zoneID, vol); err != nil {
				m.log.Warn().Err(err).Int("zone_id", zoneID).Msg("announce: set volume failed")
			}
		}
		md := models.PlaybackMetadata{Title: "Announcement"}
		if err := player.PlayExternal(ctx, "announcement", src, md, 0, models.ProfileMP3); err != nil {
			return fmt.Errorf("announce: zone %d: %w", zoneID, err)
		}
	}
	return nil
}

func announcementVolume(req Request, sv savedZone) float64 {
	if req.VolumePct != nil {
		return *req.VolumePct
	}
	scale := req.VolumeScale
	if scale <= 0 {
		scale = 1
	}
	if sv.hadVolume {
		return clampPercent(sv.volume * scale)
	}
	return clampPercent(50 * scale)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// waitForCompletion mirrors the teacher's two-phase poll: first wait up to
// startGraceTimeout for at least one zone to report playing, then wait
// for every target zone to report stopped (or to lose its session
// entirely, which Stop/termination both produce).
func (m *Manager) waitForCompletion(ctx context.Context, targets []int) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	startDeadline := time.Now().Add(startGraceTimeout)
	started := false
	for !started {
		select {
		case <-ctx.Done():
			return fmt.Errorf("announce: canceled")
		case <-ticker.C:
			if time.Now().After(startDeadline) {
				return fmt.Errorf("announce: stream failed to start")
			}
			for _, zoneID := range targets {
				if session, ok := m.sessions.Session(zoneID); ok && session.State == models.StatePlaying {
					started = true
					break
				}
			}
		}
	}

	deadline := time.Now().Add(maxDuration)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("announce: canceled")
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("announce: timeout exceeded")
			}
			if m.allFinished(targets) {
				return nil
			}
		}
	}
}

func (m *Manager) allFinished(targets []int) bool {
	for _, zoneID := range targets {
		session, ok := m.sessions.Session(zoneID)
		if !ok {
			continue
		}
		if session.State == models.StatePlaying {
			return false
		}
	}
	return true
}

// restoreState replays each target zone's saved session and volume,
// stopping zones that had nothing playing beforehand.
func (m *Manager) restoreState(ctx context.Context, saved map[int]savedZone) {
	for zoneID, sv := range saved {
		player, ok := m.players.Player(zoneID)
		if !ok {
			continue
		}
		if !sv.hadSession {
			player.Stop(false)
			continue
		}
		md := sv.session.Metadata
		startAt := sv.session.ElapsedSec
		if err := player.PlayURI(ctx, sv.session.Source, md, startAt, primaryProfileOf(sv.session)); err != nil {
			m.log.Warn().Err(err).Int("zone_id", zoneID).Msg("announce: restore playback failed")
		}
		if sv.session.State == models.StatePaused {
			player.Stop(false)
		}
		if m.volumes != nil && sv.hadVolume {
			if err := m.volumes.SetVolume(ctx, zoneID, sv.volume); err != nil {
				m.log.Warn().Err(err).Int("zone_id", zoneID).Msg("announce: restore volume failed")
			}
		}
	}
}

func primaryProfileOf(session models.PlaybackSession) models.OutputProfile {
	for _, p := range session.Profiles {
		if p != models.ProfilePCM {
			return p
		}
	}
	if len(session.Profiles) > 0 {
		return session.Profiles[0]
	}
	return models.ProfileMP3
}

// resolveAnnouncementSource builds a PlaybackSource for the announcement
// media URI, delegating scheme handling to the same resolver every other
// playback path uses.
func resolveAnnouncementSource(uri string) (models.PlaybackSource, error) {
	src, err := resolver.Resolve(uri)
	if err != nil {
		return models.PlaybackSource{}, fmt.Errorf("announce: resolve media: %w", err)
	}
	if src == nil {
		return models.PlaybackSource{}, fmt.Errorf("announce: unrecognized media uri %q", uri)
	}
	return *src, nil
}
