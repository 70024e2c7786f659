package group

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/events"
	"github.com/micro-nova/zonecast/internal/models"
)

// ZonePlayer is the subset of zone.Player the group manager needs to
// replicate content and tear down members. *zone.Player satisfies this
// implicitly.
type ZonePlayer interface {
	PlayURI(ctx context.Context, src models.PlaybackSource, metadata models.PlaybackMetadata, startAtSec float64, primaryProfile models.OutputProfile) error
	PlayExternal(ctx context.Context, label string, src models.PlaybackSource, metadata models.PlaybackMetadata, startAtSec float64, primaryProfile models.OutputProfile) error
	Stop(discardSubscribers bool)
	State() models.PlaybackState
}

// PlayerLookup resolves a zone id to its ZonePlayer.
type PlayerLookup interface {
	Player(zoneID int) (ZonePlayer, bool)
}

// SessionLookup resolves a zone id to its current playback session.
// *audio.Manager satisfies this implicitly.
type SessionLookup interface {
	Session(zoneID int) (models.PlaybackSession, bool)
}

// VolumeController reads and writes a zone's current driver-reported
// volume. Implemented by whatever owns output driver state.
type VolumeController interface {
	GetVolume(zoneID int) (float64, bool)
	SetVolume(ctx context.Context, zoneID int, percent float64) error
}

// ProtocolLookup reports which output driver protocol family a zone is
// currently bound to, used to detect heterogeneous ("mixed") groups.
type ProtocolLookup interface {
	Protocol(zoneID int) (string, bool)
}

// AirPlayCoordinator joins/leaves a native AirPlay speaker group, used
// opportunistically when every member happens to be an AirPlay output.
type AirPlayCoordinator interface {
	Join(ctx context.Context, leader int, members []int) error
	Leave(ctx context.Context, leader int) error
}

// AudioSyncGroupPayload is broadcast to the notifier on every group
// change, mirroring the shape group-aware UIs poll or subscribe to.
type AudioSyncGroupPayload struct {
	Leader     int
	Members    []int
	VolumePct  float64
	Mute       bool
	SourceName string
}

const maxVolumeIterations = 10

// Manager owns group replication and volume algorithms. It reacts to
// Tracker events by pushing content to members and, for heterogeneous
// groups, delegating to a MixedGroupCoordinator.
type Manager struct {
	tracker  *Tracker
	players  PlayerLookup
	sessions SessionLookup
	volumes  VolumeController
	protos   ProtocolLookup
	airplay  AirPlayCoordinator
	mixed    *MixedGroupCoordinator
	bus      *events.Bus[AudioSyncGroupPayload]
	log      zerolog.Logger
}

// NewManager wires a Manager to its Tracker and collaborators. airplay
// and mixed may be nil if those capabilities are not yet available.
func NewManager(tracker *Tracker, players PlayerLookup, sessions SessionLookup, volumes VolumeController, protos ProtocolLookup, airplay AirPlayCoordinator, mixed *MixedGroupCoordinator, log zerolog.Logger) *Manager {
	return &Manager{
		tracker:  tracker,
		players:  players,
		sessions: sessions,
		volumes:  volumes,
		protos:   protos,
		airplay:  airplay,
		mixed:    mixed,
		bus:      events.NewBus[AudioSyncGroupPayload](),
		log:      log.With().Str("component", "group_manager").Logger(),
	}
}

// Subscribe returns the group-state broadcast channel.
func (m *Manager) Subscribe(id string) (<-chan AudioSyncGroupPayload, func()) {
	ch := m.bus.Subscribe(id)
	return ch, func() { m.bus.Unsubscribe(id) }
}

// Run drains tracker events until ctx is done, replicating content on
// new/update and tearing members down on remove.
func (m *Manager) Run(ctx context.Context) {
	ch, unsub := m.tracker.Subscribe("group-manager")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventNew, EventUpdate:
		if m.airplay != nil && m.allAirPlay(ev.Group) {
			if err := m.airplay.Join(ctx, ev.Group.Leader, ev.Group.NonLeaderMembers()); err != nil {
				m.log.Warn().Err(err).Int("leader", ev.Group.Leader).Msg("airplay group join failed")
			}
		}
		m.replicate(ctx, ev.Group)
	case EventRemove:
		if m.airplay != nil {
			if err := m.airplay.Leave(ctx, ev.Group.Leader); err != nil {
				m.log.Warn().Err(err).Int("leader", ev.Group.Leader).Msg("airplay group leave failed")
			}
		}
		for _, zid := range ev.Group.NonLeaderMembers() {
			if p, ok := m.players.Player(zid); ok {
				p.Stop(false)
			}
		}
		m.bus.Publish(AudioSyncGroupPayload{Leader: ev.Group.Leader})
	}
	m.broadcastGroupState()
}

func (m *Manager) allAirPlay(g models.GroupRecord) bool {
	if m.protos == nil {
		return false
	}
	for _, zid := range g.Members {
		proto, ok := m.protos.Protocol(zid)
		if !ok || proto != "airplay" {
			return false
		}
	}
	return true
}

func (m *Manager) isMixed(g models.GroupRecord) bool {
	if m.protos == nil || len(g.Members) < 2 {
		return false
	}
	leaderProto, ok := m.protos.Protocol(g.Leader)
	if !ok {
		return false
	}
	for _, zid := range g.NonLeaderMembers() {
		proto, ok := m.protos.Protocol(zid)
		if !ok || proto != leaderProto {
			return true
		}
	}
	return false
}

// replicate pushes the leader's current content to every member, taking
// the mixed-protocol pipe-tap path when the group is heterogeneous.
func (m *Manager) replicate(ctx context.Context, g models.GroupRecord) {
	sess, ok := m.sessions.Session(g.Leader)
	if !ok {
		return
	}

	if m.isMixed(g) && m.mixed != nil {
		if err := m.mixed.StartReplication(ctx, g, sess); err != nil {
			m.log.Warn().Err(err).Int("leader", g.Leader).Msg("mixed group replication failed")
		}
		return
	}

	for _, zid := range g.NonLeaderMembers() {
		p, ok := m.players.Player(zid)
		if !ok {
			continue
		}
		primary := models.ProfileMP3
		if len(sess.Profiles) > 0 {
			primary = sess.Profiles[0]
		}
		if err := p.PlayExternal(ctx, sess.SourceLabel, sess.Source, sess.Metadata, sess.ElapsedSec, primary); err != nil {
			m.log.Warn().Err(err).Int("zone_id", zid).Msg("group member replication failed")
		}
	}
}

// applyMasterVolume shifts every member's volume by the delta between
// target and the leader's current volume.
func (m *Manager) applyMasterVolume(ctx context.Context, leaderZoneID int, target float64) error {
	g, ok := m.tracker.ByLeader(leaderZoneID)
	if !ok {
		return fmt.Errorf("group: no group led by zone %d", leaderZoneID)
	}
	leaderVol, ok := m.volumes.GetVolume(leaderZoneID)
	if !ok {
		return fmt.Errorf("group: no volume known for leader zone %d", leaderZoneID)
	}
	delta := target - leaderVol
	for _, zid := range g.Members {
		vol, ok := m.volumes.GetVolume(zid)
		if !ok {
			continue
		}
		if err := m.volumes.SetVolume(ctx, zid, models.ClampVolume(vol+delta)); err != nil {
			return err
		}
	}
	m.broadcastGroupState()
	return nil
}

// applySpecGroupVolume implements the iterative group-volume algorithm:
// compute the delta between target and the members' mean volume, add it
// to every member (clamped to [0,100]), and redistribute any
// clamped-away "lost" delta across the still-unclamped members. Repeats
// until the lost delta is negligible or every member has clamped.
func (m *Manager) applySpecGroupVolume(ctx context.Context, leaderZoneID int, target float64) error {
	g, ok := m.tracker.ByLeader(leaderZoneID)
	if !ok {
		return fmt.Errorf("group: no group led by zone %d", leaderZoneID)
	}
	vols := make(map[int]float64, len(g.Members))
	for _, zid := range g.Members {
		v, ok := m.volumes.GetVolume(zid)
		if !ok {
			continue
		}
		vols[zid] = v
	}
	if len(vols) == 0 {
		return fmt.Errorf("group: no member volumes known for group %d", leaderZoneID)
	}

	unclamped := make(map[int]bool, len(vols))
	for zid := range vols {
		unclamped[zid] = true
	}

	for iter := 0; iter < maxVolumeIterations; iter++ {
		n := countTrue(unclamped)
		if n == 0 {
			break
		}
		// Spreading the mean's shortfall over only the unclamped members
		// gives each of them an equal share of the delta lost to clamping.
		remaining := (target - meanOf(vols)) * float64(len(vols)) / float64(n)
		if math.Abs(remaining) < 1e-4 {
			break
		}

		lost := 0.0

		for zid := range vols {
			if !unclamped[zid] {
				continue
			}
			raw := vols[zid] + remaining
			clamped := models.ClampVolume(raw)
			lost += raw - clamped
			vols[zid] = clamped
			if clamped != raw {
				unclamped[zid] = false
			}
		}
		if math.Abs(lost) < 1e-4 {
			break
		}
	}

	for zid, v := range vols {
		if err := m.volumes.SetVolume(ctx, zid, v); err != nil {
			return err
		}
	}
	m.broadcastGroupState()
	return nil
}

func countTrue(m map[int]bool) int {
	n := 0
	for _, v := range m {
		if v {
			n++
		}
	}
	return n
}

func meanOf(vols map[int]float64) float64 {
	if len(vols) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range vols {
		total += v
	}
	return total / float64(len(vols))
}

// broadcastGroupState emits an AudioSyncGroupPayload per tracked group.
func (m *Manager) broadcastGroupState() {
	for _, g := range m.tracker.All() {
		vol, _ := m.volumes.GetVolume(g.Leader)
		m.bus.Publish(AudioSyncGroupPayload{Leader: g.Leader, Members: g.Members, VolumePct: vol})
	}
}

// IsMixedGroupLeader satisfies audio.GroupLeaderLookup: true when zoneID
// leads a group whose members span more than one output protocol,
// meaning AudioManager must give it a PCM tap for the mixed coordinator.
func (m *Manager) IsMixedGroupLeader(zoneID int) bool {
	g, ok := m.tracker.ByLeader(zoneID)
	if !ok {
		return false
	}
	return m.isMixed(g)
}
