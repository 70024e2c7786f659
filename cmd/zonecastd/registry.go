package main

import (
	"sync"

	"github.com/micro-nova/zonecast/internal/announce"
	"github.com/micro-nova/zonecast/internal/group"
	"github.com/micro-nova/zonecast/internal/zone"
)

// groupLeaderRef breaks the construction cycle between audio.Manager
// (needs a GroupLeaderLookup) and group.Manager (needs a SessionLookup
// backed by the very audio.Manager being constructed): audio.NewManager
// is handed this ref before the group.Manager it forwards to exists, and
// set once that has been wired. Mirrors the teacher's ctrlRef pattern for
// its own forward-referenced stream-metadata callback.
type groupLeaderRef struct {
	mu sync.RWMutex
	gm *group.Manager
}

func (r *groupLeaderRef) set(gm *group.Manager) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gm = gm
}

// IsMixedGroupLeader satisfies audio.GroupLeaderLookup.
func (r *groupLeaderRef) IsMixedGroupLeader(zoneID int) bool {
	r.mu.RLock()
	gm := r.gm
	r.mu.RUnlock()
	if gm == nil {
		return false
	}
	return gm.IsMixedGroupLeader(zoneID)
}

// zoneRegistry holds every configured zone's Player, and is the single
// place that answers "what zones exist" for the admin API, announcement
// manager, and group manager collaborators — none of which outputs.Registry
// itself can answer, since it only tracks bound output drivers.
type zoneRegistry struct {
	mu      sync.RWMutex
	players map[int]*zone.Player
	enabled map[int]bool
}

func newZoneRegistry() *zoneRegistry {
	return &zoneRegistry{
		players: make(map[int]*zone.Player),
		enabled: make(map[int]bool),
	}
}

func (z *zoneRegistry) add(id int, enabled bool, p *zone.Player) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.players[id] = p
	z.enabled[id] = enabled
}

// Player satisfies group.PlayerLookup.
func (z *zoneRegistry) Player(zoneID int) (group.ZonePlayer, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	p, ok := z.players[zoneID]
	return p, ok
}

// announcePlayerLookup adapts zoneRegistry to announce.PlayerLookup, which
// declares its own ZonePlayer interface (structurally identical to
// group.ZonePlayer's, but a distinct named return type) over the same
// *zone.Player method set.
type announcePlayerLookup struct {
	z *zoneRegistry
}

func (a announcePlayerLookup) Player(zoneID int) (announce.ZonePlayer, bool) {
	p, ok := a.z.ZonePlayer(zoneID)
	return p, ok
}

// ZonePlayer returns the concrete *zone.Player, used for code paths (SSE
// fan-in, runCommand dispatch) that need the full Player API rather than
// group.ZonePlayer's narrow subset.
func (z *zoneRegistry) ZonePlayer(zoneID int) (*zone.Player, bool) {
	z.mu.RLock()
	defer z.mu.RUnlock()
	p, ok := z.players[zoneID]
	return p, ok
}

// EnabledZoneIDs satisfies announce.ZoneLister.
func (z *zoneRegistry) EnabledZoneIDs() []int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]int, 0, len(z.enabled))
	for id, ok := range z.enabled {
		if ok {
			out = append(out, id)
		}
	}
	return out
}

// ZoneIDs satisfies metrics.ZoneLister.
func (z *zoneRegistry) ZoneIDs() []int {
	z.mu.RLock()
	defer z.mu.RUnlock()
	out := make([]int, 0, len(z.players))
	for id := range z.players {
		out = append(out, id)
	}
	return out
}

// groupMembersAdapter satisfies announce.GroupMembers by treating a
// group id as its leader zone id, matching how GroupRecord is keyed.
type groupMembersAdapter struct {
	tracker *group.Tracker
}

func (a groupMembersAdapter) Members(groupID int) ([]int, bool) {
	rec, ok := a.tracker.ByLeader(groupID)
	if !ok {
		return nil, false
	}
	return rec.Members, true
}
