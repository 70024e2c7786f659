// Package group tracks zone groups and replicates a leader's content and
// volume to its members, including heterogeneous-protocol ("mixed")
// groups that fall back to a PCM pipe tap instead of native multi-room
// joins.
package group

import (
	"sync"

	"github.com/micro-nova/zonecast/internal/events"
	"github.com/micro-nova/zonecast/internal/models"
)

// EventKind tags the variant of a Tracker change event.
type EventKind string

const (
	EventNew    EventKind = "new"
	EventUpdate EventKind = "update"
	EventRemove EventKind = "remove"
)

// Event is published whenever Upsert or Remove changes tracker state.
type Event struct {
	Kind          EventKind
	Group         models.GroupRecord
	PrevMembers   []int
	MembersAdded  []int
	MembersRemoved []int
}

// Tracker stores GroupRecords indexed by leader, member, and external id,
// and emits change events on every upsert/remove.
type Tracker struct {
	mu         sync.RWMutex
	byLeader   map[int]models.GroupRecord
	memberOf   map[int]int // member zone id -> leader zone id
	byExternal map[string]int // external id -> leader zone id
	bus        *events.Bus[Event]
}

// NewTracker creates an empty, process-wide group tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byLeader:   make(map[int]models.GroupRecord),
		memberOf:   make(map[int]int),
		byExternal: make(map[string]int),
		bus:        events.NewBus[Event](),
	}
}

// Subscribe returns this tracker's change-event channel.
func (t *Tracker) Subscribe(id string) (<-chan Event, func()) {
	ch := t.bus.Subscribe(id)
	return ch, func() { t.bus.Unsubscribe(id) }
}

// ByLeader returns the group led by zoneID, if any.
func (t *Tracker) ByLeader(zoneID int) (models.GroupRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.byLeader[zoneID]
	return g, ok
}

// ByMember returns the group zoneID belongs to (as leader or member).
func (t *Tracker) ByMember(zoneID int) (models.GroupRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if g, ok := t.byLeader[zoneID]; ok {
		return g, true
	}
	leader, ok := t.memberOf[zoneID]
	if !ok {
		return models.GroupRecord{}, false
	}
	g, ok := t.byLeader[leader]
	return g, ok
}

// ByExternalID returns the group mirrored in from a native backend under
// the given external id (e.g. a discovered Sonos S2 group).
func (t *Tracker) ByExternalID(id string) (models.GroupRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	leader, ok := t.byExternal[id]
	if !ok {
		return models.GroupRecord{}, false
	}
	g, ok := t.byLeader[leader]
	return g, ok
}

// All returns every tracked group.
func (t *Tracker) All() []models.GroupRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.GroupRecord, 0, len(t.byLeader))
	for _, g := range t.byLeader {
		out = append(out, g)
	}
	return out
}

// Upsert normalizes rec (leader present in Members, sorted, leader
// first), stores it, and emits new/update as appropriate. Returns the
// normalized record.
func (t *Tracker) Upsert(rec models.GroupRecord) (models.GroupRecord, error) {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return models.GroupRecord{}, err
	}

	t.mu.Lock()
	prev, existed := t.byLeader[rec.Leader]
	if existed {
		for _, m := range prev.Members {
			if m != prev.Leader {
				delete(t.memberOf, m)
			}
		}
	}
	if prev.ExternalID != "" {
		delete(t.byExternal, prev.ExternalID)
	}

	t.byLeader[rec.Leader] = rec
	for _, m := range rec.NonLeaderMembers() {
		t.memberOf[m] = rec.Leader
	}
	if rec.ExternalID != "" {
		t.byExternal[rec.ExternalID] = rec.Leader
	}
	t.mu.Unlock()

	kind := EventUpdate
	if !existed {
		kind = EventNew
	}
	added, removed := diffMembers(prev.Members, rec.Members)
	t.bus.Publish(Event{Kind: kind, Group: rec, PrevMembers: prev.Members, MembersAdded: added, MembersRemoved: removed})
	return rec, nil
}

// Remove deletes the group led by zoneID and emits a remove event.
func (t *Tracker) Remove(zoneID int) (models.GroupRecord, bool) {
	t.mu.Lock()
	rec, ok := t.byLeader[zoneID]
	if !ok {
		t.mu.Unlock()
		return models.GroupRecord{}, false
	}
	delete(t.byLeader, zoneID)
	for _, m := range rec.Members {
		if m != rec.Leader {
			delete(t.memberOf, m)
		}
	}
	if rec.ExternalID != "" {
		delete(t.byExternal, rec.ExternalID)
	}
	t.mu.Unlock()

	t.bus.Publish(Event{Kind: EventRemove, Group: rec, PrevMembers: rec.Members})
	return rec, true
}

func diffMembers(prev, next []int) (added, removed []int) {
	prevSet := make(map[int]bool, len(prev))
	for _, m := range prev {
		prevSet[m] = true
	}
	nextSet := make(map[int]bool, len(next))
	for _, m := range next {
		nextSet[m] = true
		if !prevSet[m] {
			added = append(added, m)
		}
	}
	for _, m := range prev {
		if !nextSet[m] {
			removed = append(removed, m)
		}
	}
	return added, removed
}
