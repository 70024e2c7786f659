package engine

import (
	"errors"
	"sync"

	"github.com/micro-nova/zonecast/internal/models"
)

// maxSubscribersPerFanout bounds the fixed-capacity subscriber arena: a
// fixed pool guarded by one mutex, extended into a generational-index
// arena so handoff migration is O(1) per subscriber and a reclaimed slot
// never aliases a stale handle.
const maxSubscribersPerFanout = 128

// ErrNoSubscriberSlot is returned when a fanout's arena is full.
var ErrNoSubscriberSlot = errors.New("engine: no free subscriber slot")

type subscriberSlot struct {
	used bool
	gen  uint64
	sub  *subscriber
}

// subscriberArena is a fixed-capacity, generation-tagged pool of
// subscriber records. Alloc/Free/Get are all O(1) amortized; ForEach
// iterates only occupied slots.
type subscriberArena struct {
	mu    sync.Mutex
	slots [maxSubscribersPerFanout]subscriberSlot
	next  int // next slot to probe, for round-robin allocation
}

func (a *subscriberArena) alloc(sub *subscriber) (models.SubscriberID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < maxSubscribersPerFanout; i++ {
		idx := (a.next + i) % maxSubscribersPerFanout
		if !a.slots[idx].used {
			a.slots[idx].used = true
			a.slots[idx].gen++
			a.slots[idx].sub = sub
			a.next = (idx + 1) % maxSubscribersPerFanout
			return models.SubscriberID{Slot: idx, Gen: a.slots[idx].gen}, nil
		}
	}
	return models.SubscriberID{}, ErrNoSubscriberSlot
}

func (a *subscriberArena) free(id models.SubscriberID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id.Slot < 0 || id.Slot >= maxSubscribersPerFanout {
		return
	}
	s := &a.slots[id.Slot]
	if s.used && s.gen == id.Gen {
		s.used = false
		s.sub = nil
	}
}

func (a *subscriberArena) get(id models.SubscriberID) (*subscriber, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id.Slot < 0 || id.Slot >= maxSubscribersPerFanout {
		return nil, false
	}
	s := &a.slots[id.Slot]
	if s.used && s.gen == id.Gen {
		return s.sub, true
	}
	return nil, false
}

// forEach calls fn for every occupied slot. fn must not call back into
// the arena.
func (a *subscriberArena) forEach(fn func(models.SubscriberID, *subscriber)) {
	a.mu.Lock()
	type entry struct {
		id  models.SubscriberID
		sub *subscriber
	}
	entries := make([]entry, 0, maxSubscribersPerFanout)
	for i := range a.slots {
		if a.slots[i].used {
			entries = append(entries, entry{models.SubscriberID{Slot: i, Gen: a.slots[i].gen}, a.slots[i].sub})
		}
	}
	a.mu.Unlock()
	for _, e := range entries {
		fn(e.id, e.sub)
	}
}

func (a *subscriberArena) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := range a.slots {
		if a.slots[i].used {
			n++
		}
	}
	return n
}

// drainAll removes every subscriber from the arena and returns them, used
// by handoff migration to move a fanout's whole subscriber set to a new
// producer without touching individual slots one at a time.
func (a *subscriberArena) drainAll() []*subscriber {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*subscriber, 0, maxSubscribersPerFanout)
	for i := range a.slots {
		if a.slots[i].used {
			out = append(out, a.slots[i].sub)
			a.slots[i].used = false
			a.slots[i].sub = nil
		}
	}
	return out
}
