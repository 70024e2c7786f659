package engine

import (
	"testing"

	"github.com/micro-nova/zonecast/internal/models"
)

func TestSubscriberArena_AllocFreeReuse(t *testing.T) {
	var a subscriberArena
	sub := &subscriber{label: "one"}

	id, err := a.alloc(sub)
	if err != nil {
		t.Fatalf("alloc() error = %v", err)
	}
	got, ok := a.get(id)
	if !ok || got != sub {
		t.Fatalf("get() = %v, %v; want %v, true", got, ok, sub)
	}

	a.free(id)
	if _, ok := a.get(id); ok {
		t.Fatal("get() after free should fail")
	}

	// Re-allocating the same slot must bump the generation so the old id
	// cannot resolve to the new occupant. Allocation is round-robin, so the
	// probe start is moved back onto the freed slot.
	a.next = id.Slot
	sub2 := &subscriber{label: "two"}
	id2, err := a.alloc(sub2)
	if err != nil {
		t.Fatalf("alloc() #2 error = %v", err)
	}
	if id2.Slot == id.Slot && id2.Gen == id.Gen {
		t.Fatal("expected a new generation on slot reuse")
	}
	if _, ok := a.get(id); ok {
		t.Fatal("stale id should not resolve after slot reuse")
	}
}

func TestSubscriberArena_Full(t *testing.T) {
	var a subscriberArena
	for i := 0; i < maxSubscribersPerFanout; i++ {
		if _, err := a.alloc(&subscriber{}); err != nil {
			t.Fatalf("alloc() #%d failed: %v", i, err)
		}
	}
	if _, err := a.alloc(&subscriber{}); err != ErrNoSubscriberSlot {
		t.Fatalf("expected ErrNoSubscriberSlot, got %v", err)
	}
}

func TestSubscriberArena_ForEachAndCount(t *testing.T) {
	var a subscriberArena
	ids := make([]models.SubscriberID, 0, 5)
	for i := 0; i < 5; i++ {
		id, _ := a.alloc(&subscriber{})
		ids = append(ids, id)
	}
	if n := a.count(); n != 5 {
		t.Fatalf("count() = %d, want 5", n)
	}
	seen := 0
	a.forEach(func(models.SubscriberID, *subscriber) { seen++ })
	if seen != 5 {
		t.Fatalf("forEach visited %d, want 5", seen)
	}

	a.free(ids[0])
	if n := a.count(); n != 4 {
		t.Fatalf("count() after free = %d, want 4", n)
	}
}

func TestSubscriberArena_DrainAll(t *testing.T) {
	var a subscriberArena
	for i := 0; i < 3; i++ {
		a.alloc(&subscriber{})
	}
	drained := a.drainAll()
	if len(drained) != 3 {
		t.Fatalf("drainAll() returned %d, want 3", len(drained))
	}
	if n := a.count(); n != 0 {
		t.Fatalf("count() after drainAll = %d, want 0", n)
	}
}
