package group

import (
	"testing"
	"time"

	"github.com/micro-nova/zonecast/internal/models"
)

func TestTracker_UpsertEmitsNewThenUpdate(t *testing.T) {
	tr := NewTracker()
	ch, unsub := tr.Subscribe("t")
	defer unsub()

	rec := models.GroupRecord{Leader: 1, Members: []int{2, 3}}
	if _, err := tr.Upsert(rec); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	ev := next(t, ch)
	if ev.Kind != EventNew {
		t.Errorf("Kind = %v, want new", ev.Kind)
	}
	if len(ev.Group.Members) != 3 || ev.Group.Members[0] != 1 {
		t.Errorf("Members = %v, want leader-first [1 2 3]", ev.Group.Members)
	}

	rec2 := models.GroupRecord{Leader: 1, Members: []int{2, 3, 4}}
	if _, err := tr.Upsert(rec2); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	ev2 := next(t, ch)
	if ev2.Kind != EventUpdate {
		t.Errorf("Kind = %v, want update", ev2.Kind)
	}
	if len(ev2.MembersAdded) != 1 || ev2.MembersAdded[0] != 4 {
		t.Errorf("MembersAdded = %v, want [4]", ev2.MembersAdded)
	}
}

func TestTracker_UpsertAddsLeaderToMembers(t *testing.T) {
	tr := NewTracker()
	// Upsert normalizes a record whose Members omit the leader by adding it.
	rec := models.GroupRecord{Leader: 5, Members: nil}
	got, err := tr.Upsert(rec)
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if len(got.Members) != 1 || got.Members[0] != 5 {
		t.Errorf("Members = %v, want [5]", got.Members)
	}
}

func TestTracker_RemoveEmitsRemoveAndClearsIndexes(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Upsert(models.GroupRecord{Leader: 1, Members: []int{2, 3}, ExternalID: "sonos:abc"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	ch, unsub := tr.Subscribe("t")
	defer unsub()

	rec, ok := tr.Remove(1)
	if !ok {
		t.Fatal("Remove() ok = false, want true")
	}
	if rec.Leader != 1 {
		t.Errorf("removed Leader = %d, want 1", rec.Leader)
	}
	ev := next(t, ch)
	if ev.Kind != EventRemove {
		t.Errorf("Kind = %v, want remove", ev.Kind)
	}

	if _, ok := tr.ByMember(2); ok {
		t.Error("ByMember(2) ok = true after removal, want false")
	}
	if _, ok := tr.ByExternalID("sonos:abc"); ok {
		t.Error("ByExternalID still resolves after removal")
	}
}

func TestTracker_ByMemberResolvesThroughLeader(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Upsert(models.GroupRecord{Leader: 10, Members: []int{11, 12}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	g, ok := tr.ByMember(12)
	if !ok {
		t.Fatal("ByMember(12) ok = false, want true")
	}
	if g.Leader != 10 {
		t.Errorf("Leader = %d, want 10", g.Leader)
	}
}

func next(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tracker event")
		return Event{}
	}
}
