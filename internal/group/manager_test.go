package group

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/models"
)

type fakePlayer struct {
	mu      sync.Mutex
	played  []string
	stopped bool
}

func (p *fakePlayer) PlayURI(ctx context.Context, src models.PlaybackSource, metadata models.PlaybackMetadata, startAtSec float64, primaryProfile models.OutputProfile) error {
	return nil
}

func (p *fakePlayer) PlayExternal(ctx context.Context, label string, src models.PlaybackSource, metadata models.PlaybackMetadata, startAtSec float64, primaryProfile models.OutputProfile) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, label)
	return nil
}

func (p *fakePlayer) Stop(discardSubscribers bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *fakePlayer) State() models.PlaybackState { return models.StateStopped }

func (p *fakePlayer) wasStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakePlayers map[int]*fakePlayer

func (f fakePlayers) Player(zoneID int) (ZonePlayer, bool) {
	p, ok := f[zoneID]
	return p, ok
}

type fakeSessions map[int]models.PlaybackSession

func (f fakeSessions) Session(zoneID int) (models.PlaybackSession, bool) {
	s, ok := f[zoneID]
	return s, ok
}

type fakeVolumes struct {
	mu   sync.Mutex
	vols map[int]float64
}

func newFakeVolumes(vols map[int]float64) *fakeVolumes {
	return &fakeVolumes{vols: vols}
}

func (f *fakeVolumes) GetVolume(zoneID int) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vols[zoneID]
	return v, ok
}

func (f *fakeVolumes) SetVolume(ctx context.Context, zoneID int, percent float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vols[zoneID] = percent
	return nil
}

type fakeProtos map[int]string

func (f fakeProtos) Protocol(zoneID int) (string, bool) {
	p, ok := f[zoneID]
	return p, ok
}

func TestManager_ReplicateOnNewGroupPlaysMembers(t *testing.T) {
	tr := NewTracker()
	p2, p3 := &fakePlayer{}, &fakePlayer{}
	players := fakePlayers{2: p2, 3: p3}
	sessions := fakeSessions{1: {SourceLabel: "radio", Profiles: []models.OutputProfile{models.ProfileMP3}}}
	volumes := newFakeVolumes(map[int]float64{1: 50, 2: 50, 3: 50})
	protos := fakeProtos{1: "airplay", 2: "airplay", 3: "airplay"}

	mgr := NewManager(tr, players, sessions, volumes, protos, nil, nil, zerolog.Nop())

	ctx := context.Background()
	ch := mustSubscribe(t, tr)
	if _, err := tr.Upsert(models.GroupRecord{Leader: 1, Members: []int{2, 3}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	ev := next(t, ch)
	mgr.handle(ctx, ev)

	if len(p2.played) != 1 || p2.played[0] != "radio" {
		t.Errorf("p2.played = %v, want [radio]", p2.played)
	}
	if len(p3.played) != 1 {
		t.Errorf("p3.played = %v, want one play", p3.played)
	}
}

func TestManager_RemoveStopsNonLeaderMembers(t *testing.T) {
	tr := NewTracker()
	p2 := &fakePlayer{}
	players := fakePlayers{2: p2}
	volumes := newFakeVolumes(map[int]float64{1: 50, 2: 50})
	mgr := NewManager(tr, players, fakeSessions{}, volumes, nil, nil, nil, zerolog.Nop())

	ctx := context.Background()
	if _, err := tr.Upsert(models.GroupRecord{Leader: 1, Members: []int{2}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	rec, _ := tr.Remove(1)
	mgr.handle(ctx, Event{Kind: EventRemove, Group: rec})

	if !p2.wasStopped() {
		t.Error("expected member player to be stopped on group removal")
	}
}

func TestManager_ApplyMasterVolumeShiftsAllMembers(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Upsert(models.GroupRecord{Leader: 1, Members: []int{2, 3}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	volumes := newFakeVolumes(map[int]float64{1: 40, 2: 60, 3: 90})
	mgr := NewManager(tr, fakePlayers{}, fakeSessions{}, volumes, nil, nil, nil, zerolog.Nop())

	if err := mgr.applyMasterVolume(context.Background(), 1, 50); err != nil {
		t.Fatalf("applyMasterVolume() error = %v", err)
	}

	if v, _ := volumes.GetVolume(1); v != 50 {
		t.Errorf("leader volume = %v, want 50", v)
	}
	if v, _ := volumes.GetVolume(2); v != 70 {
		t.Errorf("member 2 volume = %v, want 70", v)
	}
	if v, _ := volumes.GetVolume(3); v != 100 {
		t.Errorf("member 3 volume = %v, want 100 (clamped)", v)
	}
}

func TestManager_ApplySpecGroupVolumeConvergesTowardTarget(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Upsert(models.GroupRecord{Leader: 1, Members: []int{2, 3}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	volumes := newFakeVolumes(map[int]float64{1: 20, 2: 40, 3: 60})
	mgr := NewManager(tr, fakePlayers{}, fakeSessions{}, volumes, nil, nil, nil, zerolog.Nop())

	if err := mgr.applySpecGroupVolume(context.Background(), 1, 50); err != nil {
		t.Fatalf("applySpecGroupVolume() error = %v", err)
	}

	total := 0.0
	for _, zid := range []int{1, 2, 3} {
		v, _ := volumes.GetVolume(zid)
		total += v
	}
	mean := total / 3
	if mean < 49.9 || mean > 50.1 {
		t.Errorf("mean volume = %v, want ~50", mean)
	}
}

func TestManager_IsMixedGroupLeader(t *testing.T) {
	tr := NewTracker()
	if _, err := tr.Upsert(models.GroupRecord{Leader: 1, Members: []int{2, 3}}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	protos := fakeProtos{1: "airplay", 2: "airplay", 3: "sonos"}
	mgr := NewManager(tr, fakePlayers{}, fakeSessions{}, newFakeVolumes(nil), protos, nil, nil, zerolog.Nop())

	if !mgr.IsMixedGroupLeader(1) {
		t.Error("IsMixedGroupLeader(1) = false, want true (heterogeneous protocols)")
	}
	if mgr.IsMixedGroupLeader(2) {
		t.Error("IsMixedGroupLeader(2) = true, want false (not a leader)")
	}
}

func mustSubscribe(t *testing.T, tr *Tracker) <-chan Event {
	t.Helper()
	ch, _ := tr.Subscribe("test-subscriber")
	return ch
}
