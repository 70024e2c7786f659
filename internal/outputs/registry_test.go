package outputs

import (
	"context"
	"testing"

	"github.com/micro-nova/zonecast/internal/models"
)

type fakeOutput struct {
	protocol string
	pref     models.PreferredOutput
	volume   float64
	disposed bool
}

func (f *fakeOutput) Play(ctx context.Context, session *models.PlaybackSession) error { return nil }
func (f *fakeOutput) Pause(ctx context.Context) error                                 { return nil }
func (f *fakeOutput) Resume(ctx context.Context) error                                { return nil }
func (f *fakeOutput) Stop(ctx context.Context) error                                  { return nil }
func (f *fakeOutput) SetVolume(ctx context.Context, percent float64) error {
	f.volume = percent
	return nil
}
func (f *fakeOutput) UpdateMetadata(ctx context.Context, md models.PlaybackMetadata) error {
	return nil
}
func (f *fakeOutput) Dispose(ctx context.Context) error {
	f.disposed = true
	return nil
}
func (f *fakeOutput) GetPreferredOutput() models.PreferredOutput   { return f.pref }
func (f *fakeOutput) GetHTTPPreferences() models.HTTPPreferences   { return models.HTTPPreferences{} }
func (f *fakeOutput) Protocol() string                             { return f.protocol }

func TestRegistry_PreferredOutputAndProtocol(t *testing.T) {
	r := NewRegistry()
	out := &fakeOutput{protocol: "airplay", pref: models.PreferredOutput{Profile: models.ProfilePCM, SampleRate: 44100, Channels: 2}}
	r.Register(1, out)

	pref, ok := r.PreferredOutput(1)
	if !ok || pref.Profile != models.ProfilePCM {
		t.Errorf("PreferredOutput(1) = %v, %v", pref, ok)
	}
	proto, ok := r.Protocol(1)
	if !ok || proto != "airplay" {
		t.Errorf("Protocol(1) = %q, %v", proto, ok)
	}

	if _, ok := r.PreferredOutput(99); ok {
		t.Error("PreferredOutput(99) ok = true, want false for unregistered zone")
	}
}

func TestRegistry_SetVolumeCachesForGetVolume(t *testing.T) {
	r := NewRegistry()
	out := &fakeOutput{protocol: "sonos"}
	r.Register(5, out)

	if err := r.SetVolume(context.Background(), 5, 72); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	if out.volume != 72 {
		t.Errorf("driver volume = %v, want 72", out.volume)
	}
	v, ok := r.GetVolume(5)
	if !ok || v != 72 {
		t.Errorf("GetVolume(5) = %v, %v, want 72, true", v, ok)
	}
}

func TestRegistry_SetVolumeUnregisteredZoneErrors(t *testing.T) {
	r := NewRegistry()
	if err := r.SetVolume(context.Background(), 42, 50); err == nil {
		t.Error("expected error setting volume on unregistered zone")
	}
}

func TestRegistry_UnregisterClearsVolumeCache(t *testing.T) {
	r := NewRegistry()
	out := &fakeOutput{protocol: "dlna"}
	r.Register(2, out)
	if err := r.SetVolume(context.Background(), 2, 30); err != nil {
		t.Fatalf("SetVolume() error = %v", err)
	}
	r.Unregister(2)
	if _, ok := r.GetVolume(2); ok {
		t.Error("GetVolume(2) ok = true after Unregister, want false")
	}
}

func TestRegistry_DisposeAllCallsDispose(t *testing.T) {
	r := NewRegistry()
	out1 := &fakeOutput{}
	out2 := &fakeOutput{}
	r.Register(1, out1)
	r.Register(2, out2)

	r.DisposeAll(context.Background())

	if !out1.disposed || !out2.disposed {
		t.Error("expected both outputs disposed")
	}
	if _, ok := r.Output(1); ok {
		t.Error("Output(1) ok = true after DisposeAll")
	}
}
