package models

import "context"

// PreferredOutput is what a driver wants the engine to produce for it.
type PreferredOutput struct {
	Profile    OutputProfile
	SampleRate int
	Channels   int
}

// HTTPPreferences is what a driver wants the stream gateway to do when
// serving its renderer.
type HTTPPreferences struct {
	Profile    HTTPProfile
	IcyEnabled bool
	IcyInterval int
	IcyName    string
}

// ZoneOutput is the capability interface every output driver (DLNA, Sonos,
// AirPlay, Chromecast, LAN sync, slave-player) implements identically.
// Drivers are re-entrant: a new Play during an active play replaces
// the current target without an intermediate error.
type ZoneOutput interface {
	Play(ctx context.Context, session *PlaybackSession) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
	SetVolume(ctx context.Context, percent float64) error
	UpdateMetadata(ctx context.Context, md PlaybackMetadata) error
	Dispose(ctx context.Context) error
	GetPreferredOutput() PreferredOutput
	GetHTTPPreferences() HTTPPreferences
	// Protocol identifies the driver family, used by MixedGroupCoordinator
	// to decide whether a group is homogeneous or must fall back to PCM
	// tap replication.
	Protocol() string
}

// OutputErrorNotifier is the single channel through which all
// user-visible output faults surface.
type OutputErrorNotifier interface {
	NotifyOutputError(zoneID int, reason string)
}
