package models

// PlaybackMetadata is the now-playing metadata attached to a session.
type PlaybackMetadata struct {
	Title        string
	Artist       string
	Album        string
	CoverURL     string
	DurationSec  float64
	IsRadio      bool
	AudioPath    string
	TrackID      string
	Station      string
	StationIndex int
	Queue        []string
	QueueIndex   int
}
