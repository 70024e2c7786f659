package models

// OutputProfile is one of the concurrent encoded forms the engine is asked
// to produce.
type OutputProfile string

const (
	ProfileMP3 OutputProfile = "mp3"
	ProfileAAC OutputProfile = "aac"
	ProfilePCM OutputProfile = "pcm"
)

// HTTPProfile selects how the stream gateway frames the response body.
type HTTPProfile string

const (
	HTTPChunked            HTTPProfile = "chunked"
	HTTPForcedContentLen   HTTPProfile = "forced_content_length"
)

// AudioOutputSettings configures the engine's output encoding and the
// gateway's HTTP framing for one zone. A process-wide default is
// overridden per zone by AudioManager.
type AudioOutputSettings struct {
	SampleRate         int
	Channels           int
	PCMBitDepth        int
	MP3Bitrate         int
	PrebufferBytes     int
	HTTPProfile        HTTPProfile
	HTTPIcyEnabled     bool
	HTTPIcyInterval    int
	HTTPIcyName        string
	HTTPFallbackSeconds int
}

// DefaultAudioOutputSettings is the process-wide default, modeled on
// common renderer expectations (44.1kHz/16-bit stereo, 256 KiB prebuffer).
func DefaultAudioOutputSettings() AudioOutputSettings {
	return AudioOutputSettings{
		SampleRate:          44100,
		Channels:            2,
		PCMBitDepth:         16,
		MP3Bitrate:          192,
		PrebufferBytes:      256 * 1024,
		HTTPProfile:         HTTPChunked,
		HTTPIcyEnabled:      true,
		HTTPIcyInterval:     16000,
		HTTPIcyName:         "zonecast",
		HTTPFallbackSeconds: 3600,
	}
}

// BytesPerSecond estimates the byte rate for a profile under these
// settings, used by the gateway to size forced Content-Length responses.
func (s AudioOutputSettings) BytesPerSecond(profile OutputProfile) int {
	switch profile {
	case ProfilePCM:
		return s.SampleRate * s.Channels * (s.PCMBitDepth / 8)
	case ProfileMP3:
		return (s.MP3Bitrate * 1000) / 8
	case ProfileAAC:
		// AAC is encoded at roughly 60% of the equivalent MP3 bitrate for
		// the same perceived quality; used only to size a fallback
		// Content-Length when duration is unknown.
		return (s.MP3Bitrate * 1000 * 6 / 10) / 8
	default:
		return 0
	}
}
