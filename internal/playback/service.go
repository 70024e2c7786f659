// Package playback is a thin façade over the engine: it translates a
// PlaybackSource, profile list, and output settings into engine start
// options, exposes subscriber/stats APIs to renderers and the HTTP
// gateway, and forwards engine termination events to whoever owns
// session state (the audio manager).
package playback

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/engine"
	"github.com/micro-nova/zonecast/internal/models"
)

// Subscriber is the renderer-facing view of a fanout subscription.
type Subscriber interface {
	Chunks() <-chan []byte
	Closed() <-chan struct{}
	Err() error
}

// Service wraps a TranscodeEngine with the narrower surface renderers and
// the HTTP gateway need.
type Service struct {
	engine *engine.TranscodeEngine
	log    zerolog.Logger
}

// New wraps an existing engine.
func New(eng *engine.TranscodeEngine, log zerolog.Logger) *Service {
	return &Service{engine: eng, log: log.With().Str("component", "playback_service").Logger()}
}

// Start translates a source/profile/settings triple into an engine
// session, reusing one that already matches.
func (s *Service) Start(ctx context.Context, zoneID int, src models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings) error {
	return s.engine.Start(ctx, engine.StartOptions{
		ZoneID: zoneID, Input: src, Profiles: profiles, Settings: settings,
	})
}

// StartWithHandoff starts a new session while the old one keeps serving
// subscribers, migrating them once primaryProfile's first chunk arrives.
func (s *Service) StartWithHandoff(ctx context.Context, zoneID int, src models.PlaybackSource, profiles []models.OutputProfile, settings models.AudioOutputSettings, primaryProfile models.OutputProfile, timeout time.Duration) error {
	return s.engine.StartWithHandoff(ctx, engine.StartOptions{
		ZoneID: zoneID, Input: src, Profiles: profiles, Settings: settings,
	}, primaryProfile, timeout)
}

// Stop tears down a zone's engine session.
func (s *Service) Stop(zoneID int, reason engine.TerminationReason, discardSubscribers bool) {
	s.engine.Stop(zoneID, reason, discardSubscribers)
}

// HasSession reports whether a zone currently has a running engine session.
func (s *Service) HasSession(zoneID int) bool {
	return s.engine.HasSession(zoneID)
}

// Subscribe registers a new renderer subscriber on a zone's profile
// fanout, returning a byte stream. Fails if no session is running.
func (s *Service) Subscribe(zoneID int, profile models.OutputProfile, primeWithBuffer bool, label string) (Subscriber, error) {
	return s.engine.CreateStream(zoneID, profile, primeWithBuffer, label)
}

// WaitForFirstChunk resolves true once a profile's first byte has flowed.
func (s *Service) WaitForFirstChunk(ctx context.Context, zoneID int, profile models.OutputProfile, timeout time.Duration) bool {
	return s.engine.WaitForFirstChunk(ctx, zoneID, profile, timeout)
}

// Stats returns per-profile runtime statistics for a zone.
func (s *Service) Stats(zoneID int) map[models.OutputProfile]models.EngineStats {
	return s.engine.GetSessionStats(zoneID)
}

// CreateLocalSession starts an independent side session (mixed-group PCM
// tapping) outside the zone's main engine session.
func (s *Service) CreateLocalSession(ctx context.Context, key string, src models.PlaybackSource, profile models.OutputProfile, settings models.AudioOutputSettings) (*engine.Fanout, error) {
	return s.engine.CreateLocalSession(ctx, key, src, profile, settings)
}

// StopLocalSession tears down a side session created by CreateLocalSession.
func (s *Service) StopLocalSession(key string) {
	s.engine.StopLocalSession(key)
}

// Terminations wires the session-termination callback upward to whoever
// owns PlaybackSession state.
func (s *Service) Terminations() <-chan engine.TerminationEvent {
	return s.engine.Terminations()
}
