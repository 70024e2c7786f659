// Package zone implements the per-zone playback state machine: a thin
// wrapper around the audio manager that adds a position ticker and an
// event stream listeners can subscribe to (started, paused, resumed,
// stopped, ended, position, metadata, cover, volume, error).
package zone

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/micro-nova/zonecast/internal/audio"
	"github.com/micro-nova/zonecast/internal/events"
	"github.com/micro-nova/zonecast/internal/models"
)

// EventKind tags the variant of a Event delivered to listeners.
type EventKind string

const (
	EventStarted  EventKind = "started"
	EventPaused   EventKind = "paused"
	EventResumed  EventKind = "resumed"
	EventStopped  EventKind = "stopped"
	EventEnded    EventKind = "ended"
	EventPosition EventKind = "position"
	EventMetadata EventKind = "metadata"
	EventCover    EventKind = "cover"
	EventVolume   EventKind = "volume"
	EventError    EventKind = "error"
)

// Event is published to a Player's listeners on every state transition or
// tick.
type Event struct {
	ZoneID   int
	Kind     EventKind
	Position float64
	Metadata models.PlaybackMetadata
	CoverURL string
	Volume   float64
	Err      string
}

const (
	tickInterval     = 1 * time.Second
	firstChunkBarrier = 15 * time.Second
)

// ChunkWaiter is the subset of the playback service the ticker needs to
// know when a profile has started producing bytes.
type ChunkWaiter interface {
	WaitForFirstChunk(ctx context.Context, zoneID int, profile models.OutputProfile, timeout time.Duration) bool
}

// Player runs one zone's state machine: stopped -> playing <-> paused ->
// stopped, driven by calls from the API layer and by its own position
// ticker once a session's first chunk has flowed.
type Player struct {
	zoneID      int
	mgr         *audio.Manager
	waiter      ChunkWaiter
	bus         *events.Bus[Event]
	log         zerolog.Logger
	endGuardSec float64

	mu     sync.Mutex
	state  models.PlaybackState
	cancel context.CancelFunc
}

// New creates a Player for a single zone, bound to the shared AudioManager
// and a ChunkWaiter (typically the playback.Service in front of the
// engine) used to gate the position ticker on first-byte arrival.
func New(zoneID int, mgr *audio.Manager, waiter ChunkWaiter, log zerolog.Logger) *Player {
	return &Player{
		zoneID: zoneID,
		mgr:    mgr,
		waiter: waiter,
		bus:    events.NewBus[Event](),
		log:    log.With().Int("zone_id", zoneID).Str("component", "zone_player").Logger(),
		state:  models.StateStopped,
	}
}

// Subscribe returns this zone's event channel and an unsubscribe func.
func (p *Player) Subscribe(id string) (<-chan Event, func()) {
	ch := p.bus.Subscribe(id)
	return ch, func() { p.bus.Unsubscribe(id) }
}

// PlayURI starts playback of a resolved source at an optional start
// offset, then arms the position ticker once a profile's first chunk has
// arrived (or a 15 s barrier elapses, whichever comes first).
func (p *Player) PlayURI(ctx context.Context, src models.PlaybackSource, metadata models.PlaybackMetadata, startAtSec float64, primaryProfile models.OutputProfile) error {
	return p.play(ctx, audio.PlayOptions{
		ZoneID: p.zoneID, Source: src, Metadata: metadata, StartAtSec: startAtSec, Label: metadata.Title,
	}, primaryProfile)
}

// PlayExternal starts playback of a collaborator-supplied external source
// (e.g. a mixed-group pipe tap), labeled for diagnostics.
func (p *Player) PlayExternal(ctx context.Context, label string, src models.PlaybackSource, metadata models.PlaybackMetadata, startAtSec float64, primaryProfile models.OutputProfile) error {
	return p.play(ctx, audio.PlayOptions{
		ZoneID: p.zoneID, Source: src, Metadata: metadata, StartAtSec: startAtSec, Label: label,
	}, primaryProfile)
}

func (p *Player) play(ctx context.Context, opts audio.PlayOptions, primaryProfile models.OutputProfile) error {
	sess, err := p.mgr.Play(ctx, opts)
	if err != nil {
		p.publish(Event{ZoneID: p.zoneID, Kind: EventError, Err: err.Error()})
		return err
	}

	p.mu.Lock()
	p.state = models.StatePlaying
	p.mu.Unlock()

	p.publish(Event{ZoneID: p.zoneID, Kind: EventStarted, Metadata: sess.Metadata, Position: sess.ElapsedSec})
	p.publish(Event{ZoneID: p.zoneID, Kind: EventMetadata, Metadata: sess.Metadata})

	p.armTicker(ctx, primaryProfile)
	return nil
}

// armTicker waits for the first chunk of primaryProfile (or a 15 s
// barrier) before starting the 1 s position ticker, so displayed position
// does not advance while a renderer is still buffering.
func (p *Player) armTicker(parent context.Context, primaryProfile models.OutputProfile) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	tickCtx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.mu.Unlock()

	go func() {
		if p.waiter != nil {
			p.waiter.WaitForFirstChunk(tickCtx, p.zoneID, primaryProfile, firstChunkBarrier)
		} else {
			select {
			case <-time.After(firstChunkBarrier):
			case <-tickCtx.Done():
				return
			}
		}
		if tickCtx.Err() != nil {
			return
		}
		p.runTicker(tickCtx)
	}()
}

func (p *Player) runTicker(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			delta := now.Sub(last).Seconds()
			last = now

			sess, ok := p.mgr.Session(p.zoneID)
			if !ok {
				return
			}
			pos := sess.ElapsedSec + delta
			if sess.DurationSec > 0 && pos > sess.DurationSec {
				pos = sess.DurationSec
			}

			ended := sess.DurationSec > 0 && !sess.Metadata.IsRadio && pos >= sess.DurationSec-1+p.endGuardSec
			p.publish(Event{ZoneID: p.zoneID, Kind: EventPosition, Position: pos})
			if ended {
				p.publish(Event{ZoneID: p.zoneID, Kind: EventEnded, Position: sess.DurationSec})
				return
			}
		}
	}
}

// Pause freezes the session and the ticker.
func (p *Player) Pause() error {
	sess, err := p.mgr.Pause(p.zoneID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.state = models.StatePaused
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.publish(Event{ZoneID: p.zoneID, Kind: EventPaused, Position: sess.ElapsedSec})
	return nil
}

// Resume rebases the session's clock and rearms the ticker immediately
// (a resumed session's first chunk has, by definition, already arrived).
func (p *Player) Resume(ctx context.Context, primaryProfile models.OutputProfile) error {
	sess, err := p.mgr.Resume(ctx, p.zoneID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.state = models.StatePlaying
	p.mu.Unlock()
	p.publish(Event{ZoneID: p.zoneID, Kind: EventResumed, Position: sess.ElapsedSec})
	p.armTicker(ctx, primaryProfile)
	return nil
}

// Stop tears down the engine session and the ticker.
func (p *Player) Stop(discardSubscribers bool) {
	p.mgr.Stop(p.zoneID, discardSubscribers)
	p.mu.Lock()
	p.state = models.StateStopped
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()
	p.publish(Event{ZoneID: p.zoneID, Kind: EventStopped})
}

// UpdateCover forwards to the audio manager and announces the new URL.
func (p *Player) UpdateCover(data []byte, mime string) error {
	url, err := p.mgr.UpdateCover(p.zoneID, data, mime)
	if err != nil {
		return err
	}
	p.publish(Event{ZoneID: p.zoneID, Kind: EventCover, CoverURL: url})
	return nil
}

// NotifyVolume announces a volume change to listeners; volume itself is
// owned by the output driver, not the player.
func (p *Player) NotifyVolume(percent float64) {
	p.publish(Event{ZoneID: p.zoneID, Kind: EventVolume, Volume: percent})
}

// NotifyError announces an output-layer error to listeners.
func (p *Player) NotifyError(reason string) {
	p.publish(Event{ZoneID: p.zoneID, Kind: EventError, Err: reason})
}

// State returns the player's current lifecycle state.
func (p *Player) State() models.PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Player) publish(ev Event) {
	p.bus.Publish(ev)
}
