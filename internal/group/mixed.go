package group

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/micro-nova/zonecast/internal/models"
	"github.com/micro-nova/zonecast/internal/playback"
)

const (
	pipeMemberMaxBytes = 512 * 1024
	pipeDropLogInterval = 2 * time.Second
	freshStartThreshold = 3 * time.Second
)

// PCMTapper subscribes to a zone's PCM fanout, used by the mixed group
// coordinator to tap a leader's audio for cross-protocol replication.
// *playback.Service satisfies this directly.
type PCMTapper interface {
	Subscribe(zoneID int, profile models.OutputProfile, primeWithBuffer bool, label string) (playback.Subscriber, error)
}

// pipeMember is one group member's bounded delivery queue, pumping chunks
// into the io.PipeWriter half of the pipe handed to that zone's player.
type pipeMember struct {
	zoneID      int
	w           *io.PipeWriter
	queue       chan []byte
	dropLimiter *rate.Limiter
	log         zerolog.Logger

	mu          sync.Mutex
	queuedBytes int64
	dropCount   int64
}

func newPipeMember(zoneID int, w *io.PipeWriter, log zerolog.Logger) *pipeMember {
	m := &pipeMember{
		zoneID:      zoneID,
		w:           w,
		queue:       make(chan []byte, 64),
		dropLimiter: rate.NewLimiter(rate.Every(pipeDropLogInterval), 1),
		log:         log,
	}
	go m.pump()
	return m
}

func (m *pipeMember) deliver(chunk []byte) {
	m.mu.Lock()
	if m.queuedBytes+int64(len(chunk)) > pipeMemberMaxBytes {
		m.dropCount++
		m.mu.Unlock()
		if m.dropLimiter.Allow() {
			m.log.Debug().Int("member_zone", m.zoneID).Msg("group: dropping chunk for slow mixed-group member")
		}
		return
	}
	m.queuedBytes += int64(len(chunk))
	m.mu.Unlock()

	select {
	case m.queue <- chunk:
	default:
		m.mu.Lock()
		m.queuedBytes -= int64(len(chunk))
		m.dropCount++
		m.mu.Unlock()
	}
}

func (m *pipeMember) pump() {
	for chunk := range m.queue {
		m.mu.Lock()
		m.queuedBytes -= int64(len(chunk))
		m.mu.Unlock()
		if _, err := m.w.Write(chunk); err != nil {
			return
		}
	}
}

func (m *pipeMember) close(err error) {
	close(m.queue)
	m.w.CloseWithError(err)
}

// PipeFanout broadcasts a leader's PCM stream to each group member's
// PassThrough pipe, with a 512 KiB per-member bound: a slow member has
// its current chunk dropped (not the whole stream) and a rate-limited
// log line emitted.
type PipeFanout struct {
	mu      sync.Mutex
	members map[int]*pipeMember
	log     zerolog.Logger
}

// NewPipeFanout creates an empty fanout.
func NewPipeFanout(log zerolog.Logger) *PipeFanout {
	return &PipeFanout{members: make(map[int]*pipeMember), log: log.With().Str("component", "mixed_group_pipe_fanout").Logger()}
}

// AddMember registers memberZoneID and returns the read end of its pipe,
// suitable for wrapping in a models.PipeSource.
func (f *PipeFanout) AddMember(memberZoneID int) io.ReadCloser {
	r, w := io.Pipe()
	member := newPipeMember(memberZoneID, w, f.log)
	f.mu.Lock()
	f.members[memberZoneID] = member
	f.mu.Unlock()
	return r
}

// RemoveMember detaches a member, closing its pipe cleanly.
func (f *PipeFanout) RemoveMember(memberZoneID int) {
	f.mu.Lock()
	member, ok := f.members[memberZoneID]
	delete(f.members, memberZoneID)
	f.mu.Unlock()
	if ok {
		member.close(nil)
	}
}

// Write fans a chunk out to every attached member.
func (f *PipeFanout) Write(chunk []byte) {
	f.mu.Lock()
	members := make([]*pipeMember, 0, len(f.members))
	for _, m := range f.members {
		members = append(members, m)
	}
	f.mu.Unlock()
	for _, m := range members {
		m.deliver(chunk)
	}
}

// Run pumps chunks from src into the fanout until src closes or ctx is
// done, then closes every member with src's terminal error (if any).
func (f *PipeFanout) Run(ctx context.Context, src playback.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			f.stop(ctx.Err())
			return
		case <-src.Closed():
			f.stop(src.Err())
			return
		case chunk, ok := <-src.Chunks():
			if !ok {
				f.stop(src.Err())
				return
			}
			f.Write(chunk)
		}
	}
}

func (f *PipeFanout) stop(err error) {
	f.mu.Lock()
	members := f.members
	f.members = make(map[int]*pipeMember)
	f.mu.Unlock()
	for _, m := range members {
		m.close(err)
	}
}

// MixedGroupCoordinator handles heterogeneous-protocol groups: instead of
// starting the same URI on every member, it taps the leader's PCM output
// and fans it out to each member over a local pipe.
type MixedGroupCoordinator struct {
	players PlayerLookup
	pcm     PCMTapper
	log     zerolog.Logger

	mu     sync.Mutex
	active map[int]*PipeFanout // keyed by leader zone id
}

// NewMixedGroupCoordinator wires a coordinator to the player registry and
// PCM tap source (typically the playback.Service in front of the engine).
func NewMixedGroupCoordinator(players PlayerLookup, pcm PCMTapper, log zerolog.Logger) *MixedGroupCoordinator {
	return &MixedGroupCoordinator{
		players: players,
		pcm:     pcm,
		log:     log.With().Str("component", "mixed_group_coordinator").Logger(),
		active:  make(map[int]*PipeFanout),
	}
}

// StartReplication taps the leader's PCM fanout and pipes it to every
// non-leader member, replacing any prior tap for this leader.
func (c *MixedGroupCoordinator) StartReplication(ctx context.Context, g models.GroupRecord, leaderSession models.PlaybackSession) error {
	if c.pcm == nil {
		return fmt.Errorf("group: mixed coordinator has no PCM tap source")
	}
	c.StopReplication(g.Leader)

	sub, err := c.pcm.Subscribe(g.Leader, models.ProfilePCM, true, "mixed-group-tap")
	if err != nil {
		return fmt.Errorf("group: subscribing to leader %d PCM tap: %w", g.Leader, err)
	}

	fanout := NewPipeFanout(c.log)
	c.mu.Lock()
	c.active[g.Leader] = fanout
	c.mu.Unlock()

	go fanout.Run(ctx, sub)

	startAt := resolveStartAt(leaderSession)
	settings := leaderSession.OutputSettings
	for _, zid := range g.NonLeaderMembers() {
		p, ok := c.players.Player(zid)
		if !ok {
			continue
		}
		reader := fanout.AddMember(zid)
		src := models.PlaybackSource{
			Kind: models.SourcePipe,
			Pipe: &models.PipeSource{
				Format:     models.PCMS16LE,
				SampleRate: settings.SampleRate,
				Channels:   settings.Channels,
				Stream:     reader,
			},
		}
		if err := p.PlayExternal(ctx, "mixed-group:"+leaderSession.SourceLabel, src, leaderSession.Metadata, startAt, models.ProfilePCM); err != nil {
			c.log.Warn().Err(err).Int("member_zone", zid).Msg("mixed group member play failed")
			fanout.RemoveMember(zid)
		}
	}
	return nil
}

// StopReplication tears down the active pipe tap for a leader, if any.
func (c *MixedGroupCoordinator) StopReplication(leaderZoneID int) {
	c.mu.Lock()
	fanout, ok := c.active[leaderZoneID]
	delete(c.active, leaderZoneID)
	c.mu.Unlock()
	if ok {
		fanout.stop(nil)
	}
}

// resolveStartAt picks the local-tap start offset: the greater of the
// session's tracked elapsed time and the wall-clock age since it started,
// unless the session is younger than freshStartThreshold (treated as a
// fresh start at 0), clamped into [0, duration-1].
func resolveStartAt(sess models.PlaybackSession) float64 {
	age := time.Since(sess.StartedAt)
	if age < freshStartThreshold {
		return 0
	}
	startAt := sess.ElapsedSec
	if computed := age.Seconds(); computed > startAt {
		startAt = computed
	}
	return models.ClampStartAt(startAt, sess.DurationSec)
}
