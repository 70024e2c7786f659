package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/micro-nova/zonecast/internal/models"
	"github.com/rs/zerolog"
)

const (
	defaultSubscriberMaxBytes = 512 * 1024
	dropLogInterval           = 2 * time.Second
)

// subscriber is one renderer's view of a Fanout: a bounded queue of
// chunks plus drop accounting. Queue is sized in bytes, not chunk count,
// with a hard upper bound per subscriber (default 512 KiB).
type subscriber struct {
	id          models.SubscriberID
	profile     models.OutputProfile
	label       string
	maxBytes    int64
	queue       chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	dropLimiter *rate.Limiter

	mu          sync.Mutex
	queuedBytes int64
	dropCount   int64
	lastDropAt  time.Time
	err         error
}

func newSubscriber(id models.SubscriberID, profile models.OutputProfile, label string, maxBytes int64) *subscriber {
	if maxBytes <= 0 {
		maxBytes = defaultSubscriberMaxBytes
	}
	return &subscriber{
		id:          id,
		profile:     profile,
		label:       label,
		maxBytes:    maxBytes,
		queue:       make(chan []byte, 256),
		closed:      make(chan struct{}),
		dropLimiter: rate.NewLimiter(rate.Every(dropLogInterval), 1),
	}
}

// Chunks returns the channel of pending byte chunks for this subscriber.
func (s *subscriber) Chunks() <-chan []byte { return s.queue }

// Closed signals end-of-stream (normal end or error — check Err()).
func (s *subscriber) Closed() <-chan struct{} { return s.closed }

func (s *subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscriber) DropCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropCount
}

// deliver enqueues a chunk, dropping it (and only it) if the subscriber's
// queue is already at its byte cap.
func (s *subscriber) deliver(chunk []byte, log zerolog.Logger) {
	s.mu.Lock()
	// Once the consumer has drained the queue, nothing it already read
	// counts against the cap.
	if len(s.queue) == 0 {
		s.queuedBytes = 0
	}
	if s.queuedBytes+int64(len(chunk)) > s.maxBytes {
		s.dropCount++
		s.lastDropAt = time.Now()
		s.mu.Unlock()
		if s.dropLimiter.Allow() {
			log.Debug().Str("subscriber", s.label).Int("profile_bytes", len(chunk)).Msg("engine: dropping chunk for slow subscriber")
		}
		return
	}
	s.queuedBytes += int64(len(chunk))
	s.mu.Unlock()

	select {
	case s.queue <- chunk:
	default:
		// Race: queue's channel capacity (in chunk count) is full even
		// though the byte budget allowed it; treat identically to a
		// byte-budget drop.
		s.mu.Lock()
		s.queuedBytes -= int64(len(chunk))
		s.dropCount++
		s.lastDropAt = time.Now()
		s.mu.Unlock()
	}
}

func (s *subscriber) finish(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.closed)
	})
}

// Fanout is a per-(zoneId, profile) producer/subscriber hub: a recent-bytes
// prebuffer plus a bounded subscriber arena with a drop-on-full policy.
type Fanout struct {
	zoneID  int
	profile models.OutputProfile
	log     zerolog.Logger

	prebufferCap int
	mu           sync.Mutex
	prebuffer    []byte
	ended        bool
	endErr       error
	bytesTotal   int64
	startedAt    time.Time

	arena subscriberArena
}

// NewFanout creates a fanout with the given prebuffer capacity in bytes.
func NewFanout(zoneID int, profile models.OutputProfile, prebufferBytes int, log zerolog.Logger) *Fanout {
	return &Fanout{
		zoneID:       zoneID,
		profile:      profile,
		log:          log.With().Int("zone", zoneID).Str("profile", string(profile)).Logger(),
		prebufferCap: prebufferBytes,
		startedAt:    time.Now(),
	}
}

// Write publishes a chunk of produced bytes to the prebuffer and every
// active subscriber.
func (f *Fanout) Write(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.bytesTotal += int64(len(chunk))
	if f.prebufferCap > 0 {
		f.prebuffer = append(f.prebuffer, chunk...)
		if over := len(f.prebuffer) - f.prebufferCap; over > 0 {
			f.prebuffer = f.prebuffer[over:]
		}
	}
	f.mu.Unlock()

	f.arena.forEach(func(_ models.SubscriberID, sub *subscriber) {
		sub.deliver(chunk, f.log)
	})
}

// CreateSubscriber registers a new subscriber. If primeWithBuffer is set,
// the current prebuffer contents are delivered as the subscriber's first
// chunk so a newly-joined renderer does not start on silence.
func (f *Fanout) CreateSubscriber(label string, primeWithBuffer bool, maxQueueBytes int) (*subscriber, error) {
	sub := newSubscriber(models.SubscriberID{}, f.profile, label, int64(maxQueueBytes))

	f.mu.Lock()
	ended := f.ended
	endErr := f.endErr
	var primer []byte
	if primeWithBuffer && len(f.prebuffer) > 0 {
		primer = append([]byte(nil), f.prebuffer...)
	}
	f.mu.Unlock()

	if ended {
		sub.finish(endErr)
		return sub, nil
	}

	id, err := f.arena.alloc(sub)
	if err != nil {
		return nil, err
	}
	sub.id = id

	if primer != nil {
		sub.deliver(primer, f.log)
	}
	return sub, nil
}

// RemoveSubscriber detaches a subscriber without ending its stream with
// an error — used when a renderer disconnects voluntarily.
func (f *Fanout) RemoveSubscriber(sub *subscriber) {
	f.arena.free(sub.id)
}

// End marks the fanout as finished. err==nil means normal end-of-stream
// (subscribers are flushed then closed cleanly); non-nil destroys every
// subscriber stream with that error.
func (f *Fanout) End(err error) {
	f.mu.Lock()
	if f.ended {
		f.mu.Unlock()
		return
	}
	f.ended = true
	f.endErr = err
	f.mu.Unlock()

	f.arena.forEach(func(_ models.SubscriberID, sub *subscriber) {
		sub.finish(err)
	})
}

// SubscriberCount returns the number of currently attached subscribers.
func (f *Fanout) SubscriberCount() int { return f.arena.count() }

// Stats reports the running totals this fanout has observed.
func (f *Fanout) Stats() (bytesTotal int64, bps float64, bufferedBytes int, subscribers int) {
	f.mu.Lock()
	bytesTotal = f.bytesTotal
	elapsed := time.Since(f.startedAt).Seconds()
	bufferedBytes = len(f.prebuffer)
	f.mu.Unlock()
	if elapsed > 0 {
		bps = float64(bytesTotal) / elapsed
	}
	subscribers = f.arena.count()
	return
}

// TotalDrops sums drop counters across all currently attached subscribers.
func (f *Fanout) TotalDrops() int64 {
	var total int64
	f.arena.forEach(func(_ models.SubscriberID, sub *subscriber) {
		total += sub.DropCount()
	})
	return total
}

// MigrateTo moves every subscriber of f onto dst, preserving each
// subscriber's pending queue and drop counters — the O(1)-per-subscriber
// migration needed during engine handoff. f is left
// with no subscribers and is not itself ended; the caller still owns its
// lifecycle.
func (f *Fanout) MigrateTo(dst *Fanout) {
	subs := f.arena.drainAll()
	for _, sub := range subs {
		id, err := dst.arena.alloc(sub)
		if err != nil {
			sub.finish(err)
			continue
		}
		sub.id = id
	}
}
