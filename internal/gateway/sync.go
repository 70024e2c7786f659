package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/micro-nova/zonecast/internal/models"
)

// syncWaiter is one renderer's request held open in a SyncStreamEntry
// until every expected client has joined (or the registry's timeout
// fires), so sample-identical bytes reach every renderer at once.
type syncWaiter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

// syncEntry is one in-flight ?sync=<token> coordination: it holds every
// joined request until expect arrivals or a 10s timeout, then starts a
// single subscription and fans its chunks out to every joined response
// body simultaneously.
type syncEntry struct {
	mu      sync.Mutex
	expect  int
	waiters []*syncWaiter
	fired   bool
	onFire  func([]*syncWaiter)
}

func (e *syncEntry) join(w http.ResponseWriter) (*syncWaiter, bool) {
	fl, _ := w.(http.Flusher)
	sw := &syncWaiter{w: w, flusher: fl, done: make(chan struct{})}
	e.mu.Lock()
	defer e.mu.Unlock()
	isFirst := len(e.waiters) == 0
	e.waiters = append(e.waiters, sw)
	if len(e.waiters) >= e.expect {
		e.fireLocked()
	}
	return sw, isFirst
}

func (e *syncEntry) fireAfterTimeout() {
	time.Sleep(readyGraceTimeout)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fireLocked()
}

func (e *syncEntry) fireLocked() {
	if e.fired {
		return
	}
	e.fired = true
	waiters := append([]*syncWaiter(nil), e.waiters...)
	go e.onFire(waiters)
}

// syncRegistry tracks in-flight sync-join coordinations by token.
type syncRegistry struct {
	mu      sync.Mutex
	entries map[string]*syncEntry
}

func newSyncRegistry() *syncRegistry {
	return &syncRegistry{entries: make(map[string]*syncEntry)}
}

func (r *syncRegistry) entryFor(token string, expect int, onFire func([]*syncWaiter)) *syncEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[token]; ok {
		return e
	}
	e := &syncEntry{expect: expect, onFire: onFire}
	r.entries[token] = e
	return e
}

func (r *syncRegistry) forget(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, token)
}

// serveSynced implements the ?sync=<token>&expect=<N> join path: this
// request's response is held open until N total requests have joined
// this token (or 10s elapses), at which point a single subscription is
// started and its chunks are written to every joined response
// simultaneously.
func (g *Gateway) serveSynced(w http.ResponseWriter, r *http.Request, zoneID int, profile models.OutputProfile, session models.PlaybackSession, token string) {
	expect := 2
	if v, err := strconv.Atoi(r.URL.Query().Get("expect")); err == nil && v >= 2 {
		expect = v
	}

	entry := g.sync.entryFor(token, expect, func(waiters []*syncWaiter) {
		defer g.sync.forget(token)
		sub, err := g.streams.Subscribe(zoneID, profile, true, "gateway:sync:"+token)
		if err != nil {
			for _, sw := range waiters {
				http.Error(sw.w, "no encode running for this profile", http.StatusServiceUnavailable)
				close(sw.done)
			}
			return
		}
		outs := make([]writeFlusher, len(waiters))
		for i, sw := range waiters {
			sw.w.Header().Set("Content-Type", profileContentTypes[profile])
			sw.w.Header().Set("Transfer-Encoding", "chunked")
			sw.w.WriteHeader(http.StatusOK)
			outs[i] = &flusherWriter{w: sw.w}
			if profile == models.ProfilePCM {
				writeWAVHeader(outs[i], session.OutputSettings.SampleRate, session.OutputSettings.Channels, session.OutputSettings.PCMBitDepth)
			}
			outs[i].Flush()
		}

		for {
			select {
			case <-sub.Closed():
				for _, sw := range waiters {
					close(sw.done)
				}
				return
			case chunk, ok := <-sub.Chunks():
				if !ok {
					for _, sw := range waiters {
						close(sw.done)
					}
					return
				}
				for i := range outs {
					if _, err := outs[i].Write(chunk); err == nil {
						outs[i].Flush()
					}
				}
			}
		}
	})

	sw, isFirst := entry.join(w)
	if isFirst {
		go entry.fireAfterTimeout()
	}

	select {
	case <-sw.done:
	case <-r.Context().Done():
	}
}
