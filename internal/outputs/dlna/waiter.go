package dlna

import (
	"context"
	"strconv"
	"time"

	"github.com/micro-nova/zonecast/internal/events"
)

// RequestWaiter bridges the gateway's per-request StreamObserver callback
// to a driver waiting to learn that a renderer has actually issued its
// HTTP GET before it risks an AVTransport Play on a URI nobody fetched
// yet.
type RequestWaiter struct {
	bus *events.Bus[int]
}

// NewRequestWaiter creates an empty waiter, registered with the gateway
// as its StreamObserver.
func NewRequestWaiter() *RequestWaiter {
	return &RequestWaiter{bus: events.NewBus[int]()}
}

// ObserveStreamRequest satisfies gateway.StreamObserver.
func (w *RequestWaiter) ObserveStreamRequest(zoneID int) {
	w.bus.Publish(zoneID)
}

// Wait blocks until zoneID's stream has been requested, ctx is canceled,
// or timeout elapses, returning whether the request was observed.
func (w *RequestWaiter) Wait(ctx context.Context, zoneID int, timeout time.Duration) bool {
	id := "dlna-wait-" + strconv.Itoa(zoneID) + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	ch := w.bus.Subscribe(id)
	defer w.bus.Unsubscribe(id)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case zid := <-ch:
			if zid == zoneID {
				return true
			}
		case <-deadline.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
