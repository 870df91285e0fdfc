// Package sched provides the event scheduler the NDP engine runs on.
//
// The engine never blocks; every delayed action (reachable timers, DAD
// timeouts, solicitation retransmissions) is a callback scheduled here.
// Two implementations exist: a wall-clock scheduler for production and a
// virtual scheduler that tests drive by hand.
package sched

import (
	"sync"
	"time"
)

// Handle refers to a scheduled callback. Cancel is idempotent: cancelling
// a handle that already fired or was already cancelled is a no-op.
type Handle interface {
	Cancel()
}

// Scheduler schedules callbacks for later execution. Callbacks are
// serialized: no two callbacks from the same Scheduler run concurrently.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Handle
	Now() time.Time
}

// Clock is the wall-clock Scheduler.
type Clock struct {
	mu sync.Mutex // serializes callbacks
}

// New creates a wall-clock scheduler backed by the Go runtime timer wheel.
func New() *Clock {
	return &Clock{}
}

// Now returns the current wall-clock time.
func (c *Clock) Now() time.Time {
	return time.Now()
}

// Schedule runs fn after d. Callbacks are serialized against each other.
func (c *Clock) Schedule(d time.Duration, fn func()) Handle {
	h := &clockHandle{}
	h.timer = time.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		h.mu.Lock()
		fired := h.cancelled
		h.mu.Unlock()
		if fired {
			return
		}
		fn()
	})
	return h
}

type clockHandle struct {
	mu        sync.Mutex
	timer     *time.Timer
	cancelled bool
}

func (h *clockHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled {
		return
	}
	h.cancelled = true
	h.timer.Stop()
}
