package sched

import (
	"container/heap"
	"sync"
	"time"
)

// Virtual is a deterministic Scheduler for tests. Time only moves when
// Advance is called; due callbacks run inline, in deadline order, on the
// goroutine calling Advance. Ties break by scheduling order.
type Virtual struct {
	mu   sync.Mutex
	now  time.Time
	seq  uint64
	evts eventQueue
}

// NewVirtual creates a virtual scheduler starting at an arbitrary fixed
// epoch.
func NewVirtual() *Virtual {
	return &Virtual{now: time.Unix(0, 0)}
}

// Now returns the current virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// Schedule queues fn to run once virtual time reaches Now()+d.
func (v *Virtual) Schedule(d time.Duration, fn func()) Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	ev := &event{
		v:    v,
		when: v.now.Add(d),
		seq:  v.seq,
		fn:   fn,
	}
	v.seq++
	heap.Push(&v.evts, ev)
	return ev
}

// Advance moves virtual time forward by d, running every callback whose
// deadline is reached, in order. A callback may schedule further events;
// those run too if they fall within the window.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	for {
		ev := v.peekDue(target)
		if ev == nil {
			break
		}
		v.now = ev.when
		v.mu.Unlock()
		ev.fn()
		v.mu.Lock()
	}
	v.now = target
	v.mu.Unlock()
}

// Pending reports the number of events not yet fired or cancelled.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, ev := range v.evts {
		if !ev.cancelled {
			n++
		}
	}
	return n
}

// peekDue pops the earliest non-cancelled event at or before target.
// Caller holds v.mu.
func (v *Virtual) peekDue(target time.Time) *event {
	for v.evts.Len() > 0 {
		ev := v.evts[0]
		if ev.when.After(target) {
			return nil
		}
		heap.Pop(&v.evts)
		if ev.cancelled {
			continue
		}
		ev.fired = true
		return ev
	}
	return nil
}

type event struct {
	v         *Virtual
	when      time.Time
	seq       uint64
	fn        func()
	index     int
	cancelled bool
	fired     bool
}

// Cancel is safe to call from any goroutine, including a callback
// running inside Advance, which holds no lock while it runs.
func (e *event) Cancel() {
	e.v.mu.Lock()
	e.cancelled = true
	e.v.mu.Unlock()
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].when.Equal(q[j].when) {
		return q[i].seq < q[j].seq
	}
	return q[i].when.Before(q[j].when)
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *eventQueue) Push(x any) {
	ev := x.(*event)
	ev.index = len(*q)
	*q = append(*q, ev)
}

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
