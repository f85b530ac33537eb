// Package sched carries the scheduling contract the bus core relies on: a
// millisecond clock and a queue of one-shot callbacks ordered by due time.
// The queue does no locking of its own; the owner serializes access.
package sched

import (
	"sync"

	"devicebus-go/x/timex"
)

// Clock yields the current time in milliseconds.
type Clock interface {
	NowMs() int64
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) NowMs() int64 { return timex.NowMs() }

// VirtualClock is a hand-advanced clock for deterministic tests.
type VirtualClock struct {
	mu  sync.Mutex
	now int64
}

func NewVirtualClock(start int64) *VirtualClock { return &VirtualClock{now: start} }

func (c *VirtualClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by ms and returns the new time.
func (c *VirtualClock) Advance(ms int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += ms
	return c.now
}

// Callback is a queued one-shot.
type Callback func()

type entry struct {
	due int64
	seq uint64
	fn  Callback
}

// Queue holds pending one-shot callbacks. Entries scheduled for the same
// due time run in insertion order.
type Queue struct {
	entries []entry
	seq     uint64
}

// After queues fn to run once the owner's clock reaches dueMs.
func (q *Queue) After(dueMs int64, fn Callback) {
	q.seq++
	q.entries = append(q.entries, entry{due: dueMs, seq: q.seq, fn: fn})
}

func (q *Queue) Len() int { return len(q.entries) }

// NextDue returns the earliest due time, if any.
func (q *Queue) NextDue() (int64, bool) {
	if len(q.entries) == 0 {
		return 0, false
	}
	min := q.entries[0]
	for _, e := range q.entries[1:] {
		if e.due < min.due || (e.due == min.due && e.seq < min.seq) {
			min = e
		}
	}
	return min.due, true
}

// RunDue pops and runs every callback due at nowMs, including callbacks the
// run itself queues, and returns how many ran.
func (q *Queue) RunDue(nowMs int64) int {
	ran := 0
	for {
		idx := -1
		for i, e := range q.entries {
			if e.due > nowMs {
				continue
			}
			if idx < 0 || e.due < q.entries[idx].due ||
				(e.due == q.entries[idx].due && e.seq < q.entries[idx].seq) {
				idx = i
			}
		}
		if idx < 0 {
			return ran
		}
		fn := q.entries[idx].fn
		q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
		fn()
		ran++
	}
}
