// Package sched provides the cooperative idle-time scheduler the transfer
// engines use for watchdogs and drag polling.
//
// Callbacks run on the goroutine that drives the Loop; nothing here starts
// goroutines. A callback returns the time at which it next wants to run,
// or Done to be deregistered.
package sched

import (
	"container/heap"
	"errors"
	"time"
)

// Ticks is a monotonic time in centiseconds.
type Ticks int64

// TicksPerSecond is the scheduler resolution.
const TicksPerSecond = 100

// Done, returned from a Callback, deregisters it.
const Done Ticks = -1

// FromDuration converts d to ticks, rounding up so that a non-zero
// duration never becomes an immediate callback.
func FromDuration(d time.Duration) Ticks {
	const tick = time.Second / TicksPerSecond
	if d <= 0 {
		return 0
	}
	return Ticks((d + tick - 1) / tick)
}

// Duration converts t to a time.Duration.
func (t Ticks) Duration() time.Duration {
	return time.Duration(t) * (time.Second / TicksPerSecond)
}

// Priority orders callbacks that fall due at the same time; higher runs
// first.
type Priority int

// Priorities used by the engines.
const (
	PriorityLow    Priority = 0
	PriorityMedium Priority = 128
	PriorityHigh   Priority = 255
)

// Callback is an idle-time function. now is the time it was run; the
// return value is the time it should next run, or Done.
type Callback func(now Ticks) Ticks

// Token identifies a registration.
type Token uint64

// Scheduler is the registration contract consumed by the engines.
type Scheduler interface {
	// RegisterDelay arranges for cb to run delay ticks from now.
	RegisterDelay(cb Callback, delay Ticks, pri Priority) (Token, error)
	// Deregister cancels a registration. Unknown or already-cancelled
	// tokens are ignored. It is safe to call from within the callback.
	Deregister(tok Token)
	// Now returns the current time.
	Now() Ticks
}

// ErrNilCallback is returned when registering a nil callback.
var ErrNilCallback = errors.New("sched: nil callback")

// Clock supplies the current time.
type Clock interface {
	Now() Ticks
}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	now Ticks
}

// Now implements Clock.
func (c *ManualClock) Now() Ticks { return c.now }

// Set moves the clock to t. Moving backwards is ignored.
func (c *ManualClock) Set(t Ticks) {
	if t > c.now {
		c.now = t
	}
}

// WallClock reads the time elapsed since it was created.
type WallClock struct {
	start time.Time
}

// NewWallClock creates a clock reading zero now.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// Now implements Clock.
func (c *WallClock) Now() Ticks {
	return Ticks(time.Since(c.start) / (time.Second / TicksPerSecond))
}

type entry struct {
	tok   Token
	cb    Callback
	due   Ticks
	pri   Priority
	index int
	dead  bool
}

type queue []*entry

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].due != q[j].due {
		return q[i].due < q[j].due
	}
	if q[i].pri != q[j].pri {
		return q[i].pri > q[j].pri
	}
	return q[i].tok < q[j].tok
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// Loop is a Scheduler driven explicitly by its owner.
type Loop struct {
	clock   Clock
	queue   queue
	entries map[Token]*entry
	next    Token
}

var _ Scheduler = (*Loop)(nil)

// NewLoop creates a loop reading time from clock.
func NewLoop(clock Clock) *Loop {
	return &Loop{
		clock:   clock,
		entries: make(map[Token]*entry),
	}
}

// Now implements Scheduler.
func (l *Loop) Now() Ticks {
	return l.clock.Now()
}

// RegisterDelay implements Scheduler.
func (l *Loop) RegisterDelay(cb Callback, delay Ticks, pri Priority) (Token, error) {
	if cb == nil {
		return 0, ErrNilCallback
	}
	if delay < 0 {
		delay = 0
	}
	l.next++
	e := &entry{
		tok: l.next,
		cb:  cb,
		due: l.clock.Now() + delay,
		pri: pri,
	}
	l.entries[e.tok] = e
	heap.Push(&l.queue, e)
	return e.tok, nil
}

// Deregister implements Scheduler.
func (l *Loop) Deregister(tok Token) {
	e, ok := l.entries[tok]
	if !ok {
		return
	}
	delete(l.entries, tok)
	e.dead = true
	if e.index >= 0 {
		heap.Remove(&l.queue, e.index)
	}
}

// Pending returns the number of live registrations.
func (l *Loop) Pending() int {
	return len(l.entries)
}

// NextDue returns the earliest due time, or false if nothing is registered.
func (l *Loop) NextDue() (Ticks, bool) {
	if len(l.queue) == 0 {
		return 0, false
	}
	return l.queue[0].due, true
}

// RunDue runs every callback due at or before the current time, in due
// order. Callbacks that reschedule themselves into the past run again only
// on the next call, so a misbehaving callback cannot starve the caller.
// It returns the number of callbacks run.
func (l *Loop) RunDue() int {
	now := l.clock.Now()
	var batch []*entry
	for len(l.queue) > 0 && l.queue[0].due <= now {
		batch = append(batch, heap.Pop(&l.queue).(*entry))
	}

	for _, e := range batch {
		if e.dead {
			continue
		}
		next := e.cb(now)
		if e.dead {
			// Deregistered from inside the callback.
			continue
		}
		if next == Done {
			delete(l.entries, e.tok)
			e.dead = true
			continue
		}
		if next <= now {
			next = now + 1
		}
		e.due = next
		heap.Push(&l.queue, e)
	}
	return len(batch)
}

// Advance moves a ManualClock forward to t, running callbacks at each due
// time on the way so that they observe the time they asked for.
func (l *Loop) Advance(clock *ManualClock, t Ticks) {
	for {
		due, ok := l.NextDue()
		if !ok || due > t {
			break
		}
		clock.Set(due)
		l.RunDue()
	}
	clock.Set(t)
}
