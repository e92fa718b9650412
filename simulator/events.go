// Package simulator runs a process group on a virtual
// clock, so that message-passing protocols can be tested
// for arbitrary delivery orders and for deadlocks.
package simulator

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run when every
// Goroutine is waiting for an event that will never come.
var ErrDeadlock = errors.New("deadlock: all Handles are polling")

// An EventStream is a one-way queue of events delivered
// through an EventLoop.
//
// An EventStream belongs to the EventLoop that created it.
type EventStream struct {
	loop    *EventLoop
	pending []any
}

// An Event is a message received on some EventStream.
type Event struct {
	Message any
	Stream  *EventStream
}

// A Timer is a single delivery that will happen at a
// point in virtual time.
type Timer struct {
	time  float64
	event *Event
}

// Time gets the virtual time at which the timer fires.
//
// While the clock is below Time(), the timer has
// definitely not fired.
func (t *Timer) Time() float64 {
	return t.time
}

// A Handle is one Goroutine's access to an EventLoop.
// Goroutines must not share Handles.
type Handle struct {
	*EventLoop

	// waiting is nil while the Goroutine is running in
	// real time.
	waiting *poll
}

type poll struct {
	streams []*EventStream
	result  chan<- *Event
}

func (p *poll) wants(s *EventStream) bool {
	for _, stream := range p.streams {
		if stream == s {
			return true
		}
	}
	return false
}

// Poll blocks until an event arrives on one of the
// streams.
//
// Events that are already queued are returned first, in
// the order the streams are listed.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyScheduling(func() {
		if h.waiting != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if len(stream.pending) > 0 {
				msg := stream.pending[0]
				essentials.OrderedDelete(&stream.pending, 0)
				ch <- &Event{Message: msg, Stream: stream}
				return
			}
		}
		h.waiting = &poll{streams: streams, result: ch}
	})
	return <-ch
}

// Schedule delivers msg on stream after delay units of
// virtual time.
func (h *Handle) Schedule(stream *EventStream, msg any, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		deadline := h.time + delay
		if math.IsInf(deadline, 0) || math.IsNaN(deadline) {
			panic(fmt.Sprintf("invalid deadline: %f", deadline))
		}
		timer = &Timer{
			time:  deadline,
			event: &Event{Message: msg, Stream: stream},
		}
		h.timers = append(h.timers, timer)
	})
	return timer
}

// Cancel unschedules a timer.
// It has no effect if the timer already fired.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		for i, timer := range h.timers {
			if timer == t {
				essentials.UnorderedDelete(&h.timers, i)
				return
			}
		}
	})
}

// Sleep waits for delay units of virtual time.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop schedules the events of a simulated
// process group.
//
// Every Goroutine that uses the loop must be started with
// Go().
// Virtual time only advances once every such Goroutine is
// blocked in Poll, so computation takes no virtual time.
type EventLoop struct {
	lock    sync.Mutex
	timers  []*Timer
	handles []*Handle

	time float64

	running  bool
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop whose clock starts
// at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in a new Goroutine with its own Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.lock.Lock()
	e.handles = append(e.handles, h)
	e.lock.Unlock()
	go func() {
		defer e.release(h)
		f(h)
	}()
}

// Run drives the loop until every Goroutine started with
// Go() has returned.
//
// Run must not be called from two Goroutines at once.
//
// Returns ErrDeadlock if every remaining Goroutine is
// blocked, e.g. waiting on a peer that crashed.
func (e *EventLoop) Run() error {
	e.lock.Lock()
	if e.running {
		e.lock.Unlock()
		panic("EventLoop is already running.")
	}
	e.running = true
	e.lock.Unlock()

	defer func() {
		e.lock.Lock()
		e.running = false
		e.lock.Unlock()
	}()

	for range e.notifyCh {
		if shouldContinue, err := e.step(); !shouldContinue {
			return err
		}
	}

	panic("unreachable")
}

// MustRun is like Run, but it panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

func (e *EventLoop) release(h *Handle) {
	e.modifyScheduling(func() {
		for i, handle := range e.handles {
			if handle == h {
				essentials.UnorderedDelete(&e.handles, i)
				return
			}
		}
		panic("cannot free handle that does not exist")
	})
}

// modify runs f with the loop locked.
// f must not change whether any Goroutine is polling;
// use modifyScheduling for that.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyScheduling is like modify, but it wakes the loop
// afterwards since f may let virtual time advance.
func (e *EventLoop) modifyScheduling(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step delivers the next event, if every Goroutine is
// polling.
//
// The first return value is false once the loop is done,
// with a non-nil error if it is done because of a
// deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return false, nil
	}
	for _, h := range e.handles {
		if h.waiting == nil {
			// Somebody is still computing in real time.
			return true, nil
		}
	}

	for len(e.timers) > 0 {
		timer := e.popEarliestTimer()
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return true, nil
		}
	}

	return false, ErrDeadlock
}

// popEarliestTimer removes the timer with the lowest
// deadline.
// Ties are broken at random, so simultaneous deliveries
// happen in every possible order across runs.
func (e *EventLoop) popEarliestTimer() *Timer {
	indices := rand.Perm(len(e.timers))
	best := indices[0]
	for _, i := range indices[1:] {
		if e.timers[i].time < e.timers[best].time {
			best = i
		}
	}
	timer := e.timers[best]
	essentials.UnorderedDelete(&e.timers, best)
	return timer
}

// deliver hands an event to a Goroutine polling its
// stream, or queues it on the stream.
// It reports whether a Goroutine was woken up.
func (e *EventLoop) deliver(event *Event) bool {
	// Receivers of the same stream are woken in a random
	// order.
	for _, i := range rand.Perm(len(e.handles)) {
		h := e.handles[i]
		if h.waiting != nil && h.waiting.wants(event.Stream) {
			h.waiting.result <- event
			h.waiting = nil
			return true
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
