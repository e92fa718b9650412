package simulator

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func ExampleEventLoop() {
	loop := NewEventLoop()
	coordinator := loop.Stream()
	loop.Go(func(h *Handle) {
		value := h.Poll(coordinator).Message
		fmt.Println("received", value, "at", h.Time())
	})
	loop.Go(func(h *Handle) {
		h.Schedule(coordinator, 5, 2.5)
	})
	loop.Run()
	// Output: received 5 at 2.5
}

func TestEventLoopTimer(t *testing.T) {
	loop := NewEventLoop()
	stream := loop.Stream()
	value := make(chan any, 1)
	loop.Go(func(h *Handle) {
		value <- h.Poll(stream).Message
	})
	loop.Go(func(h *Handle) {
		h.Schedule(stream, 8, 4.0)
	})
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if loop.Time() != 4.0 {
		t.Errorf("time should be 4.0 but is %f", loop.Time())
	}
	select {
	case val := <-value:
		if val != 8 {
			t.Errorf("value should be 8 but is %v", val)
		}
	default:
		t.Error("timer never fired")
	}
}

// TestEventLoopArrivalOrders checks that simultaneous
// deliveries to several receivers happen in every order,
// which is what lets reductions be tested against
// arbitrary arrival orders.
func TestEventLoopArrivalOrders(t *testing.T) {
	orderings := map[[3]int]bool{}
	for i := 0; i < 5000; i++ {
		loop := NewEventLoop()
		stream := loop.Stream()
		var ordering [3]int
		for j := 0; j < 3; j++ {
			idx := j
			loop.Go(func(h *Handle) {
				ordering[idx] = h.Poll(stream).Message.(int)
			})
		}
		loop.Go(func(h *Handle) {
			for rank := 1; rank <= 3; rank++ {
				h.Schedule(stream, rank, float64(rank))
			}
		})
		if err := loop.Run(); err != nil {
			t.Fatal(err)
		}
		orderings[ordering] = true
	}
	if len(orderings) != 6 {
		t.Errorf("expected 6 possible orderings but saw %d", len(orderings))
	}
}

// TestEventLoopBuffering tests that events sent to a
// stream nobody is polling are queued until it is polled.
func TestEventLoopBuffering(t *testing.T) {
	loop := NewEventLoop()

	gather := loop.Stream()
	result := loop.Stream()

	value := make(chan any, 1)

	loop.Go(func(h *Handle) {
		h.Poll(gather)
		value <- h.Poll(result).Message
	})

	loop.Go(func(h *Handle) {
		h.Schedule(result, 100, 1.0)
		h.Sleep(2)
		h.Schedule(gather, 10, 3.0)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	if loop.Time() != 5.0 {
		t.Errorf("time should be 5.0 but got %f", loop.Time())
	}
	if val := <-value; val != 100 {
		t.Errorf("expected 100 but got %v", val)
	}
}

func TestEventLoopPollMulti(t *testing.T) {
	loop := NewEventLoop()

	streams := []*EventStream{loop.Stream(), loop.Stream(), loop.Stream()}
	values := make(chan any, 3)

	loop.Go(func(h *Handle) {
		for range streams {
			values <- h.Poll(streams[2], streams[1], streams[0]).Message
		}
	})

	loop.Go(func(h *Handle) {
		h.Schedule(streams[0], 1, 3.0)
		h.Sleep(3.5)
		h.Schedule(streams[2], 3, 7.0)

		// Real time plays no part in the order of events.
		time.Sleep(time.Second / 4)

		h.Schedule(streams[1], 2, 1.0)
	})

	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
	for _, expected := range []int{1, 2, 3} {
		if val := <-values; val != expected {
			t.Errorf("expected %d but got %v", expected, val)
		}
	}
}

func TestEventLoopCancel(t *testing.T) {
	loop := NewEventLoop()
	stream := loop.Stream()
	loop.Go(func(h *Handle) {
		h.Poll(stream)
	})
	loop.Go(func(h *Handle) {
		h.Cancel(h.Schedule(stream, 1, 1.0))
	})
	if err := loop.Run(); !errors.Is(err, ErrDeadlock) {
		t.Errorf("expected deadlock but got %v", err)
	}
}

// TestEventLoopDeadlocks makes sure that two participants
// waiting on each other are reported instead of hanging.
func TestEventLoopDeadlocks(t *testing.T) {
	loop := NewEventLoop()

	toFirst := loop.Stream()
	toSecond := loop.Stream()

	loop.Go(func(h *Handle) {
		h.Poll(toFirst)
		h.Schedule(toSecond, 3, 0.0)
	})

	loop.Go(func(h *Handle) {
		time.Sleep(time.Second / 4)
		h.Poll(toSecond)
		h.Schedule(toFirst, 5, 0.0)
	})

	if err := loop.Run(); !errors.Is(err, ErrDeadlock) {
		t.Errorf("expected deadlock but got %v", err)
	}
}
