// Package memnet implements group.Channel with unbuffered
// Go channels between Goroutines in a single process.
//
// Every send blocks until the matching receive, which is
// the weakest delivery guarantee a protocol can rely on.
package memnet

import (
	"fmt"
	"sync"

	"github.com/unixpickle/pairsum/group"
	"golang.org/x/sync/errgroup"
)

type link struct {
	src int
	dst int
	tag int
}

// A Network connects a fixed number of in-process
// participants.
type Network struct {
	size int

	lock  sync.Mutex
	links map[link]chan int64

	done      chan struct{}
	abortOnce sync.Once
	abortCode int
}

// NewNetwork creates a network for a group of the given
// size.
func NewNetwork(size int) *Network {
	return &Network{
		size:  size,
		links: map[link]chan int64{},
		done:  make(chan struct{}),
	}
}

// Size returns the number of participants.
func (n *Network) Size() int {
	return n.size
}

// Comm creates the Comm for a rank.
func (n *Network) Comm(rank int) *group.Comm {
	return &group.Comm{
		Rank:    rank,
		Size:    n.size,
		Channel: &Endpoint{network: n, rank: rank},
	}
}

// Abort terminates the group.
// Only the first code is kept.
func (n *Network) Abort(code int) {
	n.abortOnce.Do(func() {
		n.abortCode = code
		close(n.done)
	})
}

// Aborted returns the abort code, if the group has been
// aborted.
func (n *Network) Aborted() (int, bool) {
	select {
	case <-n.done:
		return n.abortCode, true
	default:
		return 0, false
	}
}

func (n *Network) link(src, dst, tag int) chan int64 {
	n.lock.Lock()
	defer n.lock.Unlock()
	key := link{src: src, dst: dst, tag: tag}
	ch, ok := n.links[key]
	if !ok {
		ch = make(chan int64)
		n.links[key] = ch
	}
	return ch
}

func (n *Network) abortError() error {
	return &group.AbortError{Code: n.abortCode}
}

// An Endpoint is one participant's Channel.
type Endpoint struct {
	network *Network
	rank    int
}

// Send blocks until dest receives the value on tag, or
// until the group is aborted.
func (e *Endpoint) Send(dest, tag int, value int64) error {
	if err := e.checkPeer(dest); err != nil {
		return &group.ChannelFailure{Op: "send", Rank: e.rank, Peer: dest, Tag: tag, Err: err}
	}
	select {
	case e.network.link(e.rank, dest, tag) <- value:
		return nil
	case <-e.network.done:
		return e.network.abortError()
	}
}

// Recv blocks until src sends a value on tag, or until
// the group is aborted.
func (e *Endpoint) Recv(src, tag int) (int64, error) {
	if err := e.checkPeer(src); err != nil {
		return 0, &group.ChannelFailure{Op: "recv", Rank: e.rank, Peer: src, Tag: tag, Err: err}
	}
	select {
	case value := <-e.network.link(src, e.rank, tag):
		return value, nil
	case <-e.network.done:
		return 0, e.network.abortError()
	}
}

// Abort terminates every participant in the network.
func (e *Endpoint) Abort(code int) {
	e.network.Abort(code)
}

func (e *Endpoint) checkPeer(rank int) error {
	if rank < 0 || rank >= e.network.size {
		return fmt.Errorf("rank %d outside group of size %d", rank, e.network.size)
	}
	if rank == e.rank {
		return fmt.Errorf("rank %d cannot message itself", rank)
	}
	return nil
}

// Run calls f for every rank of a new group, each in its
// own Goroutine, and waits for all of them.
//
// The first rank to fail aborts the group, so no rank is
// left blocked on a peer that gave up.
// The returned slice holds each rank's error.
func Run(size int, f func(c *group.Comm) error) (*Network, []error) {
	network := NewNetwork(size)
	errs := make([]error, size)
	var g errgroup.Group
	for rank := 0; rank < size; rank++ {
		comm := network.Comm(rank)
		g.Go(func() error {
			err := f(comm)
			if err != nil {
				comm.Fail(err)
			}
			errs[comm.Rank] = err
			return err
		})
	}
	g.Wait()
	return network, errs
}
