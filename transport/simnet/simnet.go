// Package simnet implements group.Channel on top of a
// simulated network, so that protocols can be run on a
// virtual clock with randomized delivery orders.
package simnet

import (
	"fmt"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/pairsum/group"
	"github.com/unixpickle/pairsum/simulator"
)

// abortTag marks a message that aborts the group.
// Protocol tags are never negative.
const abortTag = -1

// valueSize is the wire size of an int64 payload.
const valueSize = 8

// An Endpoint is a single participant's view of the
// simulated network.
//
// An Endpoint must only be used from the Goroutine that
// owns its Handle.
type Endpoint struct {
	// Handle is the participant's Goroutine's handle on
	// the event loop.
	Handle *simulator.Handle

	// Node is the current participant's node.
	Node *simulator.Node

	// Nodes contains every node in the group, indexed by
	// rank, including Node.
	Nodes []*simulator.Node

	// Network connects the nodes.
	Network simulator.Network

	pending []*simulator.Message
	aborted *group.AbortError
}

// SpawnComms creates a Comm for every node and calls f for
// each one in its own Goroutine on the loop.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *group.Comm)) {
	for i := range nodes {
		node := nodes[i]
		loop.Go(func(h *simulator.Handle) {
			f(&group.Comm{
				Rank: node.Rank,
				Size: len(nodes),
				Channel: &Endpoint{
					Handle:  h,
					Node:    node,
					Nodes:   nodes,
					Network: network,
				},
			})
		})
	}
}

// Send schedules a value to be delivered to dest.
// It never blocks on the virtual clock.
func (e *Endpoint) Send(dest, tag int, value int64) error {
	if e.aborted != nil {
		return e.aborted
	}
	if err := e.checkPeer(dest); err != nil {
		return &group.ChannelFailure{Op: "send", Rank: e.Node.Rank, Peer: dest, Tag: tag, Err: err}
	}
	e.Network.Send(e.Handle, &simulator.Message{
		Source:  e.Node,
		Dest:    e.Nodes[dest],
		Tag:     tag,
		Payload: value,
		Size:    valueSize,
	})
	return nil
}

// Recv waits for the next value sent by src on tag.
//
// Messages from other sources or on other tags that
// arrive in the meantime are kept, in arrival order, for
// later calls.
func (e *Endpoint) Recv(src, tag int) (int64, error) {
	if e.aborted != nil {
		return 0, e.aborted
	}
	if err := e.checkPeer(src); err != nil {
		return 0, &group.ChannelFailure{Op: "recv", Rank: e.Node.Rank, Peer: src, Tag: tag, Err: err}
	}
	for i, msg := range e.pending {
		if msg.Source.Rank == src && msg.Tag == tag {
			essentials.OrderedDelete(&e.pending, i)
			return msg.Payload.(int64), nil
		}
	}
	for {
		msg := e.Node.Recv(e.Handle)
		if msg.Tag == abortTag {
			e.aborted = &group.AbortError{Code: msg.Payload.(int)}
			return 0, e.aborted
		}
		if msg.Source.Rank == src && msg.Tag == tag {
			return msg.Payload.(int64), nil
		}
		e.pending = append(e.pending, msg)
	}
}

// Abort notifies every other participant that the group
// is finished.
// Each peer fails its next blocking call.
func (e *Endpoint) Abort(code int) {
	if e.aborted != nil {
		return
	}
	e.aborted = &group.AbortError{Code: code}
	messages := make([]*simulator.Message, 0, len(e.Nodes)-1)
	for _, node := range e.Nodes {
		if node == e.Node {
			continue
		}
		messages = append(messages, &simulator.Message{
			Source:  e.Node,
			Dest:    node,
			Tag:     abortTag,
			Payload: code,
		})
	}
	e.Network.Send(e.Handle, messages...)
}

func (e *Endpoint) checkPeer(rank int) error {
	if rank < 0 || rank >= len(e.Nodes) {
		return fmt.Errorf("rank %d outside group of size %d", rank, len(e.Nodes))
	}
	if rank == e.Node.Rank {
		return fmt.Errorf("rank %d cannot message itself", rank)
	}
	return nil
}
