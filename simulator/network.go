package simulator

import (
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// A Node represents a participant on a virtual network.
type Node struct {
	// Rank is the participant's index in its group.
	Rank int

	// A stream of *Message objects.
	Incoming *EventStream
}

// NewNode creates a Node with its own incoming stream.
func NewNode(loop *EventLoop, rank int) *Node {
	return &Node{Rank: rank, Incoming: loop.Stream()}
}

// NewNodes creates one Node for every rank in a group of
// the given size.
func NewNodes(loop *EventLoop, size int) []*Node {
	res := make([]*Node, size)
	for i := range res {
		res[i] = NewNode(loop, i)
	}
	return res
}

// Recv receives the next message sent to the node.
func (n *Node) Recv(h *Handle) *Message {
	return h.Poll(n.Incoming).Message.(*Message)
}

// A Message is a tagged value sent between nodes over a
// network.
type Message struct {
	Source *Node
	Dest   *Node
	Tag    int

	Payload any

	// Size is the number of bytes on the wire.
	Size float64
}

// A Network represents an abstract way of communicating
// between nodes.
type Network interface {
	// Send message objects from one node to another.
	// The message will arrive on the receiving node's
	// incoming EventStream if the communication is
	// successful.
	//
	// This is a non-blocking operation.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork is a network that assigns random delays
// to every message.
//
// Messages on the same edge may be reordered.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64())
	}
}

// An OrderedNetwork delivers messages sent to a node in
// order, while allowing random latency and crashed nodes.
type OrderedNetwork struct {
	// Rate is the number of bytes per unit of virtual
	// time a node can receive.
	// It must be positive.
	Rate float64

	// Latency is added to every message.
	Latency float64

	// MaxRandomLatency bounds an extra random delay added
	// to every message.
	MaxRandomLatency float64

	lock      sync.Mutex
	nextTimes map[*Node]float64
	downNodes map[*Node]bool
	timers    map[*Node][]*Timer
}

// NewOrderedNetwork creates an OrderedNetwork with no
// fixed latency.
func NewOrderedNetwork(rate float64, maxRandomLatency float64) *OrderedNetwork {
	return &OrderedNetwork{
		Rate:             rate,
		MaxRandomLatency: maxRandomLatency,
		nextTimes:        map[*Node]float64{},
		downNodes:        map[*Node]bool{},
		timers:           map[*Node][]*Timer{},
	}
}

// Send sends the messages over the network in order.
//
// Messages to or from a down node are dropped.
func (o *OrderedNetwork) Send(h *Handle, msgs ...*Message) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.init()
	o.cleanupTimers(h)

	curTime := h.Time()

	for _, msg := range msgs {
		src := msg.Source
		dest := msg.Dest
		if o.downNodes[src] || o.downNodes[dest] {
			continue
		}
		delay := o.Latency + rand.Float64()*o.MaxRandomLatency + msg.Size/o.Rate

		// Deliveries to a node are serialized, so a message
		// never overtakes an earlier one to the same node.
		if t, ok := o.nextTimes[dest]; ok && t > curTime {
			delay += t - curTime
		}
		timer := h.Schedule(dest.Incoming, msg, delay)
		o.nextTimes[dest] = curTime + delay

		o.timers[dest] = append(o.timers[dest], timer)
		o.timers[src] = append(o.timers[src], timer)
	}
}

// SetDown marks a node as crashed (or recovered).
//
// Crashing a node drops every message in flight to or
// from it.
func (o *OrderedNetwork) SetDown(h *Handle, node *Node, down bool) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.init()
	o.downNodes[node] = down

	if !down {
		return
	}

	delete(o.nextTimes, node)

	o.cleanupTimers(h)
	canceled := map[*Timer]bool{}
	for _, t := range o.timers[node] {
		canceled[t] = true
		h.Cancel(t)
	}
	delete(o.timers, node)
	o.filterTimers(func(t *Timer) bool {
		return !canceled[t]
	})
}

func (o *OrderedNetwork) init() {
	if o.nextTimes == nil {
		o.nextTimes = map[*Node]float64{}
		o.downNodes = map[*Node]bool{}
		o.timers = map[*Node][]*Timer{}
	}
}

func (o *OrderedNetwork) cleanupTimers(h *Handle) {
	time := h.Time()
	o.filterTimers(func(t *Timer) bool {
		return t.Time() >= time
	})
}

func (o *OrderedNetwork) filterTimers(keep func(t *Timer) bool) {
	for node, timers := range o.timers {
		for i := 0; i < len(timers); i++ {
			if !keep(timers[i]) {
				essentials.UnorderedDelete(&timers, i)
				i--
			}
		}
		o.timers[node] = timers
	}
}
