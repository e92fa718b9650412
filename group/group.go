// Package group describes a participant's view of a
// process group: its rank, the group size, and the
// point-to-point channel it uses to reach its peers.
package group

//go:generate go run go.uber.org/mock/mockgen -source=group.go -destination=mocks/mock_channel.go -package=mocks

// Tags used by the reduction protocol.
const (
	// TagGather carries a local value from a participant
	// to the coordinator.
	TagGather = 0

	// TagResult carries the reduced value from the
	// coordinator back to a participant.
	TagResult = 1
)

// A Channel is the set of point-to-point links owned by a
// single participant.
//
// Messages between a fixed (source, destination, tag) are
// delivered in the order they were sent.
// No ordering is guaranteed across different keys.
type Channel interface {
	// Send delivers a value to dest on the given tag.
	// It may block until the value is received.
	Send(dest, tag int, value int64) error

	// Recv blocks until a value sent by src on the given
	// tag arrives.
	Recv(src, tag int) (int64, error)

	// Abort terminates every participant in the group.
	// Pending and future calls on every Channel fail with
	// an *AbortError carrying the code.
	Abort(code int)
}

// Comm is a participant's view of the group.
// A new Comm is created by the runtime for every run and
// is not modified afterwards.
type Comm struct {
	// Rank is this participant's index in [0, Size).
	Rank int

	// Size is the number of participants in the group.
	Size int

	// Channel reaches the other participants.
	Channel Channel
}

// Validate checks that the rank and size describe a
// well-formed group.
func (c *Comm) Validate() error {
	if c.Size < 1 {
		return &ConfigurationError{Rank: c.Rank, Size: c.Size, Reason: "group size must be at least 1"}
	}
	if c.Rank < 0 || c.Rank >= c.Size {
		return &ConfigurationError{Rank: c.Rank, Size: c.Size, Reason: "rank out of range"}
	}
	return nil
}

// IsCoordinator reports whether this participant is rank
// 0, the participant that aggregates everyone's values.
func (c *Comm) IsCoordinator() bool {
	return c.Rank == 0
}

// Peers returns the ranks of every other participant, in
// increasing order.
func (c *Comm) Peers() []int {
	res := make([]int, 0, c.Size-1)
	for i := 0; i < c.Size; i++ {
		if i != c.Rank {
			res = append(res, i)
		}
	}
	return res
}

// Fail aborts the whole group with the exit code that
// corresponds to err, and returns that code.
//
// Partial participation would leave peers blocked
// forever, so every fatal error goes through here.
func (c *Comm) Fail(err error) int {
	code := ExitCode(err)
	if code == ExitOK {
		code = ExitRuntime
	}
	c.Channel.Abort(code)
	return code
}
