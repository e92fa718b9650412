package reduce

import (
	"errors"

	"github.com/unixpickle/pairsum/group"
)

// A StarReducer gathers every value at the coordinator
// (rank 0) and then sends the result back to every other
// participant.
//
// A reduction over n participants performs exactly
// 2*(n-1) point-to-point transmissions.
// It is correct even if every Send blocks until the
// matching Recv.
type StarReducer struct {
	// GroupSize is the number of participants the
	// protocol requires.
	// If GroupSize is 0, any group size is accepted.
	GroupSize int

	// Op folds values together.
	// If Op is nil, Sum is used.
	Op ReduceFn
}

// Reduce returns the reduction of every participant's
// value.
//
// If the group does not have the required size, a
// *group.ConfigurationError is returned before any message
// is sent, and the caller must abort the group.
func (s StarReducer) Reduce(c *group.Comm, value int64) (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	if s.GroupSize != 0 && c.Size != s.GroupSize {
		return 0, &group.ConfigurationError{
			Rank:     c.Rank,
			Size:     c.Size,
			Required: s.GroupSize,
			Reason:   "star reduction",
		}
	}
	if c.Size == 1 {
		return value, nil
	}
	if c.IsCoordinator() {
		return s.reduceRoot(c, value)
	}
	return s.reduceOther(c, value)
}

func (s StarReducer) reduceRoot(c *group.Comm, value int64) (int64, error) {
	op := s.op()

	acc := value
	for rank := 1; rank < c.Size; rank++ {
		x, err := c.Channel.Recv(rank, group.TagGather)
		if err != nil {
			return 0, channelFailure(c, "recv", rank, group.TagGather, err)
		}
		acc = op(acc, x)
	}

	for rank := 1; rank < c.Size; rank++ {
		if err := c.Channel.Send(rank, group.TagResult, acc); err != nil {
			return 0, channelFailure(c, "send", rank, group.TagResult, err)
		}
	}

	return acc, nil
}

func (s StarReducer) reduceOther(c *group.Comm, value int64) (int64, error) {
	if err := c.Channel.Send(0, group.TagGather, value); err != nil {
		return 0, channelFailure(c, "send", 0, group.TagGather, err)
	}
	res, err := c.Channel.Recv(0, group.TagResult)
	if err != nil {
		return 0, channelFailure(c, "recv", 0, group.TagResult, err)
	}
	return res, nil
}

func (s StarReducer) op() ReduceFn {
	if s.Op == nil {
		return Sum
	}
	return s.Op
}

// channelFailure wraps a transport error, leaving errors
// that already identify the failure untouched.
func channelFailure(c *group.Comm, op string, peer, tag int, err error) error {
	var abortErr *group.AbortError
	var failure *group.ChannelFailure
	if errors.As(err, &abortErr) || errors.As(err, &failure) {
		return err
	}
	return &group.ChannelFailure{Op: op, Rank: c.Rank, Peer: peer, Tag: tag, Err: err}
}
