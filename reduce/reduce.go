// Package reduce combines one integer from every
// participant of a group into a single value held by all
// of them.
package reduce

import "github.com/unixpickle/pairsum/group"

// A Reducer is an algorithm that reduces values that are
// distributed across the participants of a group.
//
// Reduce must be called exactly once by every participant
// of a freshly formed group.
// It is not safe to call Reduce() twice on the same Comm,
// since stale messages could be matched by the second call.
type Reducer interface {
	Reduce(c *group.Comm, value int64) (int64, error)
}

// Pairwise is the two-participant exchange: the group
// must contain exactly two participants.
var Pairwise = StarReducer{GroupSize: 2}

// Reduce sums value across a group of any size.
func Reduce(c *group.Comm, value int64) (int64, error) {
	return StarReducer{}.Reduce(c, value)
}
