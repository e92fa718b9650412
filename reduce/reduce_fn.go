package reduce

// A ReduceFn folds a participant's value into an
// accumulator.
//
// It must be associative and commutative, so that the
// result does not depend on the order in which the
// coordinator hears from participants.
type ReduceFn func(acc, x int64) int64

// Sum is a ReduceFn that adds values.
// Overflow wraps around identically on every participant.
func Sum(acc, x int64) int64 {
	return acc + x
}

// Max is a ReduceFn that keeps the largest value.
func Max(acc, x int64) int64 {
	if x > acc {
		return x
	}
	return acc
}

// Min is a ReduceFn that keeps the smallest value.
func Min(acc, x int64) int64 {
	if x < acc {
		return x
	}
	return acc
}
