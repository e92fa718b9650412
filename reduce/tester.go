package reduce

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/unixpickle/pairsum/group"
	"github.com/unixpickle/pairsum/simulator"
	"github.com/unixpickle/pairsum/transport/memnet"
	"github.com/unixpickle/pairsum/transport/simnet"
)

// RunReducerTests runs a battery of tests on a Reducer
// that computes sums over groups of any size.
//
// Every group is run on a randomly delayed network, on a
// FIFO network, and on fully synchronous channels.
func RunReducerTests(t *testing.T, reducer Reducer) {
	for _, size := range []int{1, 2, 3, 5, 16, 17} {
		for _, network := range []string{"random", "ordered", "sync"} {
			testName := fmt.Sprintf("Size=%d,Network=%s", size, network)
			t.Run(testName, func(t *testing.T) {
				values := make([]int64, size)
				var sum int64
				for i := range values {
					values[i] = rand.Int63n(2000) - 1000
					sum += values[i]
				}
				results, errs := RunGroup(network, reducer, values)
				for rank, err := range errs {
					if err != nil {
						t.Fatalf("rank %d: %v", rank, err)
					}
				}
				verifyReductionResults(t, results, sum)
			})
		}
	}
}

// RunGroup runs reducer on a new group with one
// participant per value and returns every participant's
// result and error.
//
// The network is "random" or "ordered" for the
// simulator's networks, or "sync" for memnet.
// A failing participant aborts the group.
func RunGroup(network string, reducer Reducer, values []int64) ([]int64, []error) {
	results := make([]int64, len(values))
	errs := make([]error, len(values))
	run := func(c *group.Comm) error {
		res, err := reducer.Reduce(c, values[c.Rank])
		results[c.Rank] = res
		errs[c.Rank] = err
		return err
	}

	switch network {
	case "sync":
		memnet.Run(len(values), run)
		return results, errs
	case "random", "ordered":
		loop := simulator.NewEventLoop()
		nodes := simulator.NewNodes(loop, len(values))
		var net simulator.Network = simulator.RandomNetwork{}
		if network == "ordered" {
			net = simulator.NewOrderedNetwork(1e3, 0.1)
		}
		simnet.SpawnComms(loop, net, nodes, func(c *group.Comm) {
			if err := run(c); err != nil {
				c.Fail(err)
			}
		})
		loop.MustRun()
		return results, errs
	default:
		panic("unknown network: " + network)
	}
}

func verifyReductionResults(t *testing.T, results []int64, expected int64) {
	for rank, res := range results {
		if res != expected {
			t.Errorf("rank %d: expected %d but got %d", rank, expected, res)
		}
	}
}
