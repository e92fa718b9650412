// Command pairsum-local runs a whole process group inside
// one process, one Goroutine per participant.
//
// By default it runs the two-participant exchange of the
// values 3 and 5.
// Set VALUES to a comma-separated list to choose the group
// size and values, and REQUIRED_SIZE=0 to accept any size.
package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/unixpickle/pairsum/group"
	"github.com/unixpickle/pairsum/internal"
	"github.com/unixpickle/pairsum/reduce"
	"github.com/unixpickle/pairsum/transport/memnet"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairsum-local: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	config, err := internal.LoadLocalConfig()
	if err != nil {
		return group.ExitConfig, err
	}
	values, err := config.ParseValues()
	if err != nil {
		return group.ExitConfig, err
	}
	logger := logs.GetLoggerFromString(config.LogLevel).With("run", uuid.NewString())
	logger.Debug("starting group", "size", len(values))

	reducer := reduce.StarReducer{GroupSize: config.RequiredSize}
	results := make([]int64, len(values))
	network, errs := memnet.Run(len(values), func(c *group.Comm) error {
		sum, err := reducer.Reduce(c, values[c.Rank])
		if err != nil {
			logger.Debug("participant failed", "rank", c.Rank, "error", err)
			return err
		}
		results[c.Rank] = sum
		return nil
	})

	if code, aborted := network.Aborted(); aborted {
		// The coordinator reports the reason for the whole
		// group.
		logger.Error("group aborted", "code", code)
		return code, errs[0]
	}

	for rank, sum := range results {
		color.Cyan.Printf("Rank %d: Final sum is %d\n", rank, sum)
	}
	return group.ExitOK, nil
}
