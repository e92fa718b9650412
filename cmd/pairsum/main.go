// Command pairsum runs one participant of a process group.
// Every participant contributes LOCAL_VALUE and prints
// the group's sum.
//
// To run a two-participant group, start one process per
// rank with the same ADDRESSES:
//
//	RANK=0 GROUP_SIZE=2 LOCAL_VALUE=3 ADDRESSES=:5000,:5001 pairsum
//	RANK=1 GROUP_SIZE=2 LOCAL_VALUE=5 ADDRESSES=:5000,:5001 pairsum
package main

import (
	"fmt"
	"os"

	"github.com/mama165/sdk-go/logs"
	"github.com/unixpickle/pairsum/group"
	"github.com/unixpickle/pairsum/internal"
	"github.com/unixpickle/pairsum/reduce"
	"github.com/unixpickle/pairsum/transport/wsnet"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairsum: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	config, err := internal.LoadRankConfig()
	if err != nil {
		return group.ExitConfig, err
	}
	logger := logs.GetLoggerFromString(config.LogLevel).With("rank", config.Rank)

	transport, err := wsnet.Open(wsnet.Config{
		Rank:        config.Rank,
		Size:        config.GroupSize,
		Addrs:       config.AddressList(),
		DialTimeout: config.DialTimeout,
		Log:         logger,
		OnAbort: func(code int) {
			logger.Error("group aborted", "code", code)
		},
	})
	if err != nil {
		return group.ExitCode(err), err
	}
	defer transport.Close()

	comm := transport.Comm()
	reducer := reduce.StarReducer{GroupSize: config.RequiredSize}
	sum, err := reducer.Reduce(comm, config.LocalValue)
	if err != nil {
		return comm.Fail(err), err
	}

	fmt.Printf("Rank %d: Final sum is %d\n", comm.Rank, sum)
	return group.ExitOK, nil
}
