// Command bench_reduce measures how long a star reduction
// takes, in virtual seconds, on simulated networks.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/pairsum/group"
	"github.com/unixpickle/pairsum/reduce"
	"github.com/unixpickle/pairsum/simulator"
	"github.com/unixpickle/pairsum/transport/simnet"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	Latency float64
	Rate    float64
}

// Run creates a network and drops each participant into
// its own Goroutine.
// It returns the virtual time at which the last
// participant finished.
func (r *RunInfo) Run(size int, reducer reduce.Reducer) float64 {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(loop, size)
	network := &simulator.OrderedNetwork{Rate: r.Rate, Latency: r.Latency}
	simnet.SpawnComms(loop, network, nodes, func(c *group.Comm) {
		_, err := reducer.Reduce(c, int64(c.Rank))
		essentials.Must(err)
	})
	essentials.Must(loop.Run())
	return loop.Time()
}

func main() {
	runs := []RunInfo{
		{Latency: 0.1, Rate: 1e6},
		{Latency: 1e-3, Rate: 1e6},
		{Latency: 1e-4, Rate: 1e9},
	}
	sizes := []int{2, 4, 16, 64, 256}

	table := tablewriter.NewWriter(os.Stdout)
	header := []string{"Latency", "NIC rate"}
	for _, size := range sizes {
		header = append(header, fmt.Sprintf("N=%d", size))
	}
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")

	for _, runInfo := range runs {
		row := []string{
			strconv.FormatFloat(runInfo.Latency, 'f', -1, 64),
			strconv.FormatFloat(runInfo.Rate, 'E', -1, 64),
		}
		for _, size := range sizes {
			row = append(row, fmt.Sprintf("%f", runInfo.Run(size, reduce.StarReducer{})))
		}
		table.Append(row)
	}
	table.Render()
}
