package simnet

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unixpickle/pairsum/group"
	"github.com/unixpickle/pairsum/simulator"
)

func TestEndpointMatchesSourceAndTag(t *testing.T) {
	req := require.New(t)
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(loop, 3)
	network := simulator.NewOrderedNetwork(1e3, 0.1)

	var got []int64
	SpawnComms(loop, network, nodes, func(c *group.Comm) {
		switch c.Rank {
		case 0:
			// Receive in the opposite order to sending.
			for _, key := range [][2]int{{2, 1}, {1, 1}, {2, 0}, {1, 0}} {
				value, err := c.Channel.Recv(key[0], key[1])
				req.NoError(err)
				got = append(got, value)
			}
		default:
			req.NoError(c.Channel.Send(0, 0, int64(c.Rank*10)))
			req.NoError(c.Channel.Send(0, 1, int64(c.Rank*10+1)))
		}
	})

	req.NoError(loop.Run())
	req.Equal([]int64{21, 11, 20, 10}, got)
}

func TestEndpointFIFOPerTag(t *testing.T) {
	req := require.New(t)
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(loop, 2)
	network := simulator.NewOrderedNetwork(1e3, 1)

	var got []int64
	SpawnComms(loop, network, nodes, func(c *group.Comm) {
		if c.Rank == 1 {
			for i := int64(0); i < 5; i++ {
				req.NoError(c.Channel.Send(0, 0, i))
			}
			return
		}
		for i := 0; i < 5; i++ {
			value, err := c.Channel.Recv(1, 0)
			req.NoError(err)
			got = append(got, value)
		}
	})

	req.NoError(loop.Run())
	req.Equal([]int64{0, 1, 2, 3, 4}, got)
}

func TestEndpointAbort(t *testing.T) {
	req := require.New(t)
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(loop, 3)

	errs := make([]error, 3)
	SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *group.Comm) {
		if c.Rank == 2 {
			c.Channel.Abort(group.ExitConfig)
			errs[c.Rank] = c.Channel.Send(0, 0, 1)
			return
		}
		// Waiting on a value nobody will send.
		_, errs[c.Rank] = c.Channel.Recv(2, 0)
	})

	// Then nobody hangs
	req.NoError(loop.Run())
	for rank, err := range errs {
		var abortErr *group.AbortError
		req.True(errors.As(err, &abortErr), "rank %d: %v", rank, err)
		req.Equal(group.ExitConfig, abortErr.Code)
	}
}

func TestEndpointInvalidPeer(t *testing.T) {
	req := require.New(t)
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(loop, 2)

	SpawnComms(loop, simulator.RandomNetwork{}, nodes, func(c *group.Comm) {
		var failure *group.ChannelFailure
		req.ErrorAs(c.Channel.Send(5, 0, 1), &failure)
		req.Equal("send", failure.Op)
		_, err := c.Channel.Recv(c.Rank, 0)
		req.ErrorAs(err, &failure)
		req.Equal("recv", failure.Op)
	})

	req.NoError(loop.Run())
}
