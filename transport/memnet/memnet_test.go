package memnet

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unixpickle/pairsum/group"
)

func TestSendBlocksUntilReceived(t *testing.T) {
	req := require.New(t)
	network := NewNetwork(2)
	sender := network.Comm(1)
	receiver := network.Comm(0)

	sent := make(chan error, 1)
	go func() {
		sent <- sender.Channel.Send(0, group.TagGather, 5)
	}()

	// Given nobody is receiving, the send is still pending
	select {
	case <-sent:
		req.Fail("send returned before the value was received")
	case <-time.After(50 * time.Millisecond):
	}

	// When the coordinator receives
	value, err := receiver.Channel.Recv(1, group.TagGather)

	// Then both sides complete
	req.NoError(err)
	req.Equal(int64(5), value)
	req.NoError(<-sent)
}

func TestLinksAreKeyedByTag(t *testing.T) {
	req := require.New(t)
	network := NewNetwork(2)

	go func() {
		c := network.Comm(1)
		_ = c.Channel.Send(0, group.TagResult, 2)
		_ = c.Channel.Send(0, group.TagGather, 1)
	}()

	c := network.Comm(0)
	result, err := c.Channel.Recv(1, group.TagResult)
	req.NoError(err)
	gather, err := c.Channel.Recv(1, group.TagGather)
	req.NoError(err)
	req.Equal(int64(2), result)
	req.Equal(int64(1), gather)
}

func TestAbortUnblocksEveryone(t *testing.T) {
	req := require.New(t)

	network, errs := Run(3, func(c *group.Comm) error {
		if c.Rank == 2 {
			return &group.ConfigurationError{Rank: 2, Size: 3, Required: 2}
		}
		// Nobody ever sends on this key.
		_, err := c.Channel.Recv(2, group.TagGather)
		return err
	})

	code, aborted := network.Aborted()
	req.True(aborted)
	req.Equal(group.ExitConfig, code)

	var configErr *group.ConfigurationError
	req.ErrorAs(errs[2], &configErr)
	for _, err := range errs[:2] {
		var abortErr *group.AbortError
		req.True(errors.As(err, &abortErr), "unexpected error %v", err)
		req.Equal(group.ExitConfig, abortErr.Code)
	}
}

func TestRunSuccess(t *testing.T) {
	req := require.New(t)
	network, errs := Run(2, func(c *group.Comm) error {
		if c.Rank == 1 {
			return c.Channel.Send(0, group.TagGather, 7)
		}
		value, err := c.Channel.Recv(1, group.TagGather)
		req.Equal(int64(7), value)
		return err
	})
	_, aborted := network.Aborted()
	req.False(aborted)
	req.Equal([]error{nil, nil}, errs)
}

func TestInvalidPeer(t *testing.T) {
	req := require.New(t)
	c := NewNetwork(2).Comm(0)

	var failure *group.ChannelFailure
	req.ErrorAs(c.Channel.Send(0, group.TagGather, 1), &failure)
	_, err := c.Channel.Recv(2, group.TagGather)
	req.ErrorAs(err, &failure)
	req.Equal(2, failure.Peer)
}
