package group

import (
	"errors"
	"fmt"
)

// Exit statuses reported by a group.
const (
	ExitOK = 0

	// ExitConfig is used when the group does not have the
	// shape the protocol requires.
	ExitConfig = 1

	// ExitChannel is used when a transport fails.
	ExitChannel = 2

	// ExitRuntime is used for any other failure.
	ExitRuntime = 3
)

// A ConfigurationError indicates that the group topology
// cannot satisfy the protocol.
// Some participant would wait forever for a peer that does
// not exist, so the only valid response is to abort.
type ConfigurationError struct {
	Rank int
	Size int

	// Required is the group size the protocol expects,
	// or 0 if any size is acceptable.
	Required int

	Reason string
}

func (c *ConfigurationError) Error() string {
	if c.Required != 0 {
		return fmt.Sprintf("configuration error (rank %d): %s: group size is %d but exactly %d "+
			"participants are required", c.Rank, c.Reason, c.Size, c.Required)
	}
	return fmt.Sprintf("configuration error (rank %d, size %d): %s", c.Rank, c.Size, c.Reason)
}

// A ChannelFailure indicates that a send or receive failed
// at the transport layer.
// Retrying could desynchronize the group, so it is fatal.
type ChannelFailure struct {
	// Op is either "send" or "recv".
	Op string

	Rank int
	Peer int
	Tag  int

	Err error
}

func (c *ChannelFailure) Error() string {
	return fmt.Sprintf("channel failure: rank %d %s peer %d (tag %d): %v",
		c.Rank, c.Op, c.Peer, c.Tag, c.Err)
}

func (c *ChannelFailure) Unwrap() error {
	return c.Err
}

// An AbortError is returned by a Channel after the group
// has been aborted.
type AbortError struct {
	Code int
}

func (a *AbortError) Error() string {
	return fmt.Sprintf("group aborted with code %d", a.Code)
}

// ExitCode maps an error to the process exit status that
// reports it.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var abortErr *AbortError
	if errors.As(err, &abortErr) && abortErr.Code != ExitOK {
		return abortErr.Code
	}
	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return ExitConfig
	}
	var channelErr *ChannelFailure
	if errors.As(err, &channelErr) {
		return ExitChannel
	}
	return ExitRuntime
}
