// ABOUTME: Channel abstraction for the per-host transport carrying envelopes and answers.
// ABOUTME: Factories create channels from host metadata, selected by hypervisor kind.

package agent

import (
	"context"
	"errors"

	"github.com/2389/cauldron/internal/apierr"
	"github.com/2389/cauldron/internal/command"
	"github.com/2389/cauldron/internal/store"
)

var (
	// ErrHostUnavailable indicates no connected channel could be resolved for a host.
	ErrHostUnavailable = apierr.ErrHostUnavailable

	// ErrOperationTimedOut indicates no answer arrived before the envelope's timeout.
	ErrOperationTimedOut = apierr.ErrOperationTimedOut

	// ErrChannelClosed is returned by Dispatch after a channel has been closed.
	ErrChannelClosed = errors.New("channel closed")
)

// DefaultMaxOutstanding is used when a channel does not declare a limit.
const DefaultMaxOutstanding = 1

// Channel carries envelopes to a single host and delivers its answers.
//
// Dispatch registers the envelope under its Seq and returns a channel that
// receives exactly one answer: the host's, or a substitute marked
// Disconnected if the channel closes first. After Cancel the slot is gone and
// a late answer for that Seq is dropped.
type Channel interface {
	HostID() int64
	Connected() bool
	MaxOutstanding() int
	Dispatch(env *command.Envelope) (<-chan *command.Answer, error)
	Cancel(seq uint64)
	Close(reason string)
}

// ChannelFactory opens a channel for a host on first use.
type ChannelFactory interface {
	Open(ctx context.Context, host *store.Host) (Channel, error)
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(ctx context.Context, host *store.Host) (Channel, error)

// Open calls f.
func (f ChannelFactoryFunc) Open(ctx context.Context, host *store.Host) (Channel, error) {
	return f(ctx, host)
}
