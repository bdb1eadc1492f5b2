package transport

import (
	"context"
	"errors"
)

// ErrChannelNotFound is returned by Resolve when the platform does not know the channel
// or the bot cannot see it.
var ErrChannelNotFound = errors.New("channel not found")

// Fence marks a preformatted block. Relayed segments and chat log lines are wrapped in it.
const Fence = "```"

// FenceOverhead is the number of characters a pair of fences adds to a message.
const FenceOverhead = 2 * len(Fence)

// Channel is a resolved destination.
type Channel struct {
	ID       int64
	Name     string
	Platform string
}

type MessageRef struct {
	ChannelID int64
	MessageID string
}

// Adapter is a chat platform session.
//
// Open authenticates once; Send delivers exactly one message and never splits it.
type Adapter interface {
	Name() string
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	Resolve(ctx context.Context, channelID int64) (Channel, error)
	Send(ctx context.Context, ch Channel, text string) (MessageRef, error)

	// MessageLimit is the maximum message length in characters.
	MessageLimit() int
}
