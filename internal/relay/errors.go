package relay

import (
	"errors"
	"fmt"

	kit "pagerelay/internal/transport"
)

// ErrChannelNotFound is returned when the destination channel cannot be resolved.
var ErrChannelNotFound = kit.ErrChannelNotFound

// ErrEmptyPayload fails a run whose source answered 200 with an empty body.
var ErrEmptyPayload = errors.New("empty payload")

// SendError reports the segment whose delivery failed.
type SendError struct {
	Index int
	Err   error
}

func (e *SendError) Error() string { return fmt.Sprintf("send segment %d: %v", e.Index, e.Err) }

func (e *SendError) Unwrap() error { return e.Err }
