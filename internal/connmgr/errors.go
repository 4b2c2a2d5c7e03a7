package connmgr

import (
	"errors"
	"fmt"
)

// ErrClientClosed reports a write to a client that was disconnected or
// whose peer went away.
var ErrClientClosed = errors.New("connmgr: client closed")

// DeliveryError is returned when a message cannot be written to a client.
type DeliveryError struct {
	ClientID string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("connmgr: deliver to %s: %v", e.ClientID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
