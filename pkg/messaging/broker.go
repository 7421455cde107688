package messaging

import (
	"context"
	"errors"
)

// ErrClosed is returned by brokers after Close.
var ErrClosed = errors.New("broker closed")

// Broker defines the interface for message brokers
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Auth broadcast channel and event types.
const (
	AuthChannel = "auth"

	EventLogin  = "auth:login"
	EventLogout = "auth:logout"
)

// Event is a cross-process notification. Origin identifies the sender so a
// process can ignore its own broadcasts; receivers re-derive all other state.
type Event struct {
	Type   string `json:"type"`
	Origin string `json:"origin,omitempty"`
}
