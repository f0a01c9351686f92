// Package sink defines the delivery abstraction the consumer drives and
// the connection state, retry policy and error classification shared by
// every concrete transport.
package sink

import (
	"context"

	"github.com/tinytelemetry/otter/internal/model"
)

// State is the lifecycle state of a transport handle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Invalidated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Invalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Transport delivers records to one downstream system. A Transport is
// owned by a single consumer and is not safe for concurrent Send calls;
// State and Valid may be read from any goroutine.
type Transport interface {
	Name() string

	// Connect establishes the connection, retrying under the transport's
	// Backoff. It returns ErrConnectExhausted when every attempt failed.
	Connect(ctx context.Context) error

	// Send serializes and transmits every line of rec. On a structural
	// failure the transport invalidates itself before returning a
	// *TransportError.
	Send(ctx context.Context, rec model.Record) error

	// Reconnect re-runs the connection procedure. It is a no-op on a
	// valid handle.
	Reconnect(ctx context.Context) error

	// Invalidate marks the handle unusable and releases the underlying
	// connection.
	Invalidate()

	Valid() bool
	State() State

	// Close releases all resources. The transport must not be used after.
	Close() error
}
