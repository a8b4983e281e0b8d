// Package transport performs the single-byte request/response exchange with
// sensor nodes.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrTimeout means the node did not answer before the deadline.
	ErrTimeout = errors.New("transport: timed out")
	// ErrUnknownNode means no address is registered for the node.
	ErrUnknownNode = errors.New("transport: unknown node")
)

// Transport sends one command byte to a node and returns its status byte.
// Implementations must honour ctx's deadline.
type Transport interface {
	Request(ctx context.Context, nodeID string, cmd byte) (byte, error)
}

// Registry is implemented by transports that need a node's address.
type Registry interface {
	Register(nodeID, address string)
	Forget(nodeID string)
}
