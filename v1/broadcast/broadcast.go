// Package broadcast delivers lock events to connected clients. A Hub tracks
// the connections of one node; an optional Backplane relays fan-out events
// to the hubs of other nodes.
package broadcast

import (
	"context"
	"errors"

	"github.com/mirkobrombin/go-adlock/v1/protocol"
)

// ErrUnknownConn is returned by Unicast when the connection is not registered.
var ErrUnknownConn = errors.New("broadcast: unknown connection")

// Channel is the transport used by the coordinator to emit events. Delivery
// is fire-and-forget: no acknowledgment, no retry.
type Channel interface {
	// Broadcast delivers evt to every connection interested in its resource.
	Broadcast(ctx context.Context, evt protocol.Event) error
	// Unicast delivers evt to a single connection.
	Unicast(ctx context.Context, connID string, evt protocol.Event) error
}

// Backplane relays opaque frames between nodes.
type Backplane interface {
	// Publish sends msg to every subscriber, including ones on this node.
	Publish(ctx context.Context, msg []byte) error
	// Subscribe returns a channel of frames published by any node. The channel
	// is closed when ctx is done or the backplane is closed.
	Subscribe(ctx context.Context) (<-chan []byte, error)
	Close() error
}

// Metrics counts events published by a hub, delivered to its local
// connections, and dropped on full send buffers.
type Metrics struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}
