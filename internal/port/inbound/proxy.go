// Package inbound defines the inbound port interfaces for the proxy core.
package inbound

import "context"

// Acceptor is the inbound port for the connection-accepting proxy engine.
// cmd wiring calls this interface; it does not know whether the
// implementation binds dual-stack or IPv4-only.
type Acceptor interface {
	// Start begins accepting connections and dispatching them to handlers.
	// Blocks until context is cancelled or a fatal bind/accept error occurs.
	// Returns nil on graceful shutdown.
	Start(ctx context.Context) error

	// Close stops accepting new connections and closes the listening socket.
	// In-flight connections drain independently; Close does not wait for them.
	Close() error
}
