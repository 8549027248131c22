package bridge

import "github.com/orchestra-mcp/chatsync/src/types"

// Bridge relays encoded event frames between chat server instances so a
// user connected to one instance sees events produced on another.
type Bridge interface {
	// Publish sends a frame and its recipients to all other instances.
	Publish(recipients []types.UserID, frame []byte) error

	// Start begins listening for frames from other instances.
	Start() error

	// Stop shuts down the bridge connection.
	Stop() error

	// Available reports whether the bridge is connected and operational.
	Available() bool
}

// Target is implemented by the server to receive frames from the bridge.
type Target interface {
	DeliverLocal(recipients []types.UserID, frame []byte)
}
