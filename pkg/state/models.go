package state

import (
	"time"

	"github.com/google/uuid"
)

// Transport is the live side of a connection: something frames can be pushed to and closed.
type Transport interface {
	ID() uuid.UUID
	// Send queues a frame and reports whether it was accepted. It must not block.
	Send(message []byte) bool
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID          uuid.UUID
	IPAddress   string
	Transport   Transport  // The actual connection for sending messages
	Identity    string     // Display name once joined, empty otherwise
	Permissions Permission // What this connection is allowed to do
	CreatedAt   time.Time
}

// Joined reports whether the connection holds a roster identity.
func (c *Connection) Joined() bool {
	return c.Identity != ""
}
