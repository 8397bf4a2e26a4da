package state

import (
	"errors"

	"github.com/google/uuid"
)

var (
	ErrDuplicateIdentity = errors.New("identity is already taken")
	ErrAlreadyJoined     = errors.New("connection has already joined")
	ErrUnknownConnection = errors.New("connection is not registered")
	ErrConnectionExists  = errors.New("connection is already registered")
	ErrEmptyIdentity     = errors.New("identity cannot be empty")
)

// Manager is the single source of truth for who is connected and who has joined.
type Manager interface {
	// --- Connection Lifecycle ---
	RegisterConnection(t Transport, ipAddr string, perms Permission) (*Connection, error)
	// DeregisterConnection removes the connection and any roster identity bound to it.
	DeregisterConnection(connID uuid.UUID) (*Connection, bool)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	Connections() []*Connection
	ConnectionCountByIP(ipAddr string) int
	FindOldestConnectionByIP(ipAddr string) (*Connection, bool)

	// --- Roster ---
	// Join binds identity to the connection. Identities are unique across the roster.
	Join(connID uuid.UUID, identity string) error
	// Leave unbinds identity. Absent identities are a no-op reporting false.
	Leave(identity string) (*Connection, bool)
	Identities() []string
	Resolve(identity string) (*Connection, bool)
}
