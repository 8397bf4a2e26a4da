package session

import (
	"github.com/a-essam23/livepoll/internal/poll"
	"github.com/a-essam23/livepoll/pkg/state"
	"github.com/google/uuid"
)

// Action is one unit of work for the coordinator loop. The set is closed to
// this package; every state change in a session is one of these.
type Action interface {
	apply(c *Coordinator) error
}

// Connect registers a freshly upgraded connection.
type Connect struct {
	Transport   state.Transport
	IPAddress   string
	Permissions state.Permission
}

// Disconnect is sent when a transport is torn down. Unknown connections are ignored.
type Disconnect struct {
	ConnID uuid.UUID
}

type Join struct {
	ConnID   uuid.UUID
	Identity string
}

type CreatePoll struct {
	ConnID     uuid.UUID
	Definition poll.Definition
}

type Vote struct {
	ConnID      uuid.UUID
	OptionIndex int
}

type Kick struct {
	ConnID uuid.UUID
	Target string
}

type Chat struct {
	ConnID uuid.UUID
	Body   string
	// SenderName is honoured only for presenter connections that never joined.
	SenderName string
}

// expire is enqueued by the poll timer, never by a client.
type expire struct {
	generation uint64
}

// inspect runs fn on the loop so reads see a consistent view.
type inspect struct {
	fn func(c *Coordinator)
}

func (a Connect) apply(c *Coordinator) error    { return c.connect(a) }
func (a Disconnect) apply(c *Coordinator) error { return c.disconnect(a) }
func (a Join) apply(c *Coordinator) error       { return c.join(a) }
func (a CreatePoll) apply(c *Coordinator) error { return c.createPoll(a) }
func (a Vote) apply(c *Coordinator) error       { return c.vote(a) }
func (a Kick) apply(c *Coordinator) error       { return c.kick(a) }
func (a Chat) apply(c *Coordinator) error       { return c.chat(a) }
func (a expire) apply(c *Coordinator) error     { return c.expire(a) }
func (a inspect) apply(c *Coordinator) error {
	a.fn(c)
	return nil
}
