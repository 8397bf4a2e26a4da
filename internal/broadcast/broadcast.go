package broadcast

import (
	"fmt"
	"log/slog"

	"github.com/a-essam23/livepoll/pkg/protocol"
	"github.com/a-essam23/livepoll/pkg/state"
	"github.com/google/uuid"
)

// Broadcaster fans events out over the connections registered in the state manager.
type Broadcaster struct {
	logger       *slog.Logger
	stateManager state.Manager
}

func New(logger *slog.Logger, stateManager state.Manager) *Broadcaster {
	return &Broadcaster{
		logger:       logger.With(slog.String("component", "broadcaster")),
		stateManager: stateManager,
	}
}

// BroadcastAll delivers ev to every registered connection and returns how many accepted it.
func (b *Broadcaster) BroadcastAll(ev protocol.Event) (int, error) {
	return b.fanOut(ev, uuid.Nil)
}

// BroadcastExcept delivers ev to every registered connection but one.
func (b *Broadcaster) BroadcastExcept(skip uuid.UUID, ev protocol.Event) (int, error) {
	return b.fanOut(ev, skip)
}

// Unicast delivers ev to exactly one connection.
func (b *Broadcaster) Unicast(connID uuid.UUID, ev protocol.Event) error {
	conn, ok := b.stateManager.GetConnection(connID)
	if !ok {
		return fmt.Errorf("cannot deliver %s: %w", ev.EventName(), state.ErrUnknownConnection)
	}
	return b.Send(conn.Transport, ev)
}

// Send delivers ev straight to a transport, registered or not.
func (b *Broadcaster) Send(t state.Transport, ev protocol.Event) error {
	msgBytes, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if !t.Send(msgBytes) {
		b.logger.Debug("Transport refused event", slog.String("event", ev.EventName()), slog.String("connID", t.ID().String()))
	}
	return nil
}

func (b *Broadcaster) fanOut(ev protocol.Event, skip uuid.UUID) (int, error) {
	msgBytes, err := protocol.Encode(ev)
	if err != nil {
		return 0, err
	}

	targetConns := b.stateManager.Connections()
	delivered := 0
	for _, conn := range targetConns {
		if conn.ID == skip {
			continue
		}
		// a dead or saturated connection must not stop delivery to the rest
		if conn.Transport.Send(msgBytes) {
			delivered++
		}
	}

	b.logger.Debug("Broadcast event",
		slog.String("event", ev.EventName()),
		slog.Int("connection_count", len(targetConns)),
		slog.Int("delivered", delivered),
	)
	return delivered, nil
}
