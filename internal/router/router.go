package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/livepoll/internal/session"
	"github.com/a-essam23/livepoll/pkg/protocol"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// EventRouter decodes inbound frames and hands the resulting actions to the
// coordinator. Anything it refuses is answered with a rejected event sent only
// to the originating connection.
type EventRouter struct {
	logger      *slog.Logger
	coordinator Submitter
	notifier    Notifier
	registry    *Registry
	limiter     *RateLimiter
}

// NewEventRouter builds a router. limiter may be nil to disable rate limiting.
func NewEventRouter(logger *slog.Logger, coordinator Submitter, notifier Notifier, registry *Registry, limiter *RateLimiter) *EventRouter {
	return &EventRouter{
		logger:      logger.With(slog.String("component", "event_router")),
		coordinator: coordinator,
		notifier:    notifier,
		registry:    registry,
		limiter:     limiter,
	}
}

func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var clientMsg protocol.ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		r.logger.Warn("Failed to unmarshal client message", slog.String("connID", connID.String()), slog.Any("error", err))
		r.reject(connID, protocol.CodeMalformedPayload, fmt.Errorf("%w: not a JSON event envelope", ErrMalformedPayload))
		return
	}

	event, decode, ok := r.registry.Lookup(clientMsg.Event)
	if !ok {
		r.logger.Warn("Received unknown event", slog.String("event", clientMsg.Event), slog.String("connID", connID.String()))
		r.reject(connID, protocol.CodeUnknownEvent, fmt.Errorf("%w: %q", ErrUnknownEvent, clientMsg.Event))
		return
	}

	if r.limiter != nil && !r.limiter.Allow(connID, event) {
		r.reject(connID, protocol.CodeRateLimited, ErrRateLimited)
		return
	}

	action, err := decode(connID, gjson.ParseBytes(clientMsg.Payload))
	if err != nil {
		r.logger.Debug("Rejected malformed payload", slog.String("event", event), slog.String("connID", connID.String()), slog.Any("error", err))
		r.reject(connID, protocol.CodeMalformedPayload, err)
		return
	}

	r.logger.Debug("Dispatching event", slog.String("event", event), slog.String("connID", connID.String()))
	err = r.coordinator.Submit(ctx, action)

	var rejection *session.Rejection
	switch {
	case err == nil:
	case errors.As(err, &rejection):
		// the coordinator has already told the caller
	case errors.Is(err, session.ErrStopped), errors.Is(err, context.Canceled):
		r.logger.Debug("Event dropped during shutdown", slog.String("event", event), slog.String("connID", connID.String()))
	default:
		r.logger.Warn("Event failed", slog.String("event", event), slog.String("connID", connID.String()), slog.Any("error", err))
	}
}

// Forget releases per-connection router state once a connection has closed.
func (r *EventRouter) Forget(connID uuid.UUID) {
	if r.limiter != nil {
		r.limiter.Forget(connID)
	}
}

func (r *EventRouter) reject(connID uuid.UUID, code string, err error) {
	if uerr := r.notifier.Unicast(connID, protocol.Rejected{Code: code, Reason: err.Error()}); uerr != nil {
		r.logger.Warn("Failed to deliver rejection", slog.String("connID", connID.String()), slog.String("code", code), slog.Any("error", uerr))
	}
}
