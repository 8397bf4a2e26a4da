package router

import (
	"context"
	"errors"

	"github.com/a-essam23/livepoll/internal/session"
	"github.com/a-essam23/livepoll/pkg/protocol"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrRateLimited      = errors.New("too many requests, slow down")
)

// Submitter is the part of the session coordinator the router drives.
type Submitter interface {
	Submit(ctx context.Context, a session.Action) error
}

// Notifier delivers caller-only events such as rejections.
type Notifier interface {
	Unicast(connID uuid.UUID, ev protocol.Event) error
}

// DecodeFunc turns an inbound payload into a coordinator action. It must not
// return an action built from a payload it could not fully validate.
type DecodeFunc func(connID uuid.UUID, payload gjson.Result) (session.Action, error)
