package router

import (
	"fmt"
	"math"
	"strings"

	"github.com/a-essam23/livepoll/internal/poll"
	"github.com/a-essam23/livepoll/internal/session"
	"github.com/google/uuid"
	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

func decodeJoin(connID uuid.UUID, payload gjson.Result) (session.Action, error) {
	identity, err := identityOf(payload)
	if err != nil {
		return nil, err
	}
	return session.Join{ConnID: connID, Identity: identity}, nil
}

func decodeKick(connID uuid.UUID, payload gjson.Result) (session.Action, error) {
	target, err := identityOf(payload)
	if err != nil {
		return nil, err
	}
	return session.Kick{ConnID: connID, Target: target}, nil
}

func decodeCreatePoll(connID uuid.UUID, payload gjson.Result) (session.Action, error) {
	if !payload.IsObject() {
		return nil, malformed("createPoll payload must be an object")
	}
	question, err := requireString(payload, "question")
	if err != nil {
		return nil, err
	}
	options, err := requireStrings(payload, "options")
	if err != nil {
		return nil, err
	}
	limit, err := requireInt(payload, "timeLimitSeconds", "timeLimit")
	if err != nil {
		return nil, err
	}
	correct, err := optionalInt(payload, "correctOptionIndex", "correctOption")
	if err != nil {
		return nil, err
	}

	def := poll.Definition{
		Question:           question,
		Options:            options,
		TimeLimitSeconds:   limit,
		CorrectOptionIndex: correct,
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return session.CreatePoll{ConnID: connID, Definition: def}, nil
}

func decodeVote(connID uuid.UUID, payload gjson.Result) (session.Action, error) {
	if !payload.IsObject() {
		return nil, malformed("vote payload must be an object")
	}
	index, err := requireInt(payload, "optionIndex", "answer")
	if err != nil {
		return nil, err
	}
	return session.Vote{ConnID: connID, OptionIndex: index}, nil
}

func decodeChat(connID uuid.UUID, payload gjson.Result) (session.Action, error) {
	if !payload.IsObject() {
		return nil, malformed("chatMessage payload must be an object")
	}
	body, err := requireString(payload, "body", "message")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, malformed("message body is empty")
	}
	sender := ""
	if v := payload.Get("senderName"); v.Exists() && v.Type != gjson.Null {
		if v.Type != gjson.String {
			return nil, malformed("field 'senderName' must be a string")
		}
		sender = v.String()
	}
	return session.Chat{ConnID: connID, Body: body, SenderName: sender}, nil
}

// --- field helpers ---

func malformed(reason string) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, reason)
}

// identityOf accepts either a bare JSON string or {"identity": "..."}.
func identityOf(payload gjson.Result) (string, error) {
	if payload.Type == gjson.String {
		return payload.String(), nil
	}
	if !payload.IsObject() {
		return "", malformed("expected a name or an object with an 'identity' field")
	}
	return requireString(payload, "identity")
}

// lookup returns the first of names present in payload.
func lookup(payload gjson.Result, names ...string) (gjson.Result, string, bool) {
	for _, name := range names {
		if v := payload.Get(name); v.Exists() && v.Type != gjson.Null {
			return v, name, true
		}
	}
	return gjson.Result{}, names[0], false
}

func requireString(payload gjson.Result, names ...string) (string, error) {
	v, name, ok := lookup(payload, names...)
	if !ok {
		return "", malformed("missing field '" + name + "'")
	}
	if v.Type != gjson.String {
		return "", malformed("field '" + name + "' must be a string")
	}
	return v.String(), nil
}

func requireStrings(payload gjson.Result, names ...string) ([]string, error) {
	v, name, ok := lookup(payload, names...)
	if !ok {
		return nil, malformed("missing field '" + name + "'")
	}
	if !v.IsArray() {
		return nil, malformed("field '" + name + "' must be an array of strings")
	}
	items := v.Array()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item.Type != gjson.String {
			return nil, malformed("field '" + name + "' must be an array of strings")
		}
		out = append(out, item.String())
	}
	return out, nil
}

// requireInt accepts a JSON number or a numeric string.
func requireInt(payload gjson.Result, names ...string) (int, error) {
	v, name, ok := lookup(payload, names...)
	if !ok {
		return 0, malformed("missing field '" + name + "'")
	}
	return toInt(v, name)
}

func optionalInt(payload gjson.Result, names ...string) (*int, error) {
	v, name, ok := lookup(payload, names...)
	if !ok {
		return nil, nil
	}
	n, err := toInt(v, name)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func toInt(v gjson.Result, name string) (int, error) {
	switch v.Type {
	case gjson.Number:
		if v.Num != math.Trunc(v.Num) {
			return 0, malformed("field '" + name + "' must be a whole number")
		}
	case gjson.String:
	default:
		return 0, malformed("field '" + name + "' must be a number")
	}
	n, err := cast.ToIntE(v.Value())
	if err != nil {
		return 0, malformed("field '" + name + "' must be a number")
	}
	return n, nil
}
