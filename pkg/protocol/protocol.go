package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClientMessage is the envelope every inbound frame must carry.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the envelope for every outbound frame.
type ServerMessage struct {
	Event   string `json:"event"`
	Payload Event  `json:"payload"`
}

// Inbound event names. The aliases are the names the legacy browser client emits.
const (
	InJoin        = "join"
	InCreatePoll  = "createPoll"
	InVote        = "vote"
	InKick        = "kick"
	InChatMessage = "chatMessage"

	AliasJoin        = "studentJoin"
	AliasVote        = "submitAnswer"
	AliasKick        = "kickStudent"
	AliasChatMessage = "sendMessage"
)

// Outbound event names.
const (
	EventParticipantJoined = "participantJoined"
	EventParticipantLeft   = "participantLeft"
	EventJoinAccepted      = "joinAccepted"
	EventNewQuestion       = "newQuestion"
	EventResultsUpdated    = "resultsUpdated"
	EventPollEnded         = "pollEnded"
	EventRejected          = "rejected"
	EventKicked            = "kicked"
	EventChatMessage       = "chatMessage"
)

// Event is implemented by every outbound payload type. The set is closed:
// only the types in this file satisfy it.
type Event interface {
	EventName() string
	isEvent()
}

type ParticipantJoined struct {
	Identity string `json:"identity"`
}

type ParticipantLeft struct {
	Identity string `json:"identity"`
}

type JoinAccepted struct {
	Identity string `json:"identity"`
}

type NewQuestion struct {
	Question           string   `json:"question"`
	Options            []string `json:"options"`
	TimeLimitSeconds   int      `json:"timeLimitSeconds"`
	CorrectOptionIndex *int     `json:"correctOptionIndex,omitempty"`
}

type ResultsUpdated struct {
	Question string      `json:"question"`
	Options  []string    `json:"options"`
	Votes    map[int]int `json:"votes"`
}

type PollEnded struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Phase    string   `json:"phase"`
}

// Rejected is delivered only to the connection whose action was refused.
type Rejected struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type Kicked struct{}

type ChatMessage struct {
	SenderIdentity  string    `json:"senderIdentity"`
	Body            string    `json:"body"`
	ServerTimestamp time.Time `json:"serverTimestamp"`
}

func (ParticipantJoined) EventName() string { return EventParticipantJoined }
func (ParticipantLeft) EventName() string   { return EventParticipantLeft }
func (JoinAccepted) EventName() string      { return EventJoinAccepted }
func (NewQuestion) EventName() string       { return EventNewQuestion }
func (ResultsUpdated) EventName() string    { return EventResultsUpdated }
func (PollEnded) EventName() string         { return EventPollEnded }
func (Rejected) EventName() string          { return EventRejected }
func (Kicked) EventName() string            { return EventKicked }
func (ChatMessage) EventName() string       { return EventChatMessage }

func (ParticipantJoined) isEvent() {}
func (ParticipantLeft) isEvent()   {}
func (JoinAccepted) isEvent()      {}
func (NewQuestion) isEvent()       {}
func (ResultsUpdated) isEvent()    {}
func (PollEnded) isEvent()         {}
func (Rejected) isEvent()          {}
func (Kicked) isEvent()            {}
func (ChatMessage) isEvent()       {}

// Rejection codes.
const (
	CodeDuplicateIdentity = "duplicate_identity"
	CodeAlreadyJoined     = "already_joined"
	CodePollAlreadyActive = "poll_already_active"
	CodeOptionOutOfRange  = "option_out_of_range"
	CodeAlreadyVoted      = "already_voted"
	CodeNotJoined         = "not_joined"
	CodeForbidden         = "forbidden"
	CodeMalformedPayload  = "malformed_payload"
	CodeUnknownEvent      = "unknown_event"
	CodeRateLimited       = "rate_limited"
)

// Encode wraps ev in a ServerMessage and marshals it.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("cannot encode nil event")
	}
	b, err := json.Marshal(ServerMessage{Event: ev.EventName(), Payload: ev})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", ev.EventName(), err)
	}
	return b, nil
}
