package poll

import (
	"errors"
	"maps"
)

var (
	ErrPollAlreadyActive = errors.New("a poll is already active, please wait until it ends")
	ErrOptionOutOfRange  = errors.New("option index is out of range")
	ErrAlreadyVoted      = errors.New("you have already voted in this poll")
)

type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseActive  Phase = "active"
	PhaseExpired Phase = "expired"
)

// Tally maps an option index to its vote count. Indices are whatever voters
// sent; they are only range-checked when Rules.ValidateOptionIndex is set.
type Tally map[int]int

func (t Tally) Clone() Tally {
	if t == nil {
		return Tally{}
	}
	return maps.Clone(t)
}

// Rules tighten vote acceptance. The zero value accepts every vote.
type Rules struct {
	ValidateOptionIndex bool
	SingleVotePerVoter  bool
}

// Result is what an expired poll leaves behind.
type Result struct {
	Definition Definition
	FinalVotes Tally
}

// Session is the lifecycle of the one live poll. It is not safe for concurrent
// use; the coordinator serializes every call.
type Session struct {
	rules      Rules
	phase      Phase
	definition *Definition
	votes      Tally
	voters     map[string]struct{}
	generation uint64
}

func NewSession(rules Rules) *Session {
	return &Session{
		rules: rules,
		phase: PhaseIdle,
		votes: Tally{},
	}
}

// Create starts a poll. It returns the generation the expiry timer must present.
func (s *Session) Create(def Definition) (uint64, error) {
	if s.phase == PhaseActive {
		return 0, ErrPollAlreadyActive
	}
	d := def.clone()
	s.definition = &d
	s.votes = Tally{}
	s.voters = make(map[string]struct{})
	s.phase = PhaseActive
	s.generation++
	return s.generation, nil
}

// Vote records a vote for index. Outside an active poll it does nothing and
// reports false without an error.
func (s *Session) Vote(voter string, index int) (bool, error) {
	if s.phase != PhaseActive {
		return false, nil
	}
	if s.rules.ValidateOptionIndex && (index < 0 || index >= len(s.definition.Options)) {
		return false, ErrOptionOutOfRange
	}
	if s.rules.SingleVotePerVoter {
		if _, seen := s.voters[voter]; seen {
			return false, ErrAlreadyVoted
		}
		s.voters[voter] = struct{}{}
	}
	s.votes[index]++
	return true, nil
}

// Expire ends the poll started under generation. A stale or duplicate fire
// reports false and changes nothing.
func (s *Session) Expire(generation uint64) (Result, bool) {
	if s.phase != PhaseActive || generation != s.generation {
		return Result{}, false
	}
	s.phase = PhaseIdle
	return Result{
		Definition: s.definition.clone(),
		FinalVotes: s.votes.Clone(),
	}, true
}

func (s *Session) Phase() Phase {
	return s.phase
}

// Definition returns the current or most recent poll, if any.
func (s *Session) Definition() (Definition, bool) {
	if s.definition == nil {
		return Definition{}, false
	}
	return s.definition.clone(), true
}

func (s *Session) Tally() Tally {
	return s.votes.Clone()
}
