package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/livepoll/internal/broadcast"
	"github.com/a-essam23/livepoll/internal/history"
	"github.com/a-essam23/livepoll/internal/poll"
	"github.com/a-essam23/livepoll/pkg/protocol"
	"github.com/a-essam23/livepoll/pkg/state"
	"github.com/google/uuid"
)

var (
	ErrStopped   = errors.New("session coordinator is not running")
	ErrKicked    = errors.New("kicked by the presenter")
	ErrForbidden = errors.New("this connection is not allowed to do that")
	ErrNotJoined = errors.New("join with a name first")
)

// Rejection is returned from Submit when an action was refused. By the time it
// is returned the caller has already been sent a rejected event.
type Rejection struct {
	Code string
	Err  error
}

func (r *Rejection) Error() string { return r.Err.Error() }
func (r *Rejection) Unwrap() error { return r.Err }

type Options struct {
	Clock           Clock
	InboxSize       int
	KickGracePeriod time.Duration
	// PresenterAliases lets a presenter that never joined chat under a
	// SenderName of its choosing.
	PresenterAliases bool
	Rules            poll.Rules
}

type envelope struct {
	action Action
	done   chan error
}

// Coordinator is the single serialization point of a polling session. Roster,
// poll and history are only ever mutated from the goroutine running Run.
type Coordinator struct {
	logger      *slog.Logger
	state       state.Manager
	history     *history.Log
	broadcaster *broadcast.Broadcaster
	poll        *poll.Session

	clock     Clock
	kickGrace time.Duration
	aliases   bool
	pollTimer Stopper

	inbox   chan envelope
	stopped chan struct{}
}

func New(logger *slog.Logger, stateManager state.Manager, log *history.Log, opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 128
	}
	logger = logger.With(slog.String("component", "session_coordinator"))
	return &Coordinator{
		logger:      logger,
		state:       stateManager,
		history:     log,
		broadcaster: broadcast.New(logger, stateManager),
		poll:        poll.NewSession(opts.Rules),
		clock:       opts.Clock,
		kickGrace:   opts.KickGracePeriod,
		aliases:     opts.PresenterAliases,
		inbox:       make(chan envelope, opts.InboxSize),
		stopped:     make(chan struct{}),
	}
}

// Run processes actions one at a time until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	defer close(c.stopped)
	c.logger.Info("Session coordinator started")

	for {
		select {
		case <-ctx.Done():
			if c.pollTimer != nil {
				c.pollTimer.Stop()
			}
			c.logger.Info("Session coordinator stopped")
			return
		case env := <-c.inbox:
			env.done <- env.action.apply(c)
		}
	}
}

// Submit enqueues a and waits until it has been fully processed, including
// every event it emits.
func (c *Coordinator) Submit(ctx context.Context, a Action) error {
	env := envelope{action: a, done: make(chan error, 1)}
	select {
	case c.inbox <- env:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
	select {
	case err := <-env.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrStopped
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

// enqueue posts a without waiting for it. Used from timer goroutines.
func (c *Coordinator) enqueue(a Action) {
	select {
	case c.inbox <- envelope{action: a, done: make(chan error, 1)}:
	case <-c.stopped:
	}
}

// --- Read side ---

type Status struct {
	Phase        poll.Phase       `json:"phase"`
	Poll         *poll.Definition `json:"poll,omitempty"`
	Votes        poll.Tally       `json:"votes"`
	Participants []string         `json:"participants"`
}

// Status returns a consistent snapshot of the session.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.Submit(ctx, inspect{fn: func(c *Coordinator) {
		st.Phase = c.poll.Phase()
		if def, ok := c.poll.Definition(); ok {
			st.Poll = &def
		}
		st.Votes = c.poll.Tally()
		st.Participants = c.state.Identities()
	}})
	return st, err
}

func (c *Coordinator) History() []history.Entry {
	return c.history.Snapshot()
}

func (c *Coordinator) Participants() []string {
	return c.state.Identities()
}

// --- Handlers, all run on the loop goroutine ---

func (c *Coordinator) connect(a Connect) error {
	conn, err := c.state.RegisterConnection(a.Transport, a.IPAddress, a.Permissions)
	if err != nil {
		return fmt.Errorf("failed to register connection: %w", err)
	}
	c.logger.Info("Connection attached", slog.String("connID", conn.ID.String()), slog.String("ip", conn.IPAddress))
	return nil
}

func (c *Coordinator) disconnect(a Disconnect) error {
	conn, ok := c.state.DeregisterConnection(a.ConnID)
	if !ok {
		return nil
	}
	c.logger.Info("Connection detached", slog.String("connID", a.ConnID.String()), slog.String("identity", conn.Identity))
	if conn.Joined() {
		c.broadcast(protocol.ParticipantLeft{Identity: conn.Identity})
	}
	return nil
}

func (c *Coordinator) join(a Join) error {
	conn, err := c.caller(a.ConnID, state.PermParticipate)
	if err != nil {
		return err
	}

	if err := c.state.Join(conn.ID, a.Identity); err != nil {
		switch {
		case errors.Is(err, state.ErrDuplicateIdentity):
			return c.reject(conn.ID, protocol.CodeDuplicateIdentity, fmt.Errorf("%w: %q", err, a.Identity))
		case errors.Is(err, state.ErrAlreadyJoined):
			return c.reject(conn.ID, protocol.CodeAlreadyJoined, fmt.Errorf("%w as %q", err, conn.Identity))
		case errors.Is(err, state.ErrEmptyIdentity):
			return c.reject(conn.ID, protocol.CodeMalformedPayload, err)
		default:
			return err
		}
	}

	c.logger.Info("Participant joined", slog.String("identity", a.Identity), slog.String("connID", conn.ID.String()))
	c.unicast(conn.ID, protocol.JoinAccepted{Identity: a.Identity})
	if _, err := c.broadcaster.BroadcastExcept(conn.ID, protocol.ParticipantJoined{Identity: a.Identity}); err != nil {
		c.logger.Error("Failed to broadcast join", slog.Any("error", err))
	}
	return nil
}

func (c *Coordinator) createPoll(a CreatePoll) error {
	conn, err := c.caller(a.ConnID, state.PermPresent)
	if err != nil {
		return err
	}
	if err := a.Definition.Validate(); err != nil {
		return c.reject(conn.ID, protocol.CodeMalformedPayload, err)
	}

	generation, err := c.poll.Create(a.Definition)
	if err != nil {
		return c.reject(conn.ID, protocol.CodePollAlreadyActive, err)
	}

	limit := time.Duration(a.Definition.TimeLimitSeconds) * time.Second
	c.pollTimer = c.clock.AfterFunc(limit, func() {
		c.enqueue(expire{generation: generation})
	})

	def := a.Definition
	c.logger.Info("Poll started",
		slog.String("question", def.Question),
		slog.Int("options", len(def.Options)),
		slog.Duration("timeLimit", limit),
		slog.Uint64("generation", generation),
	)
	c.broadcast(protocol.NewQuestion{
		Question:           def.Question,
		Options:            def.Options,
		TimeLimitSeconds:   def.TimeLimitSeconds,
		CorrectOptionIndex: def.CorrectOptionIndex,
	})
	return nil
}

func (c *Coordinator) vote(a Vote) error {
	conn, err := c.caller(a.ConnID, state.PermParticipate)
	if err != nil {
		return err
	}

	if !conn.Joined() {
		return c.reject(conn.ID, protocol.CodeNotJoined, ErrNotJoined)
	}

	voter := conn.Identity
	recorded, err := c.poll.Vote(voter, a.OptionIndex)
	switch {
	case errors.Is(err, poll.ErrOptionOutOfRange):
		return c.reject(conn.ID, protocol.CodeOptionOutOfRange, err)
	case errors.Is(err, poll.ErrAlreadyVoted):
		return c.reject(conn.ID, protocol.CodeAlreadyVoted, err)
	case err != nil:
		return err
	}
	if !recorded {
		c.logger.Debug("Vote outside an active poll", slog.String("voter", voter), slog.Int("option", a.OptionIndex))
	}

	c.broadcast(c.results())
	return nil
}

func (c *Coordinator) kick(a Kick) error {
	if _, err := c.caller(a.ConnID, state.PermPresent); err != nil {
		return err
	}

	target, ok := c.state.Resolve(a.Target)
	if !ok {
		c.logger.Debug("Kick for unknown participant ignored", slog.String("identity", a.Target))
		return nil
	}

	c.unicast(target.ID, protocol.Kicked{})
	// out of the roster and the broadcast set now, the socket closes after the grace period
	c.state.Leave(a.Target)
	c.state.DeregisterConnection(target.ID)
	c.broadcast(protocol.ParticipantLeft{Identity: a.Target})

	transport := target.Transport
	c.clock.AfterFunc(c.kickGrace, func() {
		transport.Close(ErrKicked)
	})
	c.logger.Info("Participant kicked", slog.String("identity", a.Target), slog.String("connID", target.ID.String()))
	return nil
}

func (c *Coordinator) chat(a Chat) error {
	conn, err := c.caller(a.ConnID, state.PermParticipate)
	if err != nil {
		return err
	}

	sender, err := c.chatSender(conn, a.SenderName)
	if err != nil {
		return err
	}

	c.broadcast(protocol.ChatMessage{
		SenderIdentity:  sender,
		Body:            a.Body,
		ServerTimestamp: c.clock.Now().UTC(),
	})
	return nil
}

func (c *Coordinator) expire(a expire) error {
	res, ok := c.poll.Expire(a.generation)
	if !ok {
		c.logger.Debug("Stale poll timer ignored", slog.Uint64("generation", a.generation))
		return nil
	}
	c.pollTimer = nil

	c.history.Append(history.Entry{
		Question:   res.Definition.Question,
		Options:    res.Definition.Options,
		FinalVotes: res.FinalVotes,
		EndedAt:    c.clock.Now().UTC(),
	})
	c.logger.Info("Poll ended", slog.String("question", res.Definition.Question), slog.Any("votes", res.FinalVotes))
	c.broadcast(protocol.PollEnded{
		Question: res.Definition.Question,
		Options:  res.Definition.Options,
		Phase:    string(poll.PhaseExpired),
	})
	return nil
}

// --- helpers ---

// caller resolves the acting connection and checks it holds perm.
func (c *Coordinator) caller(connID uuid.UUID, perm state.Permission) (*state.Connection, error) {
	conn, ok := c.state.GetConnection(connID)
	if !ok {
		return nil, state.ErrUnknownConnection
	}
	if !conn.Permissions.Has(perm) {
		return nil, c.reject(connID, protocol.CodeForbidden, ErrForbidden)
	}
	return conn, nil
}

// chatSender picks the name a chat line goes out under. Joined connections
// always speak as their roster identity.
func (c *Coordinator) chatSender(conn *state.Connection, alias string) (string, error) {
	if conn.Joined() {
		return conn.Identity, nil
	}
	if !c.aliases || alias == "" || !conn.Permissions.Has(state.PermPresent) {
		return "", c.reject(conn.ID, protocol.CodeNotJoined, ErrNotJoined)
	}
	if _, taken := c.state.Resolve(alias); taken {
		return "", c.reject(conn.ID, protocol.CodeDuplicateIdentity, fmt.Errorf("%w: %q", state.ErrDuplicateIdentity, alias))
	}
	return alias, nil
}

func (c *Coordinator) results() protocol.ResultsUpdated {
	ev := protocol.ResultsUpdated{Votes: c.poll.Tally()}
	if def, ok := c.poll.Definition(); ok {
		ev.Question = def.Question
		ev.Options = def.Options
	}
	return ev
}

func (c *Coordinator) reject(connID uuid.UUID, code string, err error) error {
	c.logger.Debug("Action rejected", slog.String("connID", connID.String()), slog.String("code", code), slog.Any("error", err))
	c.unicast(connID, protocol.Rejected{Code: code, Reason: err.Error()})
	return &Rejection{Code: code, Err: err}
}

func (c *Coordinator) unicast(connID uuid.UUID, ev protocol.Event) {
	if err := c.broadcaster.Unicast(connID, ev); err != nil {
		c.logger.Warn("Unicast failed", slog.String("event", ev.EventName()), slog.Any("error", err))
	}
}

func (c *Coordinator) broadcast(ev protocol.Event) {
	if _, err := c.broadcaster.BroadcastAll(ev); err != nil {
		c.logger.Error("Broadcast failed", slog.String("event", ev.EventName()), slog.Any("error", err))
	}
}
