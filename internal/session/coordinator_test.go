package session

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/a-essam23/livepoll/internal/history"
	"github.com/a-essam23/livepoll/internal/poll"
	"github.com/a-essam23/livepoll/pkg/logging"
	"github.com/a-essam23/livepoll/pkg/protocol"
	"github.com/a-essam23/livepoll/pkg/state"
	"github.com/a-essam23/livepoll/pkg/state/statemanager"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type fakeTransport struct {
	id     uuid.UUID
	mu     sync.Mutex
	frames []frame
	closed error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.New()}
}

func (f *fakeTransport) ID() uuid.UUID { return f.id }

func (f *fakeTransport) Send(msg []byte) bool {
	var fr frame
	if err := json.Unmarshal(msg, &fr); err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed != nil {
		return false
	}
	f.frames = append(f.frames, fr)
	return true
}

func (f *fakeTransport) Close(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed == nil {
		f.closed = err
	}
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed != nil
}

// take returns and clears everything received so far.
func (f *fakeTransport) take() []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.frames
	f.frames = nil
	return out
}

func names(frames []frame) []string {
	out := make([]string, len(frames))
	for i, fr := range frames {
		out[i] = fr.Event
	}
	return out
}

type manualTimer struct {
	at      time.Time
	fn      func()
	stopped bool
}

func (m *manualTimer) Stop() bool {
	was := !m.stopped
	m.stopped = true
	return was
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 9, 1, 9, 0, 0, 0, time.UTC)}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) AfterFunc(d time.Duration, f func()) Stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{at: m.now.Add(d), fn: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves time forward and runs every timer that became due, in order.
func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	var due, pending []*manualTimer
	for _, t := range m.timers {
		if !t.stopped && !t.at.After(m.now) {
			due = append(due, t)
		} else if !t.stopped {
			pending = append(pending, t)
		}
	}
	m.timers = pending
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.fn()
	}
}

// --- harness ---

type harness struct {
	t     *testing.T
	c     *Coordinator
	clock *manualClock
	state state.Manager
	log   *history.Log
}

func newHarness(t *testing.T, rules poll.Rules) *harness {
	t.Helper()
	return newHarnessWith(t, Options{KickGracePeriod: 100 * time.Millisecond, Rules: rules})
}

func newHarnessWith(t *testing.T, opts Options) *harness {
	t.Helper()
	logger := logging.Discard()
	clock := newManualClock()
	sm := statemanager.NewInMemoryManager(logger)
	hl := history.NewLog()
	opts.Clock = clock
	c := New(logger, sm, hl, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	return &harness{t: t, c: c, clock: clock, state: sm, log: hl}
}

func (h *harness) connect(perms state.Permission) *fakeTransport {
	h.t.Helper()
	ft := newFakeTransport()
	require.NoError(h.t, h.c.Submit(context.Background(), Connect{Transport: ft, IPAddress: "127.0.0.1", Permissions: perms}))
	return ft
}

func (h *harness) do(a Action) error {
	return h.c.Submit(context.Background(), a)
}

func (h *harness) joined(identity string) *fakeTransport {
	h.t.Helper()
	ft := h.connect(state.PermParticipate)
	require.NoError(h.t, h.do(Join{ConnID: ft.ID(), Identity: identity}))
	return ft
}

// sync waits until every action queued so far has been processed.
func (h *harness) sync() {
	h.t.Helper()
	_, err := h.c.Status(context.Background())
	require.NoError(h.t, err)
}

func clearAll(ts ...*fakeTransport) {
	for _, ft := range ts {
		ft.take()
	}
}

func colorPoll() poll.Definition {
	correct := 0
	return poll.Definition{
		Question:           "Color?",
		Options:            []string{"Red", "Blue"},
		TimeLimitSeconds:   1,
		CorrectOptionIndex: &correct,
	}
}

func decode[T any](t *testing.T, fr frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(fr.Payload, &v))
	return v
}

// --- tests ---

func TestColorPollScenario(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	alice := h.joined("alice")
	bob := h.joined("bob")
	clearAll(presenter, alice, bob)

	require.NoError(t, h.do(CreatePoll{ConnID: presenter.ID(), Definition: colorPoll()}))
	for _, ft := range []*fakeTransport{presenter, alice, bob} {
		got := ft.take()
		require.Equal(t, []string{protocol.EventNewQuestion}, names(got))
		q := decode[protocol.NewQuestion](t, got[0])
		assert.Equal(t, "Color?", q.Question)
		assert.Equal(t, []string{"Red", "Blue"}, q.Options)
		assert.Equal(t, 1, q.TimeLimitSeconds)
		require.NotNil(t, q.CorrectOptionIndex)
		assert.Equal(t, 0, *q.CorrectOptionIndex)
	}

	require.NoError(t, h.do(Vote{ConnID: alice.ID(), OptionIndex: 0}))
	require.NoError(t, h.do(Vote{ConnID: bob.ID(), OptionIndex: 0}))

	got := presenter.take()
	require.Equal(t, []string{protocol.EventResultsUpdated, protocol.EventResultsUpdated}, names(got))
	assert.Equal(t, map[int]int{0: 1}, decode[protocol.ResultsUpdated](t, got[0]).Votes)
	final := decode[protocol.ResultsUpdated](t, got[1])
	assert.Equal(t, map[int]int{0: 2}, final.Votes)
	assert.Equal(t, "Color?", final.Question)
	clearAll(alice, bob)

	h.clock.Advance(999 * time.Millisecond)
	h.sync()
	assert.Empty(t, presenter.take(), "poll must run its full duration")

	h.clock.Advance(time.Millisecond)
	h.sync()

	for _, ft := range []*fakeTransport{presenter, alice, bob} {
		got := ft.take()
		require.Equal(t, []string{protocol.EventPollEnded}, names(got))
		var raw map[string]any
		require.NoError(t, json.Unmarshal(got[0].Payload, &raw))
		assert.Equal(t, "Color?", raw["question"])
		assert.NotContains(t, raw, "votes")
	}

	entries := h.c.History()
	require.Len(t, entries, 1)
	assert.Equal(t, "Color?", entries[0].Question)
	assert.Equal(t, []string{"Red", "Blue"}, entries[0].Options)
	assert.Equal(t, map[int]int{0: 2}, entries[0].FinalVotes)

	st, err := h.c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, poll.PhaseIdle, st.Phase)
}

func TestCreatePollWhileActiveRejectsCallerOnly(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	alice := h.joined("alice")

	require.NoError(t, h.do(CreatePoll{ConnID: presenter.ID(), Definition: colorPoll()}))
	require.NoError(t, h.do(Vote{ConnID: alice.ID(), OptionIndex: 1}))
	clearAll(presenter, alice)

	other := poll.Definition{Question: "Shape?", Options: []string{"Circle", "Square"}, TimeLimitSeconds: 60}
	err := h.do(CreatePoll{ConnID: presenter.ID(), Definition: other})

	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, protocol.CodePollAlreadyActive, rej.Code)
	assert.ErrorIs(t, err, poll.ErrPollAlreadyActive)

	got := presenter.take()
	require.Equal(t, []string{protocol.EventRejected}, names(got))
	assert.Equal(t, protocol.CodePollAlreadyActive, decode[protocol.Rejected](t, got[0]).Code)
	assert.Empty(t, alice.take(), "rejections are never broadcast")

	st, err := h.c.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st.Poll)
	assert.Equal(t, "Color?", st.Poll.Question)
	assert.Equal(t, poll.Tally{1: 1}, st.Votes)
}

func TestDuplicateJoinIsRejected(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	watcher := h.connect(state.PermAll)
	alice := h.connect(state.PermParticipate)

	require.NoError(t, h.do(Join{ConnID: alice.ID(), Identity: "alice"}))
	assert.Equal(t, []string{protocol.EventJoinAccepted}, names(alice.take()))
	got := watcher.take()
	require.Equal(t, []string{protocol.EventParticipantJoined}, names(got))
	assert.Equal(t, "alice", decode[protocol.ParticipantJoined](t, got[0]).Identity)

	impostor := h.connect(state.PermParticipate)
	err := h.do(Join{ConnID: impostor.ID(), Identity: "alice"})
	assert.ErrorIs(t, err, state.ErrDuplicateIdentity)

	got = impostor.take()
	require.Equal(t, []string{protocol.EventRejected}, names(got))
	assert.Equal(t, protocol.CodeDuplicateIdentity, decode[protocol.Rejected](t, got[0]).Code)
	assert.Empty(t, watcher.take())
	assert.Empty(t, alice.take())
	assert.Equal(t, []string{"alice"}, h.c.Participants())

	// the rejected caller cannot act under the name
	require.Error(t, h.do(Chat{ConnID: impostor.ID(), Body: "hi"}))
	assert.Empty(t, alice.take())
}

func TestJoinTwiceOnOneConnection(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	bob := h.joined("bob")
	bob.take()

	err := h.do(Join{ConnID: bob.ID(), Identity: "robert"})
	assert.ErrorIs(t, err, state.ErrAlreadyJoined)
	assert.Equal(t, []string{"bob"}, h.c.Participants())
}

func TestKickNotifiesTargetThenCloses(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	alice := h.joined("alice")
	bob := h.joined("bob")
	clearAll(presenter, alice, bob)

	require.NoError(t, h.do(Kick{ConnID: presenter.ID(), Target: "alice"}))

	assert.Equal(t, []string{protocol.EventKicked}, names(alice.take()))
	for _, ft := range []*fakeTransport{presenter, bob} {
		got := ft.take()
		require.Equal(t, []string{protocol.EventParticipantLeft}, names(got))
		assert.Equal(t, "alice", decode[protocol.ParticipantLeft](t, got[0]).Identity)
	}
	assert.Equal(t, []string{"bob"}, h.c.Participants())
	assert.False(t, alice.isClosed(), "the socket stays open for the grace period")

	h.clock.Advance(100 * time.Millisecond)
	assert.True(t, alice.isClosed())

	// the transport's own teardown reports a disconnect; it must not announce alice twice
	require.NoError(t, h.do(Disconnect{ConnID: alice.ID()}))
	assert.Empty(t, presenter.take())
	assert.Empty(t, bob.take())
	assert.Empty(t, alice.take())
}

func TestKickUnknownTargetIsNoop(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	bob := h.joined("bob")
	clearAll(presenter, bob)

	require.NoError(t, h.do(Kick{ConnID: presenter.ID(), Target: "nobody"}))
	assert.Empty(t, presenter.take())
	assert.Empty(t, bob.take())
	assert.Equal(t, []string{"bob"}, h.c.Participants())
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	alice := h.joined("alice")
	clearAll(presenter, alice)

	t.Run("unregistered connection", func(t *testing.T) {
		require.NoError(t, h.do(Disconnect{ConnID: uuid.New()}))
		assert.Empty(t, presenter.take())
		assert.Equal(t, []string{"alice"}, h.c.Participants())
	})

	t.Run("connection that never joined", func(t *testing.T) {
		lurker := h.connect(state.PermParticipate)
		require.NoError(t, h.do(Disconnect{ConnID: lurker.ID()}))
		assert.Empty(t, presenter.take())
	})

	t.Run("joined participant", func(t *testing.T) {
		require.NoError(t, h.do(Disconnect{ConnID: alice.ID()}))
		got := presenter.take()
		require.Equal(t, []string{protocol.EventParticipantLeft}, names(got))
		assert.Equal(t, "alice", decode[protocol.ParticipantLeft](t, got[0]).Identity)
		assert.Empty(t, h.c.Participants())

		require.NoError(t, h.do(Disconnect{ConnID: alice.ID()}))
		assert.Empty(t, presenter.take())
	})
}

func TestVoteOutsideActivePollStillBroadcasts(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	alice := h.joined("alice")
	clearAll(presenter, alice)

	require.NoError(t, h.do(Vote{ConnID: alice.ID(), OptionIndex: 0}))
	got := presenter.take()
	require.Equal(t, []string{protocol.EventResultsUpdated}, names(got))
	assert.Empty(t, decode[protocol.ResultsUpdated](t, got[0]).Votes)

	require.NoError(t, h.do(CreatePoll{ConnID: presenter.ID(), Definition: colorPoll()}))
	require.NoError(t, h.do(Vote{ConnID: alice.ID(), OptionIndex: 1}))
	h.clock.Advance(time.Second)
	h.sync()
	clearAll(presenter, alice)

	// a vote arriving after the expiry was processed is not counted
	require.NoError(t, h.do(Vote{ConnID: alice.ID(), OptionIndex: 1}))
	got = presenter.take()
	require.Equal(t, []string{protocol.EventResultsUpdated}, names(got))
	assert.Equal(t, map[int]int{1: 1}, decode[protocol.ResultsUpdated](t, got[0]).Votes)
	assert.Equal(t, map[int]int{1: 1}, h.c.History()[0].FinalVotes)
}

func TestStaleTimerDoesNotEndNextPoll(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)

	require.NoError(t, h.do(CreatePoll{ConnID: presenter.ID(), Definition: colorPoll()}))
	h.clock.Advance(time.Second)
	h.sync()

	next := poll.Definition{Question: "Next?", Options: []string{"Y", "N"}, TimeLimitSeconds: 30}
	require.NoError(t, h.do(CreatePoll{ConnID: presenter.ID(), Definition: next}))
	presenter.take()

	// a late duplicate fire from the first poll
	require.NoError(t, h.do(expire{generation: 1}))
	assert.Empty(t, presenter.take())
	assert.Len(t, h.c.History(), 1)

	st, err := h.c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, poll.PhaseActive, st.Phase)

	h.clock.Advance(30 * time.Second)
	h.sync()
	assert.Equal(t, []string{protocol.EventPollEnded}, names(presenter.take()))
	assert.Len(t, h.c.History(), 2)
}

func TestChat(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	alice := h.joined("alice")
	lurker := h.connect(state.PermParticipate)
	clearAll(presenter, alice, lurker)

	require.NoError(t, h.do(Chat{ConnID: alice.ID(), Body: "hello", SenderName: "someone else"}))
	for _, ft := range []*fakeTransport{presenter, alice, lurker} {
		got := ft.take()
		require.Equal(t, []string{protocol.EventChatMessage}, names(got))
		msg := decode[protocol.ChatMessage](t, got[0])
		assert.Equal(t, "alice", msg.SenderIdentity, "joined senders cannot spoof a name")
		assert.Equal(t, "hello", msg.Body)
		assert.True(t, h.clock.Now().Equal(msg.ServerTimestamp))
	}

	err := h.do(Chat{ConnID: lurker.ID(), Body: "psst", SenderName: "ghost"})
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.Equal(t, []string{protocol.EventRejected}, names(lurker.take()))
	assert.Empty(t, alice.take())

	// aliases are off unless presenters are authenticated
	err = h.do(Chat{ConnID: presenter.ID(), Body: "welcome", SenderName: "Host"})
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.Empty(t, alice.take())
}

func TestPresenterAliases(t *testing.T) {
	h := newHarnessWith(t, Options{PresenterAliases: true})
	presenter := h.connect(state.PermAll)
	participant := h.connect(state.PermParticipate)
	alice := h.joined("alice")
	clearAll(presenter, participant, alice)

	require.NoError(t, h.do(Chat{ConnID: presenter.ID(), Body: "welcome", SenderName: "Host"}))
	got := alice.take()
	require.Len(t, got, 1)
	assert.Equal(t, "Host", decode[protocol.ChatMessage](t, got[0]).SenderIdentity)
	presenter.take()

	var rej *Rejection
	err := h.do(Chat{ConnID: presenter.ID(), Body: "it's me", SenderName: "alice"})
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, protocol.CodeDuplicateIdentity, rej.Code)
	assert.Empty(t, alice.take(), "a presenter cannot speak as a roster member")

	err = h.do(Chat{ConnID: participant.ID(), Body: "hi", SenderName: "Host"})
	assert.ErrorIs(t, err, ErrNotJoined)
	assert.Empty(t, alice.take())
}

func TestRejectedJoinerCannotParticipate(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	alice := h.joined("alice")
	mallory := h.connect(state.PermAll)
	require.NoError(t, h.do(CreatePoll{ConnID: presenter.ID(), Definition: colorPoll()}))

	assert.ErrorIs(t, h.do(Join{ConnID: mallory.ID(), Identity: "alice"}), state.ErrDuplicateIdentity)
	clearAll(presenter, alice, mallory)

	assert.ErrorIs(t, h.do(Vote{ConnID: mallory.ID(), OptionIndex: 1}), ErrNotJoined)
	assert.ErrorIs(t, h.do(Chat{ConnID: mallory.ID(), Body: "hi", SenderName: "alice"}), ErrNotJoined)

	got := mallory.take()
	require.Equal(t, []string{protocol.EventRejected, protocol.EventRejected}, names(got))
	assert.Equal(t, protocol.CodeNotJoined, decode[protocol.Rejected](t, got[0]).Code)
	assert.Empty(t, alice.take())
	assert.Empty(t, presenter.take())

	st, err := h.c.Status(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Votes)
}

func TestPresenterActionsNeedPermission(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	student := h.joined("student")
	victim := h.joined("victim")
	clearAll(student, victim)

	err := h.do(CreatePoll{ConnID: student.ID(), Definition: colorPoll()})
	assert.ErrorIs(t, err, ErrForbidden)
	err = h.do(Kick{ConnID: student.ID(), Target: "victim"})
	assert.ErrorIs(t, err, ErrForbidden)

	assert.Equal(t, []string{protocol.EventRejected, protocol.EventRejected}, names(student.take()))
	assert.Empty(t, victim.take())
	assert.Equal(t, []string{"student", "victim"}, h.c.Participants())
}

func TestCreatePollRevalidatesDefinition(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)

	err := h.do(CreatePoll{ConnID: presenter.ID(), Definition: poll.Definition{Question: "Q"}})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, protocol.CodeMalformedPayload, rej.Code)

	st, err := h.c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, poll.PhaseIdle, st.Phase)
}

func TestSingleVoteRule(t *testing.T) {
	h := newHarness(t, poll.Rules{SingleVotePerVoter: true, ValidateOptionIndex: true})
	presenter := h.connect(state.PermAll)
	alice := h.joined("alice")
	bob := h.joined("bob")
	require.NoError(t, h.do(CreatePoll{ConnID: presenter.ID(), Definition: colorPoll()}))
	clearAll(presenter, alice, bob)

	require.NoError(t, h.do(Vote{ConnID: alice.ID(), OptionIndex: 0}))
	assert.ErrorIs(t, h.do(Vote{ConnID: alice.ID(), OptionIndex: 1}), poll.ErrAlreadyVoted)
	assert.ErrorIs(t, h.do(Vote{ConnID: bob.ID(), OptionIndex: 5}), poll.ErrOptionOutOfRange)

	assert.Equal(t, []string{protocol.EventResultsUpdated}, names(presenter.take())[:1])
	got := alice.take()
	assert.Equal(t, []string{protocol.EventResultsUpdated, protocol.EventRejected}, names(got))
}

func TestConcurrentVotesAreAllCounted(t *testing.T) {
	h := newHarness(t, poll.Rules{})
	presenter := h.connect(state.PermAll)
	require.NoError(t, h.do(CreatePoll{ConnID: presenter.ID(), Definition: colorPoll()}))

	const voters = 40
	conns := make([]*fakeTransport, voters)
	for i := range conns {
		conns[i] = h.joined("voter" + strconv.Itoa(i))
	}
	presenter.take()

	var wg sync.WaitGroup
	for i, ft := range conns {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			assert.NoError(t, h.do(Vote{ConnID: id, OptionIndex: i % 2}))
		}(i, ft.ID())
	}
	wg.Wait()

	got := presenter.take()
	require.Len(t, got, voters, "one resultsUpdated per vote")
	assert.Equal(t, map[int]int{0: voters / 2, 1: voters / 2}, decode[protocol.ResultsUpdated](t, got[voters-1]).Votes)

	// tallies only ever grow by one between consecutive broadcasts
	prev := 0
	for _, fr := range got {
		total := 0
		for _, n := range decode[protocol.ResultsUpdated](t, fr).Votes {
			total += n
		}
		assert.Equal(t, prev+1, total)
		prev = total
	}
}

func TestSubmitAfterStop(t *testing.T) {
	logger := logging.Discard()
	c := New(logger, statemanager.NewInMemoryManager(logger), history.NewLog(), Options{Clock: newManualClock()})
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	cancel()
	<-c.Done()

	err := c.Submit(context.Background(), Disconnect{ConnID: uuid.New()})
	assert.ErrorIs(t, err, ErrStopped)
}
