package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robalobadob/numguess/internal/game"
)

// Owner is who opened a session: a signed-in user or a guest cookie.
// Both may be empty for API clients without cookies.
type Owner struct {
	UserID      string
	AnonymousID string
}

// Session hosts the single live game.State of one player.
// Dispatch is serialized, so read-reduce-replace never interleaves.
type Session struct {
	ID        string
	Owner     Owner
	CreatedAt time.Time

	mu         sync.Mutex
	state      game.State
	roundID    string
	lastActive time.Time
	ctrl       *game.Controller
	now        func() time.Time
	watchers   map[chan Result]struct{}
	closed     bool
}

// watchBuffer is how many results a watcher may lag behind before it is
// dropped.
const watchBuffer = 64

// Result describes one dispatched action.
type Result struct {
	State   game.State
	Event   game.Event
	RoundID string // round the action belonged to; empty before the first round
}

func newSession(id string, owner Owner, ctrl *game.Controller, now func() time.Time) *Session {
	t := now()
	return &Session{
		ID:         id,
		Owner:      owner,
		CreatedAt:  t,
		state:      game.Initial(),
		lastActive: t,
		ctrl:       ctrl,
		now:        now,
		watchers:   make(map[chan Result]struct{}),
	}
}

// Dispatch guards a against the current control flags, reduces it and
// replaces the state. Rejected actions leave the session untouched.
func (s *Session) Dispatch(ctx context.Context, a game.Action) (Result, error) {
	return s.DispatchWith(ctx, a, nil)
}

// DispatchWith is Dispatch plus a commit hook. commit runs for accepted
// actions only, before the session is unlocked, so hooks observe results in
// the same order the state changed. Watchers are notified after commit.
func (s *Session) DispatchWith(ctx context.Context, a game.Action, commit func(Result)) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Result{State: s.state.Clone(), Event: game.EventNone, RoundID: s.roundID}, ErrNotFound
	}
	if err := game.Permitted(s.state, a); err != nil {
		return Result{State: s.state.Clone(), Event: game.EventNone, RoundID: s.roundID}, err
	}
	next, ev := s.ctrl.Step(s.state, a)
	if ev == game.EventStarted {
		s.roundID = uuid.NewString()
	}
	s.state = next
	s.lastActive = s.now()

	res := Result{State: next.Clone(), Event: ev, RoundID: s.roundID}
	if commit != nil {
		commit(Result{State: next.Clone(), Event: ev, RoundID: s.roundID})
	}
	s.publish(res)
	return res, nil
}

// Watch subscribes to every accepted action from now on. It returns the
// state at subscription time, the result channel and a cancel func.
// The channel is closed on cancel, when the session closes, or when the
// watcher falls more than watchBuffer results behind.
func (s *Session) Watch() (game.State, <-chan Result, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Result, watchBuffer)
	if s.closed {
		close(ch)
		return s.state.Clone(), ch, func() {}
	}
	s.watchers[ch] = struct{}{}
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.drop(ch)
	}
	return s.state.Clone(), ch, cancel
}

// Watchers reports how many watchers are attached.
func (s *Session) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// close detaches every watcher and rejects further actions.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for ch := range s.watchers {
		s.drop(ch)
	}
}

// publish must be called with s.mu held.
func (s *Session) publish(res Result) {
	for ch := range s.watchers {
		select {
		case ch <- Result{State: res.State.Clone(), Event: res.Event, RoundID: res.RoundID}:
		default:
			s.drop(ch)
		}
	}
}

// drop must be called with s.mu held.
func (s *Session) drop(ch chan Result) {
	if _, ok := s.watchers[ch]; ok {
		delete(s.watchers, ch)
		close(ch)
	}
}

// Snapshot returns a copy of the current state.
func (s *Session) Snapshot() game.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// LastActive is the time of the last accepted action (or creation).
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
