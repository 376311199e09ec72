package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robalobadob/numguess/internal/game"
)

func newTestStore(secret int) *memory {
	st := NewMemoryStore(game.NewController(func() int { return secret })).(*memory)
	return st
}

func TestCreateGetDelete(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(1)

	s, err := st.Create(ctx, Owner{AnonymousID: "anon-1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" || s.Owner.AnonymousID != "anon-1" {
		t.Errorf("session = %+v", s)
	}
	if !s.Snapshot().CanStartNewGame {
		t.Error("new session should start in the initial state")
	}

	got, err := st.Get(ctx, s.ID)
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if st.Len() != 1 {
		t.Errorf("Len = %d, want 1", st.Len())
	}

	if err := st.Delete(ctx, s.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if err := st.Delete(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: %v", err)
	}
}

func TestDispatchRound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(42)
	s, _ := st.Create(ctx, Owner{})

	if _, err := s.Dispatch(ctx, game.SubmitGuess{Text: "1"}); !errors.Is(err, game.ErrNotPermitted) {
		t.Fatalf("guess before start: err = %v", err)
	}

	res, err := s.Dispatch(ctx, game.StartNewGame{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if res.Event != game.EventStarted || res.RoundID == "" {
		t.Errorf("start result = %+v", res)
	}
	round := res.RoundID

	if _, err := s.Dispatch(ctx, game.StartNewGame{}); !errors.Is(err, game.ErrNotPermitted) {
		t.Errorf("second start: err = %v", err)
	}

	res, err = s.Dispatch(ctx, game.SubmitGuess{Text: "50"})
	if err != nil || res.Event != game.EventTooHigh || res.RoundID != round {
		t.Fatalf("guess: %+v, %v", res, err)
	}
	res, err = s.Dispatch(ctx, game.SubmitGuess{Text: "42"})
	if err != nil || res.Event != game.EventWon {
		t.Fatalf("win: %+v, %v", res, err)
	}
	if got := *res.State.Feedback; got != "You Win! Your score is 90%" {
		t.Errorf("feedback = %q", got)
	}

	res, _ = s.Dispatch(ctx, game.StartNewGame{})
	if res.RoundID == round {
		t.Error("a new round should get a new id")
	}
}

func TestDispatchCancelled(t *testing.T) {
	st := newTestStore(1)
	s, _ := st.Create(context.Background(), Owner{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Dispatch(ctx, game.StartNewGame{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if !s.Snapshot().CanStartNewGame {
		t.Error("cancelled dispatch changed the state")
	}
}

func TestDispatchSerialized(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(99)
	s, _ := st.Create(ctx, Owner{})
	if _, err := s.Dispatch(ctx, game.StartNewGame{}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 9; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Dispatch(ctx, game.SubmitGuess{Text: "0"})
		}()
	}
	wg.Wait()

	if got := s.Snapshot().TrialsRemaining; got != 1 {
		t.Errorf("trials = %d, want 1 after 9 serialized guesses", got)
	}
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(1)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }

	old, _ := st.Create(ctx, Owner{})
	clock = clock.Add(20 * time.Minute)
	fresh, _ := st.Create(ctx, Owner{})
	clock = clock.Add(15 * time.Minute)

	if n := st.Sweep(ctx, 30*time.Minute); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, err := st.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Error("idle session survived the sweep")
	}
	if _, err := st.Get(ctx, fresh.ID); err != nil {
		t.Error("active session was swept")
	}
}

func TestRunSweeperStops(t *testing.T) {
	st := newTestStore(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweeper(ctx, st, time.Millisecond, time.Hour, nil)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweeper did not stop on cancel")
	}
}

func TestCommitHookFollowsDispatchOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(7)
	s, _ := st.Create(ctx, Owner{})

	var log []Result // appended under the session lock only
	hook := func(res Result) { log = append(log, res) }

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, _ = s.DispatchWith(ctx, game.StartNewGame{}, hook)
				_, _ = s.DispatchWith(ctx, game.SubmitGuess{Text: "7"}, hook)
			}
		}()
	}
	wg.Wait()

	if len(log) == 0 {
		t.Fatal("hook never ran")
	}
	round := ""
	for i, res := range log {
		switch res.Event {
		case game.EventStarted:
			if i > 0 && log[i-1].Event != game.EventWon {
				t.Fatalf("entry %d: round started while %s was open", i, round)
			}
			round = res.RoundID
		case game.EventWon:
			if i == 0 || res.RoundID != round || log[i-1].Event != game.EventStarted {
				t.Fatalf("entry %d: win for %s recorded out of order", i, res.RoundID)
			}
		default:
			t.Fatalf("entry %d: unexpected event %s", i, res.Event)
		}
	}
}

func TestWatchSeesEveryDispatch(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(30)
	s, _ := st.Create(ctx, Owner{})

	snap, updates, cancel := s.Watch()
	defer cancel()
	if !snap.CanStartNewGame {
		t.Fatalf("watch snapshot = %+v", snap)
	}

	_, _ = s.Dispatch(ctx, game.StartNewGame{})
	_, _ = s.Dispatch(ctx, game.StartNewGame{}) // rejected, not published
	_, _ = s.Dispatch(ctx, game.SubmitGuess{Text: "10"})

	for _, want := range []game.Event{game.EventStarted, game.EventTooLow} {
		select {
		case res := <-updates:
			if res.Event != want {
				t.Errorf("event = %s, want %s", res.Event, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no result for %s", want)
		}
	}
	select {
	case res := <-updates:
		t.Errorf("unexpected extra result %+v", res)
	default:
	}
}

func TestDeleteClosesWatchers(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(1)
	s, _ := st.Create(ctx, Owner{})
	_, updates, cancel := s.Watch()
	defer cancel()

	if err := st.Delete(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-updates; ok {
		t.Error("watch channel still open after delete")
	}
	if _, err := s.Dispatch(ctx, game.StartNewGame{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("dispatch into deleted session: err = %v", err)
	}
	if s.Watchers() != 0 {
		t.Errorf("watchers = %d after delete", s.Watchers())
	}
}

func TestSweepKeepsWatchedSessions(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(1)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	st.now = func() time.Time { return clock }

	s, _ := st.Create(ctx, Owner{})
	_, _, cancel := s.Watch()
	clock = clock.Add(time.Hour)

	if n := st.Sweep(ctx, 30*time.Minute); n != 0 {
		t.Errorf("swept %d watched sessions", n)
	}
	cancel()
	if n := st.Sweep(ctx, 30*time.Minute); n != 1 {
		t.Errorf("swept %d after the watcher left, want 1", n)
	}
}
