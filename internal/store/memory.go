// internal/store/memory.go
//
// In-memory implementation of the Store interface.
// Sessions live only as long as the process: nothing here is written to disk.
//
// Characteristics:
//   - Stores *Session objects keyed by ID in a map.
//   - Concurrency-safe via RWMutex (concurrent reads allowed, writes exclusive).
//   - Idle sessions are evicted by Sweep / RunSweeper, unless something watches them.
//   - Deleted or evicted sessions are closed: watchers are detached, actions rejected.

package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/numguess/internal/game"
)

// ErrNotFound is returned by Get and Delete for unknown session IDs.
var ErrNotFound = errors.New("session not found")

// Store defines the hosting interface for game sessions.
type Store interface {
	// Create opens a new session in the initial state for owner.
	Create(ctx context.Context, owner Owner) (*Session, error)

	// Get retrieves a session by ID.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete drops and closes a session.
	Delete(ctx context.Context, id string) error

	// Len reports the number of live sessions.
	Len() int

	// Sweep evicts unwatched sessions idle for longer than idle and returns
	// how many went.
	Sweep(ctx context.Context, idle time.Duration) int
}

// memory is an in-memory map-based Store implementation.
type memory struct {
	mu       sync.RWMutex        // guards sessions
	sessions map[string]*Session // keyed by Session.ID
	ctrl     *game.Controller
	now      func() time.Time
}

// NewMemoryStore constructs a new in-memory Store whose sessions reduce
// with ctrl. A nil ctrl uses the default secret source.
func NewMemoryStore(ctrl *game.Controller) Store {
	if ctrl == nil {
		ctrl = game.NewController(nil)
	}
	return &memory{sessions: make(map[string]*Session), ctrl: ctrl, now: time.Now}
}

func (m *memory) Create(ctx context.Context, owner Owner) (*Session, error) {
	s := newSession(uuid.NewString(), owner, m.ctrl, m.now)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return s, nil
}

func (m *memory) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	return nil, ErrNotFound
}

func (m *memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	s.close()
	return nil
}

func (m *memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *memory) Sweep(ctx context.Context, idle time.Duration) int {
	cutoff := m.now().Add(-idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		// a connected socket keeps its session alive
		if s.Watchers() > 0 || !s.LastActive().Before(cutoff) {
			continue
		}
		delete(m.sessions, id)
		s.close()
		n++
	}
	return n
}

// RunSweeper calls st.Sweep every interval until ctx is done.
// onSweep, when set, receives the live session count after each pass.
func RunSweeper(ctx context.Context, st Store, every, idle time.Duration, onSweep func(live int)) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := st.Sweep(ctx, idle); n > 0 {
				log.Info().Int("evicted", n).Dur("idle", idle).Msg("swept idle sessions")
			}
			if onSweep != nil {
				onSweep(st.Len())
			}
		}
	}
}
