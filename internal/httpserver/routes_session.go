// internal/httpserver/routes_session.go
//
// HTTP routes for hosted game sessions.
//   - POST   /sessions              → open a session in the initial state
//   - GET    /sessions/{id}         → current state
//   - DELETE /sessions/{id}         → drop the session
//   - POST   /sessions/{id}/actions → dispatch {"type": ..., "payload": ...}
//   - POST   /sessions/{id}/new     → StartNewGame
//   - POST   /sessions/{id}/input   → SetPendingGuess {"text"}
//   - POST   /sessions/{id}/guess   → SubmitGuess {"guess"}; defaults to the pending guess
//   - GET    /sessions/{id}/ws      → WebSocket (ws.go); receives every dispatch, whichever client made it
//
// States leave the server through game.State.View, so the secret is only
// visible once a round is over.

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/numguess/internal/game"
	"github.com/robalobadob/numguess/internal/history"
	"github.com/robalobadob/numguess/internal/store"
)

type ctxSessionKey struct{}

func sessionFrom(ctx context.Context) *store.Session {
	sess, _ := ctx.Value(ctxSessionKey{}).(*store.Session)
	return sess
}

// mountSessions registers all /sessions routes.
func (s *Server) mountSessions(r chi.Router) {
	r.With(bounded...).Post("/", s.handleCreateSession)
	r.Route("/{id}", func(r chi.Router) {
		r.Use(s.loadSession)
		r.Get("/ws", s.handleWS)

		r.Group(func(r chi.Router) {
			r.Use(bounded...)
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Post("/actions", s.handleAction)
			r.Post("/new", s.handleNew)
			r.Post("/input", s.handleInput)
			r.Post("/guess", s.handleGuess)
		})
	})
}

// loadSession resolves {id}; sessions opened by a signed-in user are only
// visible to that user.
func (s *Server) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := s.store.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeErr(w, http.StatusNotFound, "not_found")
			return
		}
		if owner := sess.Owner.UserID; owner != "" {
			if me := userFrom(r.Context()); me == nil || me.ID != owner {
				writeErr(w, http.StatusNotFound, "not_found")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxSessionKey{}, sess)))
	})
}

// stateRes is the body of every session response.
type stateRes struct {
	SessionID string     `json:"sessionId"`
	RoundID   string     `json:"roundId,omitempty"`
	Event     game.Event `json:"event"`
	State     game.State `json:"state"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var owner store.Owner
	if me := userFrom(r.Context()); me != nil {
		owner.UserID = me.ID
	} else {
		owner.AnonymousID = s.ensureAnonID(w, r)
	}
	sess, err := s.store.Create(r.Context(), owner)
	if err != nil {
		log.Error().Err(err).Msg("create session")
		writeErr(w, http.StatusInternalServerError, "save_failed")
		return
	}
	if s.metrics != nil {
		s.metrics.SetLiveSessions(s.store.Len())
	}
	writeJSON(w, http.StatusCreated, stateRes{SessionID: sess.ID, Event: game.EventNone, State: sess.Snapshot().View()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	writeJSON(w, http.StatusOK, stateRes{SessionID: sess.ID, Event: game.EventNone, State: sess.Snapshot().View()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	if err := s.store.Delete(r.Context(), sess.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusInternalServerError, "delete_failed")
		return
	}
	if s.metrics != nil {
		s.metrics.SetLiveSessions(s.store.Len())
	}
	w.WriteHeader(http.StatusNoContent)
}

// actionMsg is the wire form of a game.Action (HTTP body and WebSocket frame).
type actionMsg struct {
	Type    string `json:"type"`
	Payload string `json:"payload,omitempty"`
}

var errUnknownAction = errors.New("unknown action")

func (m actionMsg) action() (game.Action, error) {
	switch m.Type {
	case "SetPendingGuess":
		return game.SetPendingGuess{Text: m.Payload}, nil
	case "StartNewGame":
		return game.StartNewGame{}, nil
	case "SubmitGuess":
		return game.SubmitGuess{Text: m.Payload}, nil
	}
	return nil, fmt.Errorf("%w %q", errUnknownAction, m.Type)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var msg actionMsg
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_json")
		return
	}
	a, err := msg.action()
	if err != nil {
		writeErr(w, http.StatusBadRequest, "unknown_action")
		return
	}
	s.respond(w, r, a)
}

func (s *Server) handleNew(w http.ResponseWriter, r *http.Request) {
	s.respond(w, r, game.StartNewGame{})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "bad_json")
		return
	}
	s.respond(w, r, game.SetPendingGuess{Text: body.Text})
}

func (s *Server) handleGuess(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Guess *string `json:"guess"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeErr(w, http.StatusBadRequest, "bad_json")
		return
	}
	text := sessionFrom(r.Context()).Snapshot().PendingGuess
	if body.Guess != nil {
		text = *body.Guess
	}
	s.respond(w, r, game.SubmitGuess{Text: text})
}

// respond dispatches a into the request's session and writes the result.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, a game.Action) {
	sess := sessionFrom(r.Context())
	res, err := s.dispatch(r.Context(), sess, a)
	if err != nil {
		status, code := dispatchErrStatus(err)
		writeJSON(w, status, map[string]any{"error": code, "state": res.State.View()})
		return
	}
	writeJSON(w, http.StatusOK, stateRes{SessionID: sess.ID, RoundID: res.RoundID, Event: res.Event, State: res.State.View()})
}

func dispatchErrStatus(err error) (int, string) {
	switch {
	case errors.Is(err, game.ErrNotPermitted):
		return http.StatusConflict, "not_permitted"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "cancelled"
	}
	return http.StatusInternalServerError, "dispatch_failed"
}

// dispatch runs a through the session and does the bookkeeping around it.
// The round ledger is written from the session's commit hook, so history
// follows the order in which the state changed even with several clients
// on one session (best effort: failures are logged, not returned).
func (s *Server) dispatch(ctx context.Context, sess *store.Session, a game.Action) (store.Result, error) {
	start := time.Now()
	var commit func(store.Result)
	if s.hist != nil {
		commit = func(res store.Result) {
			if err := s.record(ctx, sess, res); err != nil {
				log.Warn().Err(err).Str("session", sess.ID).Str("round", res.RoundID).Msg("record round")
			}
		}
	}
	res, err := sess.DispatchWith(ctx, a, commit)
	if err != nil {
		if s.metrics != nil && errors.Is(err, game.ErrNotPermitted) {
			s.metrics.Reject(game.ActionName(a))
		}
		return res, err
	}

	if s.metrics != nil {
		s.metrics.Observe(res.Event, time.Since(start))
	}
	if res.Event.Finished() {
		log.Info().Str("session", sess.ID).Str("round", res.RoundID).Str("outcome", string(res.Event)).Msg("round finished")
	}
	return res, nil
}

// record mirrors a transition into the round ledger.
func (s *Server) record(ctx context.Context, sess *store.Session, res store.Result) error {
	switch res.Event {
	case game.EventStarted:
		owner := history.Owner{UserID: sess.Owner.UserID, AnonymousID: sess.Owner.AnonymousID}
		return s.hist.StartRound(ctx, res.RoundID, sess.ID, owner)
	case game.EventTooHigh, game.EventTooLow:
		return s.hist.RecordGuess(ctx, res.RoundID)
	case game.EventWon, game.EventLost:
		if err := s.hist.RecordGuess(ctx, res.RoundID); err != nil {
			return err
		}
		won := res.Event == game.EventWon
		score := 0
		if won {
			score = res.State.TrialsRemaining * 10
		}
		secret := -1
		if res.State.SecretNumber != nil {
			secret = *res.State.SecretNumber
		}
		return s.hist.FinishRound(ctx, res.RoundID, won, score, secret)
	}
	return nil
}
