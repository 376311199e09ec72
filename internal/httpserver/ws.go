// internal/httpserver/ws.go
//
// WebSocket channel for a hosted session: GET /sessions/{id}/ws.
//   - On connect the current state is pushed once.
//   - Client frames are action messages ({"type": ..., "payload": ...}).
//   - Every accepted action on the session is pushed as {roundId, event, state},
//     whether it came from this socket, another socket or the HTTP routes.
//   - Rejected or malformed frames are answered on this socket only, as {error}.
//   - The socket closes when its session is deleted or evicted.

package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/robalobadob/numguess/internal/game"
	"github.com/robalobadob/numguess/internal/store"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 54 * time.Second

	// Largest action frame accepted
	maxFrame = 4096
)

// wsOut is every frame the server sends.
type wsOut struct {
	RoundID string      `json:"roundId,omitempty"`
	Event   game.Event  `json:"event,omitempty"`
	State   *game.State `json:"state,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// checkOrigin admits the configured client origin, same-host pages and
// non-browser clients (no Origin header).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == s.cfg.ClientOrigin {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// handleWS upgrades, subscribes to the session and runs the read loop.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	state, updates, unwatch := sess.Watch()
	defer unwatch()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &wsConn{conn: conn}
	snap := state.View()
	if err := c.send(wsOut{Event: game.EventNone, State: &snap}); err != nil {
		return
	}

	go c.pinger(ctx)
	go c.forward(ctx, updates, sess.ID)

	conn.SetReadLimit(maxFrame)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg actionMsg
		if err := conn.ReadJSON(&msg); err != nil {
			if isDecodeErr(err) {
				if c.send(wsOut{Error: "bad_json"}) != nil {
					return
				}
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("session", sess.ID).Msg("ws read")
			}
			return
		}
		if out := s.wsDispatch(ctx, sess, msg); out != nil {
			if err := c.send(*out); err != nil {
				return
			}
		}
	}
}

// wsDispatch runs msg. Accepted results reach the socket through the
// session watch, so only failures come back from here.
func (s *Server) wsDispatch(ctx context.Context, sess *store.Session, msg actionMsg) *wsOut {
	a, err := msg.action()
	if err != nil {
		return &wsOut{Error: "unknown_action"}
	}
	res, err := s.dispatch(ctx, sess, a)
	if err != nil {
		view := res.State.View()
		_, code := dispatchErrStatus(err)
		return &wsOut{Error: code, State: &view}
	}
	return nil
}

func isDecodeErr(err error) bool {
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	return errors.As(err, &syn) || errors.As(err, &typ)
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(v wsOut) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

// forward pushes session results until updates closes. A close that the
// handler did not ask for means the session is gone (or this socket fell
// too far behind), so the connection is ended.
func (c *wsConn) forward(ctx context.Context, updates <-chan store.Result, session string) {
	for res := range updates {
		view := res.State.View()
		if err := c.send(wsOut{RoundID: res.RoundID, Event: res.Event, State: &view}); err != nil {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	log.Debug().Str("session", session).Msg("ws watch ended")
	_ = c.send(wsOut{Error: "session_closed"})
	_ = c.conn.Close()
}

func (c *wsConn) pinger(ctx context.Context) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
