package httpserver

import (
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robalobadob/numguess/internal/game"
	"github.com/robalobadob/numguess/internal/history"
)

func dialSession(t *testing.T, base, id string, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(base, "http") + "/sessions/" + id + "/ws"
	conn, res, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsOut {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var out wsOut
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read: %v", err)
	}
	return out
}

func TestWebSocketRound(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, ts)
	id := c.newSession()

	conn := dialSession(t, ts.URL, id, nil)

	first := readFrame(t, conn)
	if first.State == nil || !first.State.CanStartNewGame {
		t.Fatalf("initial frame = %+v", first)
	}

	steps := []struct {
		send  any
		event game.Event
		fb    string
		err   string
	}{
		{actionMsg{Type: "SubmitGuess", Payload: "3"}, "", "", "not_permitted"},
		{actionMsg{Type: "StartNewGame"}, game.EventStarted, "Secret Number Generated. Good luck guessing it!", ""},
		{actionMsg{Type: "SetPendingGuess", Payload: "7"}, game.EventInputChanged, "Secret Number Generated. Good luck guessing it!", ""},
		{actionMsg{Type: "SubmitGuess", Payload: "7"}, game.EventTooLow, "7 is too low", ""},
		{actionMsg{Type: "Teleport"}, "", "", "unknown_action"},
		{[]int{1, 2}, "", "", "bad_json"},
		{actionMsg{Type: "SubmitGuess", Payload: "42"}, game.EventWon, "You Win! Your score is 90%", ""},
	}
	for i, st := range steps {
		if err := conn.WriteJSON(st.send); err != nil {
			t.Fatalf("step %d write: %v", i, err)
		}
		got := readFrame(t, conn)
		if got.Error != st.err {
			t.Errorf("step %d error = %q, want %q", i, got.Error, st.err)
		}
		if st.err != "" {
			continue
		}
		if got.Event != st.event {
			t.Errorf("step %d event = %s, want %s", i, got.Event, st.event)
		}
		if got.State == nil || fb(*got.State) != st.fb {
			t.Errorf("step %d feedback = %+v, want %q", i, got.State, st.fb)
		}
	}

	// HTTP sees the same session state.
	var body sessionBody
	c.do("GET", "/sessions/"+id, nil, &body)
	if fb(body.State) != "You Win! Your score is 90%" {
		t.Errorf("http view = %q", fb(body.State))
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, ts)
	id := c.newSession()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/" + id + "/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v", res)
	}
}

func TestWebSocketUnknownSession(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sessions/missing/ws"
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || res == nil || res.StatusCode != http.StatusNotFound {
		t.Errorf("dial unknown session: err=%v res=%v", err, res)
	}
}

func TestWebSocketReceivesHTTPDispatches(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, ts)
	id := c.newSession()

	conn := dialSession(t, ts.URL, id, nil)
	readFrame(t, conn)

	var body sessionBody
	c.do("POST", "/sessions/"+id+"/new", nil, &body)
	got := readFrame(t, conn)
	if got.Event != game.EventStarted || got.RoundID != body.RoundID {
		t.Errorf("pushed %+v, want started for round %s", got, body.RoundID)
	}

	c.do("POST", "/sessions/"+id+"/guess", map[string]string{"guess": "80"}, nil)
	got = readFrame(t, conn)
	if got.Event != game.EventTooHigh || got.State == nil || got.State.TrialsRemaining != 9 {
		t.Errorf("pushed %+v, want too_high with 9 trials", got)
	}
	if got.State != nil && got.State.SecretNumber != nil {
		t.Error("push exposed the secret during the round")
	}

	// rejected HTTP actions are not broadcast
	c.do("POST", "/sessions/"+id+"/new", nil, nil)
	c.do("POST", "/sessions/"+id+"/guess", map[string]string{"guess": "42"}, nil)
	if got = readFrame(t, conn); got.Event != game.EventWon {
		t.Errorf("pushed %+v, want won", got)
	}
}

func TestWebSocketClosedWithSession(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, ts)
	id := c.newSession()

	conn := dialSession(t, ts.URL, id, nil)
	readFrame(t, conn)

	if code := c.do("DELETE", "/sessions/"+id, nil, nil); code != http.StatusNoContent {
		t.Fatalf("delete: status %d", code)
	}
	if got := readFrame(t, conn); got.Error != "session_closed" {
		t.Errorf("frame = %+v, want session_closed", got)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("socket still open after its session was deleted")
	}
}

func TestConcurrentClientsKeepHistoryInOrder(t *testing.T) {
	ts := newTestServer(t)
	c := newClient(t, ts)
	id := c.newSession()

	conn := dialSession(t, ts.URL, id, nil)
	readFrame(t, conn)

	// drain pushes until the trailing bad frame is answered
	synced := make(chan struct{})
	go func() {
		defer close(synced)
		for {
			var out wsOut
			if err := conn.ReadJSON(&out); err != nil || out.Error == "bad_json" {
				return
			}
		}
	}()

	post := func(path, body string) {
		res, err := c.http.Post(ts.URL+path, "application/json", strings.NewReader(body))
		if err == nil {
			res.Body.Close()
		}
	}

	const rounds = 20
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			post("/sessions/"+id+"/new", "")
			post("/sessions/"+id+"/guess", `{"guess":"42"}`)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			_ = conn.WriteJSON(actionMsg{Type: "StartNewGame"})
			_ = conn.WriteJSON(actionMsg{Type: "SubmitGuess", Payload: "42"})
		}
		_ = conn.WriteJSON([]int{1})
	}()
	wg.Wait()

	select {
	case <-synced:
	case <-time.After(10 * time.Second):
		t.Fatal("socket never caught up")
	}

	var body sessionBody
	c.do("GET", "/sessions/"+id, nil, &body)
	if body.State.CanSubmitGuess {
		c.do("POST", "/sessions/"+id+"/guess", map[string]string{"guess": "42"}, nil)
	}

	var list []history.Round
	c.do("GET", "/rounds/mine?limit=100", nil, &list)
	if len(list) == 0 {
		t.Fatal("no rounds recorded")
	}
	for _, r := range list {
		if r.Status != history.StatusWon || r.Guesses != 1 {
			t.Errorf("round %s: status %s with %d guesses, want won with 1", r.ID, r.Status, r.Guesses)
		}
	}
}
