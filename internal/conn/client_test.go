package conn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/protocol"
)

// hubStub is a minimal hub: it greets, acks invokes per okFor and can push
// events or drop the connection.
type hubStub struct {
	t     *testing.T
	okFor func(protocol.Method) bool

	mu      sync.Mutex
	conns   []*websocket.Conn
	invokes []string
}

func (h *hubStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer secret" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conns = append(h.conns, ws)
	h.mu.Unlock()

	ctx := r.Context()
	hello, _ := json.Marshal(protocol.Hello{Type: protocol.FrameHello, ConnectionID: "srv-1", AccountID: "me"})
	if err := ws.Write(ctx, websocket.MessageText, hello); err != nil {
		return
	}
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		var inv protocol.Invoke
		if json.Unmarshal(data, &inv) != nil || inv.Type != protocol.FrameInvoke {
			continue
		}
		h.mu.Lock()
		h.invokes = append(h.invokes, string(inv.Method))
		h.mu.Unlock()
		ok := h.okFor == nil || h.okFor(inv.Method)
		ack, _ := json.Marshal(protocol.Ack{Type: protocol.FrameAck, ID: inv.ID, OK: ok})
		_ = ws.Write(ctx, websocket.MessageText, ack)
	}
}

func (h *hubStub) last() *websocket.Conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.conns) == 0 {
		return nil
	}
	return h.conns[len(h.conns)-1]
}

func newTestClient(t *testing.T, hub *hubStub) (*Client, *Machine) {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	m := NewMachine(nil)
	c := NewClient(Options{
		URL:       srv.URL,
		Token:     "secret",
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  50 * time.Millisecond,
	}, m, zap.NewNop())
	t.Cleanup(c.Stop)
	return c, m
}

func waitState(t *testing.T, m *Machine, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func TestClientConnectsAndInvokes(t *testing.T) {
	hub := &hubStub{t: t, okFor: func(m protocol.Method) bool { return m != protocol.LeaveConversation }}
	c, m := newTestClient(t, hub)

	c.Start(context.Background())
	waitState(t, m, Connected)

	if c.AccountID() != "me" {
		t.Errorf("AccountID() = %q, want me", c.AccountID())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := c.Invoke(ctx, protocol.JoinConversation, "c1")
	if err != nil || !ok {
		t.Errorf("Invoke(Join) = %v, %v; want true, nil", ok, err)
	}
	ok, err = c.Invoke(ctx, protocol.LeaveConversation, "c1")
	if err != nil || ok {
		t.Errorf("Invoke(Leave) = %v, %v; want false, nil", ok, err)
	}
}

func TestClientInvokeNotConnected(t *testing.T) {
	c := NewClient(Options{URL: "http://127.0.0.1:1"}, NewMachine(nil), zap.NewNop())
	if _, err := c.Invoke(context.Background(), protocol.Typing, "c1", true); err != ErrNotConnected {
		t.Errorf("Invoke() error = %v, want ErrNotConnected", err)
	}
}

func TestClientDispatchesEvents(t *testing.T) {
	hub := &hubStub{t: t}
	c, m := newTestClient(t, hub)

	got := make(chan protocol.EventFrame, 1)
	c.OnEvent(func(f protocol.EventFrame) { got <- f })
	c.Start(context.Background())
	waitState(t, m, Connected)

	evt := `{"type":"event","name":"Typing","payload":{"conversationId":"c1","isTyping":true}}`
	if err := hub.last().Write(context.Background(), websocket.MessageText, []byte(evt)); err != nil {
		t.Fatal(err)
	}
	select {
	case f := <-got:
		if f.Name != "Typing" {
			t.Errorf("event name = %q", f.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
}

func TestClientReconnectsWithNewID(t *testing.T) {
	hub := &hubStub{t: t}
	c, m := newTestClient(t, hub)

	ids := make(chan ID, 4)
	m.OnStateChange(func(ch Change) {
		if ch.To == Connected {
			ids <- ch.ID
		}
	})
	c.Start(context.Background())

	var first ID
	select {
	case first = <-ids:
	case <-time.After(3 * time.Second):
		t.Fatal("never connected")
	}

	_ = hub.last().Close(websocket.StatusGoingAway, "restart")

	select {
	case second := <-ids:
		if second == first {
			t.Errorf("reconnection reused id %q", first)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("never reconnected")
	}
}

func TestClientStopDisconnects(t *testing.T) {
	hub := &hubStub{t: t}
	c, m := newTestClient(t, hub)
	c.Start(context.Background())
	waitState(t, m, Connected)

	c.Stop()
	if m.Current() != Disconnected {
		t.Errorf("state after Stop = %s, want disconnected", m.Current())
	}
}

func TestClientGivesUpAfterMaxAttempts(t *testing.T) {
	hub := &hubStub{t: t}
	srv := httptest.NewServer(hub)
	defer srv.Close()

	m := NewMachine(nil)
	changes := make(chan Change, 16)
	m.OnStateChange(func(ch Change) { changes <- ch })

	c := NewClient(Options{URL: srv.URL, Token: "wrong", BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxAttempts: 2}, m, zap.NewNop())
	c.Start(context.Background())
	defer c.Stop()

	reconnects := 0
	for {
		select {
		case ch := <-changes:
			if ch.To == Reconnecting {
				reconnects++
			}
			if ch.To == Disconnected {
				if reconnects != 2 {
					t.Errorf("reconnect attempts = %d, want 2", reconnects)
				}
				return
			}
		case <-time.After(3 * time.Second):
			t.Fatal("client never gave up")
		}
	}
}

func TestWSURL(t *testing.T) {
	tests := map[string]string{
		"http://localhost:8080":   "ws://localhost:8080/ws",
		"https://chat.example/":   "wss://chat.example/ws",
		"https://chat.example/v1": "wss://chat.example/v1/ws",
	}
	for in, want := range tests {
		if got := wsURL(in); got != want {
			t.Errorf("wsURL(%q) = %q, want %q", in, got, want)
		}
	}
}
