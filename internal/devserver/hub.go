package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/devserver/store"
	"github.com/matheus3301/rtchat/internal/protocol"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// peer is one live WebSocket connection.
type peer struct {
	id      string
	account store.Account
	ws      *websocket.Conn
	out     chan []byte
	done    chan struct{}
	once    sync.Once
}

func (p *peer) close() {
	p.once.Do(func() { close(p.done) })
}

// Hub tracks live connections, conversation membership and presence, and
// fans events out to the right peers.
type Hub struct {
	db    *store.DB
	clock clockwork.Clock
	log   *zap.Logger

	mu      sync.Mutex
	peers   map[*peer]struct{}
	members map[string]map[*peer]struct{} // conversation id -> joined peers
	online  map[string]int                // account id -> live connections
	closed  bool

	wg sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(db *store.DB, clock clockwork.Clock, log *zap.Logger) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		db:      db,
		clock:   clock,
		log:     log,
		peers:   make(map[*peer]struct{}),
		members: make(map[string]map[*peer]struct{}),
		online:  make(map[string]int),
	}
}

// Online reports whether an account has at least one live connection.
func (h *Hub) Online(accountID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[accountID] > 0
}

// Members returns how many connections joined a conversation.
func (h *Hub) Members(conversationID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.members[conversationID])
}

// ServeWS upgrades an authenticated request and serves it until the peer leaves.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	account, ok := accountFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}

	p := &peer{
		id:      uuid.NewString(),
		account: account,
		ws:      ws,
		out:     make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Events published once the peer is registered wait in p.out until the
	// writer starts, so hello is always the first frame.
	if !h.register(p) {
		_ = ws.Close(websocket.StatusGoingAway, "server stopping")
		return
	}
	defer h.wg.Done()
	defer h.unregister(p)

	hello, _ := json.Marshal(protocol.Hello{Type: protocol.FrameHello, ConnectionID: p.id, AccountID: account.ID})
	if err := h.write(ctx, p, hello); err != nil {
		_ = ws.Close(websocket.StatusInternalError, "hello failed")
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		h.writeLoop(ctx, p)
	}()

	h.readLoop(ctx, p)
	p.close()
	_ = ws.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) register(p *peer) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.wg.Add(1)
	h.peers[p] = struct{}{}
	h.online[p.account.ID]++
	first := h.online[p.account.ID] == 1
	h.mu.Unlock()

	h.log.Info("peer connected", zap.String("account_id", p.account.ID), zap.String("conn_id", p.id))
	if first {
		if p.account.ShowStatus {
			h.broadcast(protocol.EventUserOnline, protocol.UserOnline{AccountID: p.account.ID, At: h.clock.Now().UTC()}, p)
		} else {
			h.broadcast(protocol.EventUserHidden, protocol.UserHidden{AccountID: p.account.ID}, p)
		}
	}
	return true
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	if _, ok := h.peers[p]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.peers, p)
	for id, set := range h.members {
		delete(set, p)
		if len(set) == 0 {
			delete(h.members, id)
		}
	}
	h.online[p.account.ID]--
	last := h.online[p.account.ID] == 0
	if last {
		delete(h.online, p.account.ID)
	}
	h.mu.Unlock()

	h.log.Info("peer disconnected", zap.String("account_id", p.account.ID), zap.String("conn_id", p.id))
	if !last {
		return
	}
	now := h.clock.Now().UTC()
	if err := h.db.SetLastOnline(context.Background(), p.account.ID, now); err != nil {
		h.log.Warn("record last online failed", zap.String("account_id", p.account.ID), zap.Error(err))
	}
	if p.account.ShowStatus {
		h.broadcast(protocol.EventUserOffline, protocol.UserOffline{AccountID: p.account.ID, LastOnlineAt: now}, nil)
	}
}

func (h *Hub) readLoop(ctx context.Context, p *peer) {
	for {
		_, data, err := p.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				h.log.Debug("websocket read ended", zap.String("conn_id", p.id), zap.Error(err))
			}
			return
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			h.log.Warn("dropping malformed frame", zap.String("conn_id", p.id), zap.Error(err))
			continue
		}
		switch frame.Type {
		case protocol.FrameInvoke:
			ok, reason := h.handleInvoke(p, frame.Invoke)
			h.ack(p, frame.Invoke.ID, ok, reason)
		case protocol.FramePing:
			h.send(p, []byte(`{"type":"pong"}`))
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, p *peer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case data := <-p.out:
			if err := h.write(ctx, p, data); err != nil {
				h.log.Debug("websocket write failed", zap.String("conn_id", p.id), zap.Error(err))
				_ = p.ws.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, p *peer, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return p.ws.Write(ctx, websocket.MessageText, data)
}

// send queues a frame for p. A peer that cannot keep up is disconnected.
func (h *Hub) send(p *peer, data []byte) {
	select {
	case <-p.done:
	case p.out <- data:
	default:
		h.log.Warn("peer too slow, disconnecting", zap.String("conn_id", p.id))
		p.close()
		_ = p.ws.Close(websocket.StatusPolicyViolation, "too slow")
	}
}

func (h *Hub) ack(p *peer, id string, ok bool, reason string) {
	data, _ := json.Marshal(protocol.Ack{Type: protocol.FrameAck, ID: id, OK: ok, Error: reason})
	h.send(p, data)
}

var errNotMember = errors.New("not a member")

func (h *Hub) handleInvoke(p *peer, inv *protocol.Invoke) (bool, string) {
	conversationID := argString(inv.Args, 0)
	if err := protocol.ValidateConversationID(conversationID); err != nil {
		return false, err.Error()
	}

	switch inv.Method {
	case protocol.JoinConversation:
		h.mu.Lock()
		set, ok := h.members[conversationID]
		if !ok {
			set = make(map[*peer]struct{})
			h.members[conversationID] = set
		}
		set[p] = struct{}{}
		h.mu.Unlock()
		return true, ""

	case protocol.LeaveConversation:
		h.mu.Lock()
		if set, ok := h.members[conversationID]; ok {
			delete(set, p)
			if len(set) == 0 {
				delete(h.members, conversationID)
			}
		}
		h.mu.Unlock()
		return true, ""

	case protocol.Typing:
		isTyping, _ := argAt(inv.Args, 1).(bool)
		err := h.fanout(p, conversationID, protocol.EventTyping, protocol.TypingSignal{
			ConversationID: conversationID,
			AccountID:      p.account.ID,
			IsTyping:       isTyping,
		})
		if err != nil {
			return false, err.Error()
		}
		return true, ""

	case protocol.SeenConversation:
		messageID := argString(inv.Args, 1)
		if messageID == "" {
			return false, "missing message id"
		}
		err := h.fanout(p, conversationID, protocol.EventMemberSeen, protocol.MemberSeen{
			ConversationID: conversationID,
			MessageID:      messageID,
			AccountID:      p.account.ID,
		})
		if err != nil {
			return false, err.Error()
		}
		return true, ""
	}
	return false, fmt.Sprintf("unknown method %q", inv.Method)
}

// fanout sends an event to every other member of a conversation the sender joined.
func (h *Hub) fanout(from *peer, conversationID, name string, payload any) error {
	h.mu.Lock()
	set := h.members[conversationID]
	if _, ok := set[from]; !ok {
		h.mu.Unlock()
		return errNotMember
	}
	targets := make([]*peer, 0, len(set))
	for p := range set {
		if p != from {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	h.deliver(targets, name, payload)
	return nil
}

// Publish sends an event to every member of a conversation.
func (h *Hub) Publish(conversationID, name string, payload any) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.members[conversationID]))
	for p := range h.members[conversationID] {
		targets = append(targets, p)
	}
	h.mu.Unlock()
	h.deliver(targets, name, payload)
}

// broadcast sends an event to every connected peer except skip.
func (h *Hub) broadcast(name string, payload any, skip *peer) {
	h.mu.Lock()
	targets := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		if p != skip {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()
	h.deliver(targets, name, payload)
}

func (h *Hub) deliver(targets []*peer, name string, payload any) {
	if len(targets) == 0 {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("marshal event", zap.String("event", name), zap.Error(err))
		return
	}
	data, _ := json.Marshal(protocol.EventFrame{Type: protocol.FrameEvent, Name: name, Payload: body})
	for _, p := range targets {
		h.send(p, data)
	}
}

// Close disconnects every peer and waits for their handlers to finish.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	peers := make([]*peer, 0, len(h.peers))
	for p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.close()
		_ = p.ws.Close(websocket.StatusGoingAway, "server stopping")
	}
	h.wg.Wait()
}

func argAt(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func argString(args []any, i int) string {
	s, _ := argAt(args, i).(string)
	return s
}
