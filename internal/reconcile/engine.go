package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/protocol"
)

// MessageSender delivers a message to the server.
type MessageSender interface {
	SendMessage(ctx context.Context, conversationID string, req api.SendMessageRequest) (*api.SendMessageResponse, error)
}

// TypingCanceler ends the local typing session when a message goes out.
type TypingCanceler interface {
	CancelTyping(conversationID string)
}

// Options configures an Engine.
type Options struct {
	SendTimeout time.Duration
	Clock       clockwork.Clock
	// ReleasePlaceholder frees a local placeholder once the server copy
	// replaces it. Optional.
	ReleasePlaceholder func(MediaRef)
}

// Seen is the bus payload for message.seen.
type Seen struct {
	ConversationID string
	MessageID      string
	AccountID      string
}

type seenMarker struct {
	conversationID string
	accountID      string
}

// conversation is the per-conversation view of local state.
type conversation struct {
	panels   []Panel
	rendered map[string]bool // server message ids shown in the panel
}

// Engine reconciles optimistic messages with server events.
type Engine struct {
	sender MessageSender
	typing TypingCanceler
	opts   Options
	bus    *bus.Bus
	log    *zap.Logger

	mu        sync.Mutex
	localID   string
	seq       uint64
	byTemp    map[string]*OptimisticMessage
	byID      map[string]*OptimisticMessage
	convs     map[string]*conversation
	seenQueue map[string][]seenMarker // message id -> markers awaiting it
}

// New creates an engine. typing and b may be nil.
func New(sender MessageSender, typing TypingCanceler, opts Options, b *bus.Bus, log *zap.Logger) *Engine {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		sender:    sender,
		typing:    typing,
		opts:      opts,
		bus:       b,
		log:       log,
		byTemp:    make(map[string]*OptimisticMessage),
		byID:      make(map[string]*OptimisticMessage),
		convs:     make(map[string]*conversation),
		seenQueue: make(map[string][]seenMarker),
	}
}

// SetLocalAccount names the signed-in account. Content matching only applies
// to messages sent by it.
func (e *Engine) SetLocalAccount(accountID string) {
	e.mu.Lock()
	e.localID = accountID
	e.mu.Unlock()
}

// Open attaches a panel to a conversation. Several panels may show the same
// conversation; messages already held for it are replayed onto the new one.
func (e *Engine) Open(conversationID string, p Panel) {
	e.mu.Lock()
	c := e.conv(conversationID)
	if !slices.Contains(c.panels, p) {
		c.panels = append(c.panels, p)
	}
	var replay []OptimisticMessage
	for _, m := range e.byTemp {
		if m.ConversationID == conversationID {
			replay = append(replay, m.clone())
		}
	}
	e.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool { return replay[i].seq < replay[j].seq })
	for _, m := range replay {
		switch m.Status {
		case StatusPending:
			p.RenderPending(m)
		case StatusSent:
			p.MarkSent(m)
		case StatusFailed:
			p.MarkFailed(m)
		}
	}
}

// Close detaches one panel. When it was the last one the conversation is
// forgotten. It reports how many panels remain.
func (e *Engine) Close(conversationID string, p Panel) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.convs[conversationID]
	if !ok {
		e.forget(conversationID)
		return 0
	}
	c.panels = slices.DeleteFunc(c.panels, func(x Panel) bool { return x == p })
	if len(c.panels) > 0 {
		return len(c.panels)
	}
	e.forget(conversationID)
	return 0
}

// Forget drops everything held for a conversation, whatever panels show it.
// Late confirmations for forgotten messages are ignored.
func (e *Engine) Forget(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.forget(conversationID)
}

// forget is Forget with e.mu held.
func (e *Engine) forget(conversationID string) {
	for temp, m := range e.byTemp {
		if m.ConversationID != conversationID {
			continue
		}
		delete(e.byTemp, temp)
		if m.MessageID != "" {
			delete(e.byID, m.MessageID)
		}
	}
	for id, markers := range e.seenQueue {
		kept := markers[:0]
		for _, mk := range markers {
			if mk.conversationID != conversationID {
				kept = append(kept, mk)
			}
		}
		if len(kept) == 0 {
			delete(e.seenQueue, id)
		} else {
			e.seenQueue[id] = kept
		}
	}
	delete(e.convs, conversationID)
}

// Message returns a snapshot of an optimistic message.
func (e *Engine) Message(tempID string) (OptimisticMessage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.byTemp[tempID]
	if !ok {
		return OptimisticMessage{}, false
	}
	return m.clone(), true
}

// Send renders a draft as pending and delivers it. The returned snapshot
// reflects the state after delivery; on failure it is StatusFailed and can
// be passed to Retry.
func (e *Engine) Send(ctx context.Context, d Draft) (OptimisticMessage, error) {
	if err := protocol.ValidateConversationID(d.ConversationID); err != nil {
		return OptimisticMessage{}, err
	}
	normalized := NormalizeContent(d.Content)
	if normalized == "" && len(d.Media) == 0 {
		return OptimisticMessage{}, ErrEmptyMessage
	}

	media := make([]MediaRef, len(d.Media))
	for i, ref := range d.Media {
		ref.Placeholder = true
		media[i] = ref
	}

	e.mu.Lock()
	e.seq++
	m := &OptimisticMessage{
		TempID:            uuid.NewString(),
		ConversationID:    d.ConversationID,
		SenderID:          e.localID,
		Content:           d.Content,
		NormalizedContent: normalized,
		Media:             media,
		Status:            StatusPending,
		CreatedAt:         e.opts.Clock.Now(),
		seq:               e.seq,
	}
	e.byTemp[m.TempID] = m
	panels := e.panels(m.ConversationID)
	snap := m.clone()
	e.mu.Unlock()

	for _, p := range panels {
		p.RenderPending(snap)
	}
	e.emit(bus.KindMessageRendered, snap)
	if e.typing != nil {
		e.typing.CancelTyping(m.ConversationID)
	}

	err := e.deliver(ctx, m)
	out, _ := e.Message(m.TempID)
	if out.TempID == "" {
		out = snap
	}
	return out, err
}

// Retry resends a failed message with its original temp id and attachments.
func (e *Engine) Retry(ctx context.Context, tempID string) (OptimisticMessage, error) {
	e.mu.Lock()
	m, ok := e.byTemp[tempID]
	if !ok {
		e.mu.Unlock()
		return OptimisticMessage{}, fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}
	if m.Status != StatusFailed {
		snap := m.clone()
		e.mu.Unlock()
		return snap, fmt.Errorf("%w: %s is %s", ErrNotFailed, tempID, snap.Status)
	}
	m.Status = StatusPending
	m.Err = nil
	panels := e.panels(m.ConversationID)
	snap := m.clone()
	e.mu.Unlock()

	for _, p := range panels {
		p.RenderPending(snap)
	}
	err := e.deliver(ctx, m)
	out, _ := e.Message(tempID)
	return out, err
}

func (e *Engine) deliver(ctx context.Context, m *OptimisticMessage) error {
	e.mu.Lock()
	req := api.SendMessageRequest{TempID: m.TempID, Content: m.Content}
	for _, ref := range m.Media {
		req.Media = append(req.Media, api.MediaInput{URL: ref.URL, Kind: ref.Kind})
	}
	conversationID := m.ConversationID
	e.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
	defer cancel()
	resp, err := e.sender.SendMessage(sendCtx, conversationID, req)
	if err != nil {
		if errors.Is(sendCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("send timed out after %s: %w", e.opts.SendTimeout, err)
		}
		e.fail(m, err)
		return err
	}

	e.confirm(m, resp.MessageID, serverMedia(resp.Media))
	return nil
}

func (e *Engine) fail(m *OptimisticMessage, err error) {
	e.mu.Lock()
	if e.byTemp[m.TempID] != m || m.Status != StatusPending {
		e.mu.Unlock()
		return
	}
	m.Status = StatusFailed
	m.Err = err
	panels := e.panels(m.ConversationID)
	snap := m.clone()
	e.mu.Unlock()

	e.log.Warn("message send failed", zap.String("temp_id", m.TempID), zap.String("conversation_id", snap.ConversationID), zap.Error(err))
	for _, p := range panels {
		p.MarkFailed(snap)
	}
	e.emit(bus.KindMessageFailed, snap)
}

// confirm marks m sent under messageID. Whichever of the REST response and
// the pushed event arrives first wins. A later confirmation only matters when
// it brings the server copy of media still shown as placeholders.
func (e *Engine) confirm(m *OptimisticMessage, messageID string, media []MediaRef) {
	e.mu.Lock()
	if e.byTemp[m.TempID] != m {
		e.mu.Unlock()
		return
	}
	already := m.Status == StatusSent
	var released []MediaRef
	if len(media) > 0 {
		for _, ref := range m.Media {
			if ref.Placeholder {
				released = append(released, ref)
			}
		}
	}
	if already && len(released) == 0 {
		e.mu.Unlock()
		return
	}
	if len(released) > 0 {
		m.Media = media
	}

	var markers []seenMarker
	if !already {
		m.Status = StatusSent
		m.Err = nil
		m.MessageID = messageID
		c := e.conv(m.ConversationID)
		if messageID != "" {
			e.byID[messageID] = m
			c.rendered[messageID] = true
		}
		markers = e.takeSeen(messageID)
	}
	panels := e.panels(m.ConversationID)
	snap := m.clone()
	e.mu.Unlock()

	if e.opts.ReleasePlaceholder != nil {
		for _, ref := range released {
			e.opts.ReleasePlaceholder(ref)
		}
	}
	for _, p := range panels {
		p.MarkSent(snap)
		if !already {
			p.ClearSentMarkers(snap.TempID)
		}
	}
	if already {
		e.log.Debug("server media replaced placeholders", zap.String("temp_id", snap.TempID), zap.Int("released", len(released)))
		return
	}
	e.emit(bus.KindMessageSent, snap)
	e.applySeen(panels, snap.MessageID, markers)
}

// HandleNewMessage reconciles a pushed NewMessage: by temp id first, then by
// server id, then by content for the local account's pending messages,
// otherwise it is a new inbound message.
func (e *Engine) HandleNewMessage(evt *protocol.NewMessage) {
	e.mu.Lock()
	match := e.match(evt)
	if match != nil {
		e.mu.Unlock()
		media := serverMedia(evt.Media)
		e.confirm(match, evt.MessageID, media)
		return
	}

	c := e.conv(evt.ConversationID)
	if evt.MessageID != "" && c.rendered[evt.MessageID] {
		e.mu.Unlock()
		return
	}
	if evt.MessageID != "" {
		c.rendered[evt.MessageID] = true
	}
	panels := slices.Clone(c.panels)
	markers := e.takeSeen(evt.MessageID)
	e.mu.Unlock()

	for _, p := range panels {
		p.RenderInbound(*evt)
	}
	e.emit(bus.KindMessageRendered, *evt)
	e.applySeen(panels, evt.MessageID, markers)
}

// match finds the optimistic message an event confirms. Caller holds e.mu.
func (e *Engine) match(evt *protocol.NewMessage) *OptimisticMessage {
	if evt.TempID != "" {
		if m, ok := e.byTemp[evt.TempID]; ok && m.ConversationID == evt.ConversationID {
			return m
		}
	}
	if m, ok := e.byID[evt.MessageID]; ok && evt.MessageID != "" && m.ConversationID == evt.ConversationID {
		return m
	}
	if evt.SenderID == "" || evt.SenderID != e.localID {
		return nil
	}

	normalized := NormalizeContent(evt.Content)
	var candidates []*OptimisticMessage
	for _, m := range e.byTemp {
		if m.ConversationID != evt.ConversationID || m.Status != StatusPending {
			continue
		}
		if normalized != "" {
			if m.NormalizedContent == normalized {
				candidates = append(candidates, m)
			}
		} else if m.NormalizedContent == "" && len(m.Media) == len(evt.Media) {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	if len(candidates) > 1 {
		e.log.Warn("reconcile.ambiguous_match",
			zap.String("conversation_id", evt.ConversationID),
			zap.String("message_id", evt.MessageID),
			zap.Int("candidates", len(candidates)),
		)
	}
	return candidates[0]
}

// HandleMemberSeen applies a seen marker now if the message is known,
// otherwise holds it until the message is confirmed or rendered.
func (e *Engine) HandleMemberSeen(evt *protocol.MemberSeen) {
	if evt.MessageID == "" {
		return
	}
	e.mu.Lock()
	c := e.conv(evt.ConversationID)
	known := c.rendered[evt.MessageID]
	if !known {
		queue := e.seenQueue[evt.MessageID]
		for _, mk := range queue {
			if mk.accountID == evt.AccountID {
				e.mu.Unlock()
				return
			}
		}
		e.seenQueue[evt.MessageID] = append(queue, seenMarker{conversationID: evt.ConversationID, accountID: evt.AccountID})
		e.mu.Unlock()
		return
	}
	panels := slices.Clone(c.panels)
	e.mu.Unlock()

	e.applySeen(panels, evt.MessageID, []seenMarker{{conversationID: evt.ConversationID, accountID: evt.AccountID}})
}

// PendingSeen returns how many seen markers wait for a message id.
func (e *Engine) PendingSeen(messageID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.seenQueue[messageID])
}

func (e *Engine) applySeen(panels []Panel, messageID string, markers []seenMarker) {
	for _, mk := range markers {
		for _, p := range panels {
			p.MarkSeen(messageID, mk.accountID)
		}
		e.emit(bus.KindMessageSeen, Seen{ConversationID: mk.conversationID, MessageID: messageID, AccountID: mk.accountID})
	}
}

// takeSeen removes and returns queued markers for a message. Caller holds e.mu.
func (e *Engine) takeSeen(messageID string) []seenMarker {
	if messageID == "" {
		return nil
	}
	markers := e.seenQueue[messageID]
	delete(e.seenQueue, messageID)
	return markers
}

// conv returns the state for a conversation, creating it. Caller holds e.mu.
func (e *Engine) conv(id string) *conversation {
	c, ok := e.convs[id]
	if !ok {
		c = &conversation{rendered: make(map[string]bool)}
		e.convs[id] = c
	}
	return c
}

// panels returns a copy of the panels showing a conversation. Caller holds e.mu.
func (e *Engine) panels(conversationID string) []Panel {
	if c, ok := e.convs[conversationID]; ok {
		return slices.Clone(c.panels)
	}
	return nil
}

func (e *Engine) emit(kind string, payload any) {
	if e.bus != nil {
		e.bus.Emit(kind, payload)
	}
}
