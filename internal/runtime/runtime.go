package runtime

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/conn"
	"github.com/matheus3301/rtchat/internal/groups"
	"github.com/matheus3301/rtchat/internal/invoke"
	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/protocol"
	"github.com/matheus3301/rtchat/internal/reconcile"
	"github.com/matheus3301/rtchat/internal/typing"
)

// ConversationView renders one conversation: its messages and the typing
// indicators of other participants.
type ConversationView interface {
	reconcile.Panel
	typing.Surface
}

// Runtime is the handle UI surfaces use to talk to the realtime services.
type Runtime struct {
	Conn     *conn.Client
	API      *api.Client
	Guard    *invoke.Guard
	Groups   *groups.Tracker
	Typing   *typing.Coordinator
	Messages *reconcile.Engine
	Presence *presence.Store
	Bus      *bus.Bus

	dispatcher *Dispatcher
	log        *zap.Logger
}

// NewRuntime bundles the services.
func NewRuntime(
	client *conn.Client,
	apiClient *api.Client,
	guard *invoke.Guard,
	tracker *groups.Tracker,
	typ *typing.Coordinator,
	engine *reconcile.Engine,
	store *presence.Store,
	b *bus.Bus,
	d *Dispatcher,
	log *zap.Logger,
) *Runtime {
	return &Runtime{
		Conn:       client,
		API:        apiClient,
		Guard:      guard,
		Groups:     tracker,
		Typing:     typ,
		Messages:   engine,
		Presence:   store,
		Bus:        b,
		dispatcher: d,
		log:        log,
	}
}

// OpenConversation joins the conversation's group and attaches v to it.
// Opening the same conversation from two views counts as two interests.
func (r *Runtime) OpenConversation(conversationID string, v ConversationView) error {
	if err := r.Groups.Join(conversationID); err != nil {
		return err
	}
	r.dispatcher.Register(conversationID, v)
	r.Messages.Open(conversationID, v)
	return nil
}

// CloseConversation detaches v from the conversation and releases its group
// interest. Local typing and message state are dropped only when no other
// view still shows the conversation.
func (r *Runtime) CloseConversation(conversationID string, v ConversationView) error {
	remaining := r.dispatcher.Unregister(conversationID, v)
	if remaining == 0 {
		r.Typing.CancelTyping(conversationID)
	}
	r.Typing.HideAll(v)
	r.Messages.Close(conversationID, v)
	return r.Groups.Leave(conversationID)
}

// LoadHistory fetches the latest messages of a conversation and renders them
// through the reconciliation engine, so a message later pushed again is not
// drawn twice.
func (r *Runtime) LoadHistory(ctx context.Context, conversationID string, limit int) (int, error) {
	if r.API == nil {
		return 0, errors.New("no api client")
	}
	msgs, err := r.API.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return 0, err
	}
	for i := range msgs {
		r.Messages.HandleNewMessage(&msgs[i])
	}
	return len(msgs), nil
}

// MarkSeen reports that the local account saw messageID. A newer call for the
// same conversation supersedes one still queued.
func (r *Runtime) MarkSeen(ctx context.Context, conversationID, messageID string) *invoke.Future {
	key := protocol.KeyFor(protocol.SeenConversation, conversationID)
	return r.Guard.InvokeOrQueue(ctx, key, protocol.SeenConversation, conversationID, messageID)
}

// EndSession drops everything tied to the signed-in account: open typing
// sessions and the presence cache.
func (r *Runtime) EndSession() {
	r.Typing.CancelAll()
	r.Presence.Clear()
	r.log.Info("session ended")
}

func (r *Runtime) setLocalAccount(accountID string) {
	if accountID == "" {
		return
	}
	r.Typing.SetLocalAccount(accountID)
	r.Messages.SetLocalAccount(accountID)
}
