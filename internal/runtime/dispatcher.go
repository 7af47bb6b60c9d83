package runtime

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/presence"
	"github.com/matheus3301/rtchat/internal/protocol"
	"github.com/matheus3301/rtchat/internal/reconcile"
	"github.com/matheus3301/rtchat/internal/typing"
)

// Dispatcher routes inbound hub events to the service that owns them.
// Events the runtime does not act on itself are republished on the bus.
type Dispatcher struct {
	messages *reconcile.Engine
	typing   *typing.Coordinator
	presence *presence.Store
	bus      *bus.Bus
	log      *zap.Logger

	mu       sync.RWMutex
	surfaces map[string][]typing.Surface
}

// NewDispatcher creates a dispatcher with no surfaces registered.
func NewDispatcher(messages *reconcile.Engine, typ *typing.Coordinator, store *presence.Store, b *bus.Bus, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		messages: messages,
		typing:   typ,
		presence: store,
		bus:      b,
		log:      log,
		surfaces: make(map[string][]typing.Surface),
	}
}

// Register adds a surface that shows typing indicators for a conversation.
// A conversation may be shown by several surfaces at once.
func (d *Dispatcher) Register(conversationID string, s typing.Surface) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !slices.Contains(d.surfaces[conversationID], s) {
		d.surfaces[conversationID] = append(d.surfaces[conversationID], s)
	}
}

// Unregister removes one surface of a conversation and reports how many
// remain.
func (d *Dispatcher) Unregister(conversationID string, s typing.Surface) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := slices.DeleteFunc(d.surfaces[conversationID], func(x typing.Surface) bool { return x == s })
	if len(kept) == 0 {
		delete(d.surfaces, conversationID)
		return 0
	}
	d.surfaces[conversationID] = kept
	return len(kept)
}

func (d *Dispatcher) surfacesFor(conversationID string) []typing.Surface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.surfaces[conversationID])
}

// Handle decodes and routes one event frame. Malformed events are logged and dropped.
func (d *Dispatcher) Handle(f protocol.EventFrame) {
	evt, err := protocol.DecodeEvent(f.Name, f.Payload)
	if err != nil {
		d.log.Warn("dropping inbound event", zap.String("event", f.Name), zap.Error(err))
		return
	}

	switch e := evt.(type) {
	case *protocol.NewMessage:
		d.messages.HandleNewMessage(e)
	case *protocol.MemberSeen:
		d.messages.HandleMemberSeen(e)
	case *protocol.TypingSignal:
		surfaces := d.surfacesFor(e.ConversationID)
		if len(surfaces) == 0 {
			d.log.Debug("typing for closed conversation", zap.String("conversation_id", e.ConversationID))
			return
		}
		for _, s := range surfaces {
			d.typing.HandleSignal(s, e)
		}
	case *protocol.MessageRecalled:
		d.bus.Emit(bus.KindMessageRecalled, *e)
	case *protocol.MessageReactUpdated:
		d.bus.Emit(bus.KindMessageReactUpdated, *e)
	case *protocol.ConversationThemeUpdated:
		d.bus.Emit(bus.KindConversationThemeUpdated, *e)
	case *protocol.GroupInfoUpdated:
		d.bus.Emit(bus.KindConversationInfoUpdated, *e)
	case *protocol.UserOnline:
		d.presence.ApplyOnline(e.AccountID)
	case *protocol.UserOffline:
		d.presence.ApplyOffline(e.AccountID, e.LastOnlineAt)
	case *protocol.UserHidden:
		d.presence.ApplyHidden(e.AccountID)
	}
}

// Surfaces returns every registered surface.
func (d *Dispatcher) Surfaces() []typing.Surface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []typing.Surface
	for _, list := range d.surfaces {
		out = append(out, list...)
	}
	return out
}
