package typing

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/protocol"
)

// Surface is a scrollable conversation panel that can show typing indicators.
type Surface interface {
	// DistanceFromBottom is how far the viewport is scrolled up, in surface units.
	DistanceFromBottom() int
	InsertTypingIndicator(conversationID, accountID string)
	RemoveTypingIndicator(conversationID, accountID string)
	ScrollToBottom()
}

type indicatorKey struct {
	surface        Surface
	conversationID string
	accountID      string
}

type indicator struct {
	timer clockwork.Timer
	gen   uint64
}

// Indicator is the bus payload for typing.shown and typing.hidden.
type Indicator struct {
	ConversationID string
	AccountID      string
}

// SetLocalAccount names the signed-in account, whose echoed typing events are ignored.
func (c *Coordinator) SetLocalAccount(accountID string) {
	c.mu.Lock()
	c.localID = accountID
	c.mu.Unlock()
}

// HandleSignal shows or hides an indicator for an inbound typing event.
func (c *Coordinator) HandleSignal(s Surface, sig *protocol.TypingSignal) {
	if sig.IsTyping {
		c.ShowIndicator(s, sig.ConversationID, sig.AccountID)
		return
	}
	c.HideIndicator(s, sig.ConversationID, sig.AccountID)
}

// ShowIndicator inserts an indicator for accountID. The surface scrolls to the
// bottom only if it was already near the bottom before the insert. Showing an
// existing indicator just extends its lifetime.
func (c *Coordinator) ShowIndicator(s Surface, conversationID, accountID string) {
	if s == nil || accountID == "" {
		return
	}
	key := indicatorKey{surface: s, conversationID: conversationID, accountID: accountID}

	c.mu.Lock()
	if accountID == c.localID {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	ind, exists := c.indicators[key]
	if exists {
		ind.timer.Stop()
	} else {
		ind = &indicator{}
		c.indicators[key] = ind
	}
	ind.gen = gen
	ind.timer = c.opts.Clock.AfterFunc(c.opts.IndicatorTTL, func() { c.retire(key, gen) })
	c.mu.Unlock()

	if exists {
		return
	}
	nearBottom := s.DistanceFromBottom() <= c.opts.NearBottomThreshold
	s.InsertTypingIndicator(conversationID, accountID)
	if nearBottom {
		s.ScrollToBottom()
	}
	if c.bus != nil {
		c.bus.Emit(bus.KindTypingShown, Indicator{ConversationID: conversationID, AccountID: accountID})
	}
}

// HideIndicator removes an indicator if it is shown.
func (c *Coordinator) HideIndicator(s Surface, conversationID, accountID string) {
	key := indicatorKey{surface: s, conversationID: conversationID, accountID: accountID}
	c.mu.Lock()
	ind, ok := c.indicators[key]
	if ok {
		ind.timer.Stop()
		delete(c.indicators, key)
	}
	c.mu.Unlock()
	if ok {
		c.removeIndicator(key)
	}
}

// HideAll removes every indicator shown on s, for example when its panel closes.
func (c *Coordinator) HideAll(s Surface) {
	c.mu.Lock()
	var keys []indicatorKey
	for key, ind := range c.indicators {
		if key.surface == s {
			ind.timer.Stop()
			delete(c.indicators, key)
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()
	for _, key := range keys {
		c.removeIndicator(key)
	}
}

func (c *Coordinator) retire(key indicatorKey, gen uint64) {
	c.mu.Lock()
	ind, ok := c.indicators[key]
	if !ok || ind.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.indicators, key)
	c.mu.Unlock()

	c.log.Debug("typing indicator expired",
		zap.String("conversation_id", key.conversationID),
		zap.String("account_id", key.accountID),
	)
	c.removeIndicator(key)
}

func (c *Coordinator) removeIndicator(key indicatorKey) {
	key.surface.RemoveTypingIndicator(key.conversationID, key.accountID)
	if c.bus != nil {
		c.bus.Emit(bus.KindTypingHidden, Indicator{ConversationID: key.conversationID, AccountID: key.accountID})
	}
}
