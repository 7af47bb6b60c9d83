// Package typing emits the local user's typing signal and renders other
// participants' typing indicators.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/bus"
	"github.com/matheus3301/rtchat/internal/invoke"
	"github.com/matheus3301/rtchat/internal/protocol"
)

// Invoker is the part of the invoke guard the coordinator uses.
type Invoker interface {
	InvokeOrQueue(ctx context.Context, key protocol.Key, method protocol.Method, args ...any) *invoke.Future
}

// Options configures a Coordinator.
type Options struct {
	Heartbeat           time.Duration // minimum gap between two typing=true sends
	Debounce            time.Duration // idle time after which typing=false is sent
	IndicatorTTL        time.Duration // lifetime of an indicator not refreshed by the server
	NearBottomThreshold int           // distance in surface units that still counts as "at the bottom"
	Clock               clockwork.Clock
}

func (o *Options) defaults() {
	if o.Heartbeat <= 0 {
		o.Heartbeat = time.Second
	}
	if o.Debounce <= 0 {
		o.Debounce = 3 * time.Second
	}
	if o.IndicatorTTL <= 0 {
		o.IndicatorTTL = 6 * time.Second
	}
	if o.NearBottomThreshold <= 0 {
		o.NearBottomThreshold = 120
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

type session struct {
	lastTrue time.Time
	timer    clockwork.Timer
	gen      uint64
}

// Coordinator owns per-conversation typing sessions and visible indicators.
type Coordinator struct {
	invoker Invoker
	opts    Options
	bus     *bus.Bus
	log     *zap.Logger

	mu         sync.Mutex
	sessions   map[string]*session
	gen        uint64
	indicators map[indicatorKey]*indicator
	localID    string
}

// New creates a coordinator. b may be nil.
func New(inv Invoker, opts Options, b *bus.Bus, log *zap.Logger) *Coordinator {
	opts.defaults()
	return &Coordinator{
		invoker:    inv,
		opts:       opts,
		bus:        b,
		log:        log,
		sessions:   make(map[string]*session),
		indicators: make(map[indicatorKey]*indicator),
	}
}

// EmitTyping is called on every keystroke in a composer.
func (c *Coordinator) EmitTyping(conversationID string) {
	c.mu.Lock()
	now := c.opts.Clock.Now()
	s, ok := c.sessions[conversationID]
	if !ok {
		s = &session{}
		c.sessions[conversationID] = s
	}
	send := !ok || now.Sub(s.lastTrue) > c.opts.Heartbeat
	if send {
		s.lastTrue = now
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	c.gen++
	gen := c.gen
	s.gen = gen
	s.timer = c.opts.Clock.AfterFunc(c.opts.Debounce, func() { c.expire(conversationID, gen) })
	c.mu.Unlock()

	if send {
		c.send(conversationID, true)
	}
}

// CancelTyping sends typing=false immediately if a session is active.
func (c *Coordinator) CancelTyping(conversationID string) {
	c.mu.Lock()
	s, ok := c.sessions[conversationID]
	if ok {
		s.timer.Stop()
		delete(c.sessions, conversationID)
	}
	c.mu.Unlock()

	if ok {
		c.send(conversationID, false)
	}
}

// CancelAll ends every active session. Used on dispose and sign-out.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.sessions))
	for id, s := range c.sessions {
		s.timer.Stop()
		ids = append(ids, id)
	}
	clear(c.sessions)
	c.mu.Unlock()

	for _, id := range ids {
		c.send(id, false)
	}
}

// Active reports whether a typing session is open for the conversation.
func (c *Coordinator) Active(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[conversationID]
	return ok
}

func (c *Coordinator) expire(conversationID string, gen uint64) {
	c.mu.Lock()
	s, ok := c.sessions[conversationID]
	if !ok || s.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, conversationID)
	c.mu.Unlock()

	c.send(conversationID, false)
}

func (c *Coordinator) send(conversationID string, typing bool) {
	f := c.invoker.InvokeOrQueue(context.Background(), protocol.KeyFor(protocol.Typing, conversationID), protocol.Typing, conversationID, typing)
	go func() {
		if !f.Wait(context.Background()) {
			c.log.Debug("typing signal not delivered", zap.String("conversation_id", conversationID), zap.Bool("typing", typing))
		}
	}()
}
