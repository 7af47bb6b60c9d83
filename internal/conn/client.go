package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/protocol"
)

var (
	// ErrNotConnected is returned by Send when there is no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionLost is returned to invokes whose connection dropped before the ack.
	ErrConnectionLost = errors.New("connection lost before ack")
	// ErrAckTimeout is returned when the server never acknowledged an invoke.
	ErrAckTimeout = errors.New("ack timeout")
)

const (
	helloTimeout = 10 * time.Second
	readLimit    = 1 << 20
)

// Connection is what the rest of the runtime needs from a transport.
type Connection interface {
	State() State
	ID() ID
	OnStateChange(fn func(Change)) (remove func())
	Send(ctx context.Context, method protocol.Method, args ...any) (AwaitAck, error)
}

// AwaitAck blocks until the server acknowledges an invoke written by Send.
type AwaitAck func(ctx context.Context) (bool, error)

// Options configures a Client.
type Options struct {
	URL         string // http(s) base URL of the hub; /ws is appended
	Token       string
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 = unlimited
	Heartbeat   time.Duration
	AckTimeout  time.Duration
	HTTPClient  *http.Client
	Clock       clockwork.Clock
}

func (o *Options) defaults() {
	if o.BaseDelay == 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = 25 * time.Second
	}
	if o.AckTimeout == 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Client is a WebSocket transport with automatic reconnection and
// invoke/ack correlation.
type Client struct {
	opts    Options
	machine *Machine
	log     *zap.Logger
	recon   *backoff

	mu        sync.Mutex
	ws        *websocket.Conn
	accountID string
	onEvent   func(protocol.EventFrame)
	cancel    context.CancelFunc
	running   bool

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan protocol.Ack

	wg sync.WaitGroup
}

// NewClient creates a transport reporting its state through m.
func NewClient(opts Options, m *Machine, log *zap.Logger) *Client {
	opts.defaults()
	return &Client{
		opts:    opts,
		machine: m,
		log:     log,
		recon: &backoff{
			clock:       opts.Clock,
			base:        opts.BaseDelay,
			max:         opts.MaxDelay,
			maxAttempts: opts.MaxAttempts,
		},
		pending: make(map[string]chan protocol.Ack),
	}
}

// OnEvent sets the handler for server-pushed events. It runs on the read
// goroutine, so events are handled one at a time in arrival order.
func (c *Client) OnEvent(fn func(protocol.EventFrame)) {
	c.mu.Lock()
	c.onEvent = fn
	c.mu.Unlock()
}

// State returns the connection state.
func (c *Client) State() State { return c.machine.Current() }

// ID returns the live connection id.
func (c *Client) ID() ID { return c.machine.ID() }

// OnStateChange registers a state observer.
func (c *Client) OnStateChange(fn func(Change)) func() { return c.machine.OnStateChange(fn) }

// AccountID returns the account the hub authenticated on the last hello.
func (c *Client) AccountID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accountID
}

// Start launches the connect/reconnect loop. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop closes the connection and waits for the loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	ws := c.ws
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	if ws != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "client stop")
	}
	c.wg.Wait()

	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
}

func (c *Client) run(ctx context.Context) {
	defer func() {
		if err := c.machine.Transition(Disconnected); err != nil {
			c.log.Debug("final transition", zap.Error(err))
		}
	}()

	for {
		if err := c.machine.Transition(Connecting); err != nil {
			c.log.Warn("state transition failed", zap.Error(err))
		}
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		c.log.Info("connection ended", zap.Error(err))

		if !c.recon.shouldRetry() {
			c.log.Warn("giving up reconnecting", zap.Int("attempts", c.recon.attempt))
			return
		}
		delay := c.recon.next()
		if err := c.machine.Transition(Reconnecting); err != nil {
			c.log.Warn("state transition failed", zap.Error(err))
		}
		c.log.Info("reconnecting", zap.Int("attempt", c.recon.attempt), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return
		case <-c.opts.Clock.After(delay):
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	ws, hello, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ws = ws
	c.accountID = hello.AccountID
	c.mu.Unlock()

	id := ID(uuid.NewString())
	c.recon.markConnected()
	c.log.Info("connected",
		zap.String("conn_id", string(id)),
		zap.String("server_conn_id", hello.ConnectionID),
		zap.String("account_id", hello.AccountID),
	)

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeat(serveCtx, ws)
	}()

	if err := c.machine.MarkConnected(id); err != nil {
		c.log.Warn("state transition failed", zap.Error(err))
	}

	err = c.readLoop(serveCtx, ws)

	cancel()
	<-hbDone
	c.mu.Lock()
	c.ws = nil
	c.mu.Unlock()
	_ = ws.Close(websocket.StatusGoingAway, "")
	c.failPending()
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, *protocol.Hello, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	ws, _, err := websocket.Dial(ctx, wsURL(c.opts.URL), &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("websocket dial: %w", err)
	}
	ws.SetReadLimit(readLimit)

	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	_, data, err := ws.Read(helloCtx)
	if err != nil {
		_ = ws.Close(websocket.StatusNormalClosure, "")
		return nil, nil, fmt.Errorf("read hello: %w", err)
	}
	frame, err := protocol.ParseFrame(data)
	if err != nil || frame.Hello == nil {
		_ = ws.Close(websocket.StatusPolicyViolation, "expected hello")
		return nil, nil, fmt.Errorf("expected hello frame, got %q", frame.Type)
	}
	return ws, frame.Hello, nil
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		frame, err := protocol.ParseFrame(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.Type {
		case protocol.FrameAck:
			c.resolve(*frame.Ack)
		case protocol.FrameEvent:
			c.mu.Lock()
			fn := c.onEvent
			c.mu.Unlock()
			if fn != nil {
				fn(*frame.Event)
			}
		case protocol.FramePing:
			if err := c.write(ctx, ws, map[string]string{"type": protocol.FramePong}); err != nil {
				return err
			}
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, ws *websocket.Conn) {
	ticker := c.opts.Clock.NewTicker(c.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pingCtx, cancel := context.WithTimeout(ctx, c.opts.Heartbeat)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.log.Warn("heartbeat failed", zap.Error(err))
				_ = ws.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// Invoke sends method and waits for the server's ack. The boolean is the
// ack's ok flag.
// Invoke sends method and waits for the server's ack.
func (c *Client) Invoke(ctx context.Context, method protocol.Method, args ...any) (bool, error) {
	wait, err := c.Send(ctx, method, args...)
	if err != nil {
		return false, err
	}
	return wait(ctx)
}

// Send writes an invoke frame and returns without waiting for the ack. Frames
// reach the wire in the order Send is called. The returned AwaitAck must be
// called exactly once.
func (c *Client) Send(ctx context.Context, method protocol.Method, args ...any) (AwaitAck, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil || c.machine.Current() != Connected {
		return nil, ErrNotConnected
	}

	id := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan protocol.Ack, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.write(ctx, ws, protocol.NewInvoke(id, method, args...)); err != nil {
		forget()
		return nil, fmt.Errorf("invoke %s: %w", method, err)
	}

	return func(ctx context.Context) (bool, error) {
		defer forget()
		timeout := c.opts.Clock.NewTimer(c.opts.AckTimeout)
		defer timeout.Stop()
		select {
		case ack, ok := <-ch:
			if !ok {
				return false, ErrConnectionLost
			}
			if !ack.OK && ack.Error != "" {
				c.log.Debug("invoke denied", zap.String("method", string(method)), zap.String("reason", ack.Error))
			}
			return ack.OK, nil
		case <-timeout.Chan():
			return false, ErrAckTimeout
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}, nil
}

func (c *Client) write(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (c *Client) resolve(ack protocol.Ack) {
	c.pendingMu.Lock()
	ch, ok := c.pending[ack.ID]
	if ok {
		delete(c.pending, ack.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- ack
	}
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func wsURL(base string) string {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}
