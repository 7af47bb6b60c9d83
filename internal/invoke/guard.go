// Package invoke routes outbound calls through the connection, holding them
// while the link is down and releasing them when it comes back.
package invoke

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/conn"
	"github.com/matheus3301/rtchat/internal/protocol"
)

// Options configures a Guard.
type Options struct {
	QueueTimeout time.Duration // how long a queued invoke waits for a connection
	Clock        clockwork.Clock
}

type entry struct {
	ctx    context.Context
	key    protocol.Key
	method protocol.Method
	args   []any
	future *Future
	timer  clockwork.Timer
	seq    uint64
}

// job is one invoke waiting for the sender.
type job struct {
	ctx    context.Context
	conn   conn.Connection
	method protocol.Method
	args   []any
	future *Future
}

// Guard issues invokes immediately when connected and queues them by key
// otherwise. A newer call under the same key supersedes the queued one.
// Every invoke is written by a single sender in call order; only the ack
// waits run concurrently.
type Guard struct {
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	conn      conn.Connection
	removeObs func()
	pending   map[protocol.Key]*entry
	seq       uint64
	disposed  bool
	outbox    []*job
	wake      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Guard with no connection attached. Until Attach every call is queued.
func New(opts Options, log *zap.Logger) *Guard {
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 8 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Guard{
		opts:    opts,
		log:     log,
		pending: make(map[protocol.Key]*entry),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	g.wg.Add(1)
	go g.run()
	return g
}

// Attach binds the guard to a connection and drains the queue each time it
// reaches Connected.
func (g *Guard) Attach(c conn.Connection) {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	if g.removeObs != nil {
		g.removeObs()
	}
	g.conn = c
	g.removeObs = c.OnStateChange(func(ch conn.Change) {
		if ch.To != conn.Connected {
			return
		}
		g.mu.Lock()
		if !g.disposed && g.conn == c {
			g.drainLocked()
		}
		g.mu.Unlock()
	})
	if c.State() == conn.Connected {
		g.drainLocked()
	}
	g.mu.Unlock()
}

// InvokeOrQueue sends method now if connected, otherwise queues it under key.
// The future resolves false on denial, transport error, queue expiry,
// supersession or Dispose.
func (g *Guard) InvokeOrQueue(ctx context.Context, key protocol.Key, method protocol.Method, args ...any) *Future {
	f := newFuture()

	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		f.resolve(false)
		return f
	}
	superseded := g.take(key)
	c := g.conn
	connected := c != nil && c.State() == conn.Connected
	if !connected {
		g.seq++
		e := &entry{ctx: ctx, key: key, method: method, args: args, future: f, seq: g.seq}
		e.timer = g.opts.Clock.AfterFunc(g.opts.QueueTimeout, func() { g.expire(e) })
		g.pending[key] = e
	} else {
		g.drainLocked()
		g.enqueue(&job{ctx: ctx, conn: c, method: method, args: args, future: f})
	}
	g.mu.Unlock()

	if superseded != nil {
		g.log.Debug("queued invoke superseded", zap.String("key", key.String()))
		superseded.future.resolve(false)
	}
	if !connected {
		g.log.Debug("invoke queued", zap.String("key", key.String()))
	}
	return f
}

// Pending returns the number of queued invokes.
func (g *Guard) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Dispose resolves every queued invoke false, cancels in-flight ones and
// detaches from the connection. Later calls resolve false immediately.
func (g *Guard) Dispose() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.disposed = true
	if g.removeObs != nil {
		g.removeObs()
		g.removeObs = nil
	}
	entries := g.takeAll()
	jobs := g.outbox
	g.outbox = nil
	g.mu.Unlock()

	for _, e := range entries {
		e.future.resolve(false)
	}
	for _, j := range jobs {
		j.future.resolve(false)
	}
	g.cancel()
	g.wg.Wait()
}

// take removes and returns the entry under key. Caller holds g.mu.
func (g *Guard) take(key protocol.Key) *entry {
	e, ok := g.pending[key]
	if !ok {
		return nil
	}
	e.timer.Stop()
	delete(g.pending, key)
	return e
}

// takeAll empties the queue in insertion order. Caller holds g.mu.
func (g *Guard) takeAll() []*entry {
	entries := make([]*entry, 0, len(g.pending))
	for key := range g.pending {
		entries = append(entries, g.take(key))
	}
	slices.SortFunc(entries, func(a, b *entry) int { return cmp.Compare(a.seq, b.seq) })
	return entries
}

func (g *Guard) expire(e *entry) {
	g.mu.Lock()
	if g.pending[e.key] != e {
		g.mu.Unlock()
		return
	}
	delete(g.pending, e.key)
	g.mu.Unlock()

	g.log.Info("queued invoke expired", zap.String("key", e.key.String()), zap.Duration("after", g.opts.QueueTimeout))
	e.future.resolve(false)
}

// drainLocked hands every queued invoke to the sender in call order. Caller
// holds g.mu.
func (g *Guard) drainLocked() {
	if g.conn == nil || len(g.pending) == 0 {
		return
	}
	entries := g.takeAll()
	g.log.Info("draining queued invokes", zap.Int("count", len(entries)))
	for _, e := range entries {
		g.enqueue(&job{ctx: e.ctx, conn: g.conn, method: e.method, args: e.args, future: e.future})
	}
}

// enqueue appends j to the outbox and wakes the sender. Caller holds g.mu.
func (g *Guard) enqueue(j *job) {
	g.outbox = append(g.outbox, j)
	select {
	case g.wake <- struct{}{}:
	default:
	}
}

// run is the sender loop. It writes jobs one at a time and leaves each ack
// wait to its own goroutine.
func (g *Guard) run() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-g.wake:
		}
		for {
			g.mu.Lock()
			if len(g.outbox) == 0 || g.disposed {
				g.mu.Unlock()
				break
			}
			j := g.outbox[0]
			g.outbox[0] = nil
			g.outbox = g.outbox[1:]
			g.mu.Unlock()
			g.send(j)
		}
	}
}

func (g *Guard) send(j *job) {
	if j.ctx.Err() != nil {
		j.future.resolve(false)
		return
	}
	ctx, cancel := context.WithCancel(j.ctx)
	stop := context.AfterFunc(g.ctx, cancel)

	wait, err := j.conn.Send(ctx, j.method, j.args...)
	if err != nil {
		stop()
		cancel()
		g.log.Warn("invoke failed", zap.String("method", string(j.method)), zap.Error(err))
		j.future.resolve(false)
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		defer stop()
		ok, err := wait(ctx)
		switch {
		case err != nil:
			g.log.Warn("invoke failed", zap.String("method", string(j.method)), zap.Error(err))
			ok = false
		case !ok:
			g.log.Info("invoke denied", zap.String("method", string(j.method)))
		}
		j.future.resolve(ok)
	}()
}
