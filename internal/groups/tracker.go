// Package groups reference-counts conversation interest and keeps the server
// side group membership in step with it across reconnections.
package groups

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/conn"
	"github.com/matheus3301/rtchat/internal/invoke"
	"github.com/matheus3301/rtchat/internal/protocol"
)

// Invoker is the part of the invoke guard the tracker uses.
type Invoker interface {
	InvokeOrQueue(ctx context.Context, key protocol.Key, method protocol.Method, args ...any) *invoke.Future
}

// Options configures a Tracker.
type Options struct {
	RetryDelay time.Duration // delay before the single rejoin retry
	Clock      clockwork.Clock
}

// Tracker counts how many surfaces care about each conversation.
type Tracker struct {
	invoker Invoker
	opts    Options
	log     *zap.Logger

	mu            sync.Mutex
	refs          map[string]int
	joins         map[string]*invoke.Future // latest join per tracked id
	hadConnection bool
	rejoinedFor   conn.ID
	current       conn.ID
	retry         clockwork.Timer
	removeObs     func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty tracker.
func New(inv Invoker, opts Options, log *zap.Logger) *Tracker {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 1500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		invoker: inv,
		opts:    opts,
		log:     log,
		refs:    make(map[string]int),
		joins:   make(map[string]*invoke.Future),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Attach rejoins every tracked conversation whenever c reconnects. On the
// first connection only joins that already failed are re-sent; the rest are
// still queued in the guard.
func (t *Tracker) Attach(c conn.Connection) {
	t.mu.Lock()
	if t.removeObs != nil {
		t.removeObs()
	}
	t.hadConnection = c.State() == conn.Connected
	t.current = c.ID()
	t.removeObs = c.OnStateChange(func(ch conn.Change) {
		if ch.To != conn.Connected {
			return
		}
		t.mu.Lock()
		reconnect := t.hadConnection
		t.hadConnection = true
		t.current = ch.ID
		switch {
		case t.ctx.Err() != nil:
		case reconnect:
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				t.RejoinAll(t.ctx, ch.ID)
			}()
		default:
			if failed := t.failedJoins(); len(failed) > 0 {
				t.log.Info("re-sending joins that failed before connecting", zap.Strings("ids", failed))
				t.wg.Add(1)
				go func() {
					defer t.wg.Done()
					t.joinAll(t.ctx, failed)
				}()
			}
		}
		t.mu.Unlock()
	})
	t.mu.Unlock()
}

// Join registers interest in a conversation. Only the first interest sends
// JoinConversation. A denied join is logged and stays tracked.
func (t *Tracker) Join(conversationID string) error {
	if err := protocol.ValidateConversationID(conversationID); err != nil {
		return err
	}
	t.mu.Lock()
	t.refs[conversationID]++
	first := t.refs[conversationID] == 1
	t.mu.Unlock()

	if first {
		t.send(protocol.JoinConversation, conversationID)
	}
	return nil
}

// Leave drops one interest. The last one sends LeaveConversation.
func (t *Tracker) Leave(conversationID string) error {
	if err := protocol.ValidateConversationID(conversationID); err != nil {
		return err
	}
	t.mu.Lock()
	n, ok := t.refs[conversationID]
	if !ok {
		t.mu.Unlock()
		t.log.Debug("leave for untracked conversation", zap.String("conversation_id", conversationID))
		return nil
	}
	last := n <= 1
	if last {
		delete(t.refs, conversationID)
		delete(t.joins, conversationID)
	} else {
		t.refs[conversationID] = n - 1
	}
	t.mu.Unlock()

	if last {
		t.send(protocol.LeaveConversation, conversationID)
	}
	return nil
}

// RefCount returns the interest count for a conversation.
func (t *Tracker) RefCount(conversationID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refs[conversationID]
}

// Tracked returns a snapshot of every tracked conversation and its count.
func (t *Tracker) Tracked() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.refs))
	for id, n := range t.refs {
		out[id] = n
	}
	return out
}

// RejoinAll re-sends JoinConversation for every tracked conversation, once
// per connection id. It reports whether every join succeeded. On partial
// failure a single retry of the failed ids is scheduled.
func (t *Tracker) RejoinAll(ctx context.Context, trigger conn.ID) bool {
	t.mu.Lock()
	if trigger != "" && trigger == t.rejoinedFor {
		t.mu.Unlock()
		return true
	}
	t.rejoinedFor = trigger
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	ids := t.trackedIDs()
	t.mu.Unlock()

	if len(ids) == 0 {
		return true
	}
	t.log.Info("rejoining conversations", zap.Int("count", len(ids)), zap.String("conn_id", string(trigger)))

	failed := t.joinAll(ctx, ids)
	if len(failed) == 0 {
		return true
	}
	t.log.Warn("rejoin incomplete, retrying once", zap.Strings("failed", failed), zap.Duration("delay", t.opts.RetryDelay))

	t.mu.Lock()
	if t.ctx.Err() == nil {
		t.retry = t.opts.Clock.AfterFunc(t.opts.RetryDelay, func() { t.retryJoin(trigger, failed) })
	}
	t.mu.Unlock()
	return false
}

func (t *Tracker) retryJoin(trigger conn.ID, ids []string) {
	t.mu.Lock()
	if t.ctx.Err() != nil || t.current != trigger {
		t.mu.Unlock()
		return
	}
	t.retry = nil
	var still []string
	for _, id := range ids {
		if t.refs[id] > 0 {
			still = append(still, id)
		}
	}
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	if failed := t.joinAll(t.ctx, still); len(failed) > 0 {
		t.log.Warn("rejoin retry failed, waiting for next reconnection", zap.Strings("failed", failed))
		return
	}
	t.log.Info("rejoin retry succeeded", zap.Int("count", len(still)))
}

// joinAll issues all joins in parallel and returns the ids that failed.
func (t *Tracker) joinAll(ctx context.Context, ids []string) []string {
	futures := make([]*invoke.Future, len(ids))
	for i, id := range ids {
		futures[i] = t.invoker.InvokeOrQueue(ctx, protocol.KeyFor(protocol.JoinConversation, id), protocol.JoinConversation, id)
		t.recordJoin(id, futures[i])
	}
	var failed []string
	for i, f := range futures {
		if !f.Wait(ctx) {
			failed = append(failed, ids[i])
		}
	}
	return failed
}

func (t *Tracker) send(method protocol.Method, conversationID string) {
	f := t.invoker.InvokeOrQueue(t.ctx, protocol.KeyFor(method, conversationID), method, conversationID)
	if method == protocol.JoinConversation {
		t.recordJoin(conversationID, f)
	}
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()
	go func() {
		defer t.wg.Done()
		if !f.Wait(t.ctx) && t.ctx.Err() == nil {
			t.log.Warn("server denied group change",
				zap.String("method", string(method)),
				zap.String("conversation_id", conversationID),
			)
		}
	}()
}

func (t *Tracker) recordJoin(conversationID string, f *invoke.Future) {
	t.mu.Lock()
	if t.refs[conversationID] > 0 {
		t.joins[conversationID] = f
	}
	t.mu.Unlock()
}

// failedJoins returns tracked ids whose latest join resolved false, in a
// stable order. Caller holds t.mu.
func (t *Tracker) failedJoins() []string {
	var ids []string
	for _, id := range t.trackedIDs() {
		f, ok := t.joins[id]
		if !ok {
			continue
		}
		if accepted, done := f.Result(); done && !accepted {
			ids = append(ids, id)
		}
	}
	return ids
}

// trackedIDs returns tracked ids in a stable order. Caller holds t.mu.
func (t *Tracker) trackedIDs() []string {
	ids := make([]string, 0, len(t.refs))
	for id := range t.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Dispose stops retries and detaches from the connection. Counts are kept.
func (t *Tracker) Dispose() {
	t.mu.Lock()
	t.cancel()
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
	if t.removeObs != nil {
		t.removeObs()
		t.removeObs = nil
	}
	t.mu.Unlock()
	t.wg.Wait()
}
