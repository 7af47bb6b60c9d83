// Package presence caches who is online and renders "last active" text that
// stays correct as time passes.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/bus"
)

// Fetcher loads presence for a batch of accounts.
type Fetcher interface {
	PresenceSnapshot(ctx context.Context, accountIDs []string) ([]api.PresenceItem, error)
}

// Options configures a Store.
type Options struct {
	Staleness        time.Duration // snapshots younger than this are not refetched
	BatchSize        int
	RateLimitBackoff time.Duration // used when a 429 carries no Retry-After
	Clock            clockwork.Clock
}

func (o *Options) defaults() {
	if o.Staleness <= 0 {
		o.Staleness = 90 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.RateLimitBackoff <= 0 {
		o.RateLimitBackoff = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// Change is delivered to subscribers and published as presence.updated.
type Change struct {
	AccountID string
	Status    Status
}

type flight struct {
	done chan struct{}
	err  error
}

// Store is the shared presence cache.
type Store struct {
	fetcher Fetcher
	opts    Options
	bus     *bus.Bus
	log     *zap.Logger

	mu        sync.Mutex
	gen       uint64
	entries   map[string]Entry
	fetchedAt map[string]time.Time
	pending   []string
	queued    map[string]bool
	inflight  *flight
	retry     clockwork.Timer

	wakes     *wakeSchedule
	wakeTimer clockwork.Timer
	wakeAt    time.Time

	subs    map[int]func(Change)
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty store. b may be nil.
func New(f Fetcher, opts Options, b *bus.Bus, log *zap.Logger) *Store {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{
		fetcher:   f,
		opts:      opts,
		bus:       b,
		log:       log,
		entries:   make(map[string]Entry),
		fetchedAt: make(map[string]time.Time),
		queued:    make(map[string]bool),
		wakes:     newWakeSchedule(),
		subs:      make(map[int]func(Change)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// ResolveStatus renders the current status of an account. Unknown accounts
// have no status.
func (s *Store) ResolveStatus(accountID string) Status {
	s.mu.Lock()
	e, ok := s.entries[accountID]
	now := s.opts.Clock.Now()
	s.mu.Unlock()
	if !ok {
		return Status{}
	}
	return statusAt(e, now)
}

// Get returns the cached entry for an account.
func (s *Store) Get(accountID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[accountID]
	return e, ok
}

// Entries returns every cached entry ordered by account id.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Subscribe registers fn for every visible change. Call the returned
// function to stop.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// ApplyOnline records that an account came online.
func (s *Store) ApplyOnline(accountID string) {
	s.mu.Lock()
	prev := s.entries[accountID]
	s.mu.Unlock()
	s.apply(Entry{AccountID: accountID, CanShowStatus: true, IsOnline: true, LastActiveAt: prev.LastActiveAt})
}

// ApplyOffline records that an account went offline at lastActiveAt
// (now when zero).
func (s *Store) ApplyOffline(accountID string, lastActiveAt time.Time) {
	if lastActiveAt.IsZero() {
		lastActiveAt = s.opts.Clock.Now()
	}
	s.apply(Entry{AccountID: accountID, CanShowStatus: true, LastActiveAt: lastActiveAt})
}

// ApplyHidden records that an account does not share its status.
func (s *Store) ApplyHidden(accountID string) {
	s.apply(Entry{AccountID: accountID})
}

func (s *Store) apply(next Entry) {
	if next.AccountID == "" {
		return
	}
	s.mu.Lock()
	changes := s.applyLocked(next, s.opts.Clock.Now())
	s.mu.Unlock()
	s.notify(changes)
}

// applyLocked stores an entry and returns the change to publish, if any.
// Caller holds s.mu.
func (s *Store) applyLocked(next Entry, now time.Time) []Change {
	next.UpdatedAt = now
	s.fetchedAt[next.AccountID] = now
	cur, ok := s.entries[next.AccountID]
	if ok && cur.sameAs(next) {
		cur.UpdatedAt = now
		s.entries[next.AccountID] = cur
		return nil
	}
	s.entries[next.AccountID] = next
	s.wakes.set(next.AccountID, nextBoundary(next, now))
	s.armLocked(now)
	return []Change{{AccountID: next.AccountID, Status: statusAt(next, now)}}
}

// EnsureSnapshot makes sure the given accounts have a recent snapshot.
// Accounts fetched within the staleness window are skipped unless force is
// set. Concurrent callers share one flush; this call returns when the flush
// that covers its ids has finished or ctx is done.
func (s *Store) EnsureSnapshot(ctx context.Context, accountIDs []string, force bool) error {
	s.mu.Lock()
	now := s.opts.Clock.Now()
	for _, id := range accountIDs {
		if id == "" || s.queued[id] {
			continue
		}
		if at, ok := s.fetchedAt[id]; ok && !force && now.Sub(at) < s.opts.Staleness {
			continue
		}
		s.queued[id] = true
		s.pending = append(s.pending, id)
	}
	f := s.inflight
	if f == nil {
		if len(s.pending) == 0 || s.retry != nil {
			// Nothing to do, or a rate-limit retry will pick these up.
			s.mu.Unlock()
			return nil
		}
		f = s.startFlushLocked()
	}
	s.mu.Unlock()

	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startFlushLocked launches the flush goroutine. Caller holds s.mu.
func (s *Store) startFlushLocked() *flight {
	f := &flight{done: make(chan struct{})}
	s.inflight = f
	gen := s.gen
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flush(f, gen)
	}()
	return f
}

func (s *Store) flush(f *flight, gen uint64) {
	for {
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		n := min(len(s.pending), s.opts.BatchSize)
		if n == 0 {
			s.finishLocked(f)
			s.mu.Unlock()
			return
		}
		// Ids stay in queued while in flight so concurrent callers don't re-add them.
		batch := append([]string(nil), s.pending[:n]...)
		s.pending = s.pending[n:]
		s.mu.Unlock()

		items, err := s.fetcher.PresenceSnapshot(s.ctx, batch)
		if err != nil {
			var httpErr *api.HTTPError
			if errors.As(err, &httpErr) && httpErr.RateLimited() {
				s.rateLimited(f, gen, batch, httpErr.RetryAfter, err)
				return
			}
			s.log.Warn("presence snapshot failed", zap.Int("batch", len(batch)), zap.Error(err))
			s.mu.Lock()
			if s.gen == gen {
				f.err = err
				for _, id := range batch {
					delete(s.queued, id)
				}
			}
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		now := s.opts.Clock.Now()
		var changes []Change
		for _, it := range items {
			changes = append(changes, s.applyLocked(Entry{
				AccountID:     it.AccountID,
				CanShowStatus: it.CanShowStatus,
				IsOnline:      it.IsOnline,
				LastActiveAt:  it.LastOnlineAt,
			}, now)...)
		}
		// Ids the server did not return are unknown; don't ask again until stale.
		for _, id := range batch {
			s.fetchedAt[id] = now
			delete(s.queued, id)
		}
		s.mu.Unlock()
		s.notify(changes)
	}
}

func (s *Store) rateLimited(f *flight, gen uint64, batch []string, retryAfter time.Duration, err error) {
	delay := retryAfter
	if delay <= 0 {
		delay = s.opts.RateLimitBackoff
	}
	s.log.Warn("presence snapshot rate limited", zap.Duration("retry_in", delay), zap.Int("requeued", len(batch)))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.pending = append(append([]string(nil), batch...), s.pending...)
	f.err = err
	s.finishLocked(f)
	if s.retry != nil {
		s.retry.Stop()
	}
	s.retry = s.opts.Clock.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen {
			return
		}
		s.retry = nil
		if s.inflight == nil && len(s.pending) > 0 && s.ctx.Err() == nil {
			s.startFlushLocked()
		}
	})
}

// finishLocked completes a flight. Caller holds s.mu.
func (s *Store) finishLocked(f *flight) {
	if s.inflight == f {
		s.inflight = nil
	}
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

// armLocked points the single wake timer at the earliest boundary.
// Caller holds s.mu.
func (s *Store) armLocked(now time.Time) {
	at, ok := s.wakes.head()
	if !ok {
		if s.wakeTimer != nil {
			s.wakeTimer.Stop()
			s.wakeTimer = nil
		}
		s.wakeAt = time.Time{}
		return
	}
	if s.wakeTimer != nil && s.wakeAt.Equal(at) {
		return
	}
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
	}
	s.wakeAt = at
	gen := s.gen
	s.wakeTimer = s.opts.Clock.AfterFunc(max(at.Sub(now), 0), func() { s.wake(gen, at) })
}

func (s *Store) wake(gen uint64, at time.Time) {
	s.mu.Lock()
	if s.gen != gen || !s.wakeAt.Equal(at) {
		s.mu.Unlock()
		return
	}
	s.wakeTimer = nil
	s.wakeAt = time.Time{}
	now := s.opts.Clock.Now()
	if now.Before(at) {
		now = at
	}
	var changes []Change
	for _, id := range s.wakes.due(now) {
		e, ok := s.entries[id]
		if !ok {
			continue
		}
		s.wakes.set(id, nextBoundary(e, now))
		changes = append(changes, Change{AccountID: id, Status: statusAt(e, now)})
	}
	s.armLocked(now)
	s.mu.Unlock()
	s.notify(changes)
}

// Scheduled returns how many accounts have a pending bucket change.
func (s *Store) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wakes.size()
}

func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	subs := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, c := range changes {
		for _, fn := range subs {
			fn(c)
		}
		if s.bus != nil {
			s.bus.Emit(bus.KindPresenceUpdated, c)
		}
	}
}

// Clear drops every entry, pending id and timer. Used when the session ends.
func (s *Store) Clear() {
	s.mu.Lock()
	s.gen++
	clear(s.entries)
	clear(s.fetchedAt)
	clear(s.queued)
	s.pending = nil
	if s.inflight != nil {
		s.finishLocked(s.inflight)
	}
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
	if s.wakeTimer != nil {
		s.wakeTimer.Stop()
		s.wakeTimer = nil
	}
	s.wakeAt = time.Time{}
	s.wakes.reset()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(bus.KindPresenceCleared, nil)
	}
}

// Close clears the store and waits for any flush to stop.
func (s *Store) Close() {
	s.cancel()
	s.Clear()
	s.wg.Wait()
}
