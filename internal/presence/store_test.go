package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/api"
	"github.com/matheus3301/rtchat/internal/bus"
)

type fakeFetcher struct {
	mu      sync.Mutex
	batches [][]string
	items   map[string]api.PresenceItem
	errs    []error // returned in order, one per call, before succeeding
	gate    chan struct{}
}

func (f *fakeFetcher) PresenceSnapshot(ctx context.Context, ids []string) ([]api.PresenceItem, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), ids...))
	gate := f.gate
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []api.PresenceItem
	for _, id := range ids {
		if it, ok := f.items[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeFetcher) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newStore(t *testing.T, f Fetcher, clock clockwork.Clock) *Store {
	t.Helper()
	s := New(f, Options{Staleness: 90 * time.Second, BatchSize: 100, RateLimitBackoff: 10 * time.Second, Clock: clock}, nil, zap.NewNop())
	t.Cleanup(s.Close)
	return s
}

func TestStatusBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		entry Entry
		want  string
	}{
		{"hidden", Entry{CanShowStatus: false, IsOnline: true}, ""},
		{"online", Entry{CanShowStatus: true, IsOnline: true}, "Online"},
		{"unknown last active", Entry{CanShowStatus: true}, ""},
		{"seconds", Entry{CanShowStatus: true, LastActiveAt: now.Add(-59 * time.Second)}, "Active just now"},
		{"future clock skew", Entry{CanShowStatus: true, LastActiveAt: now.Add(time.Minute)}, "Active just now"},
		{"one minute", Entry{CanShowStatus: true, LastActiveAt: now.Add(-time.Minute)}, "Active 1 minute ago"},
		{"59 minutes", Entry{CanShowStatus: true, LastActiveAt: now.Add(-59 * time.Minute)}, "Active 59 minutes ago"},
		{"one hour", Entry{CanShowStatus: true, LastActiveAt: now.Add(-time.Hour)}, "Active 1 hour ago"},
		{"23 hours", Entry{CanShowStatus: true, LastActiveAt: now.Add(-23*time.Hour - 59*time.Minute)}, "Active 23 hours ago"},
		{"a day", Entry{CanShowStatus: true, LastActiveAt: now.Add(-24 * time.Hour)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusAt(tt.entry, now).Text; got != tt.want {
				t.Errorf("statusAt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNextBoundary(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Entry{CanShowStatus: true, LastActiveAt: last}
	tests := []struct {
		age  time.Duration
		want time.Time
	}{
		{30 * time.Second, last.Add(time.Minute)},
		{5*time.Minute + 10*time.Second, last.Add(6 * time.Minute)},
		{59 * time.Minute, last.Add(time.Hour)},
		{2*time.Hour + time.Minute, last.Add(3 * time.Hour)},
		{23 * time.Hour, last.Add(24 * time.Hour)},
		{25 * time.Hour, time.Time{}},
	}
	for _, tt := range tests {
		if got := nextBoundary(e, last.Add(tt.age)); !got.Equal(tt.want) {
			t.Errorf("age %v: nextBoundary = %v, want %v", tt.age, got, tt.want)
		}
	}
	if !nextBoundary(Entry{CanShowStatus: true, IsOnline: true, LastActiveAt: last}, last).IsZero() {
		t.Error("online entries never need a wake")
	}
}

func TestBucketBoundaryWake(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newStore(t, &fakeFetcher{}, clock)

	var mu sync.Mutex
	var seen []string
	s.Subscribe(func(c Change) {
		mu.Lock()
		seen = append(seen, c.Status.Text)
		mu.Unlock()
	})

	s.ApplyOffline("bob", clock.Now().Add(-59*time.Minute))
	if got := s.ResolveStatus("bob").Text; got != "Active 59 minutes ago" {
		t.Fatalf("status = %q", got)
	}

	clock.Advance(time.Minute)
	waitFor(t, "hour bucket", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2 && seen[1] == "Active 1 hour ago"
	})
	if s.Scheduled() != 1 {
		t.Errorf("Scheduled() = %d, want the next hour boundary queued", s.Scheduled())
	}
}

func TestSingleTimerForManyAccounts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newStore(t, &fakeFetcher{}, clock)
	for _, id := range []string{"a", "b", "c"} {
		s.ApplyOffline(id, clock.Now().Add(-10*time.Minute))
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if s.Scheduled() != 3 {
		t.Errorf("Scheduled() = %d, want 3", s.Scheduled())
	}
}

func TestEqualityGate(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	clock := clockwork.NewFakeClock()
	s := New(&fakeFetcher{}, Options{Clock: clock}, b, zap.NewNop())
	defer s.Close()

	notified := 0
	s.Subscribe(func(Change) { notified++ })

	s.ApplyOnline("bob")
	s.ApplyOnline("bob")
	s.ApplyHidden("bob")
	s.ApplyHidden("bob")

	if notified != 2 {
		t.Errorf("notifications = %d, want 2", notified)
	}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			if evt.Kind != bus.KindPresenceUpdated {
				t.Errorf("kind = %s", evt.Kind)
			}
		case <-time.After(time.Second):
			t.Fatal("missing presence.updated")
		}
	}
	if got := s.ResolveStatus("bob"); got.Visible() {
		t.Errorf("hidden account status = %+v", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newStore(t, &fakeFetcher{}, clockwork.NewFakeClock())
	n := 0
	unsub := s.Subscribe(func(Change) { n++ })
	s.ApplyOnline("a")
	unsub()
	unsub()
	s.ApplyHidden("a")
	if n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestSnapshotDeduplication(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &fakeFetcher{items: map[string]api.PresenceItem{
		"a": {AccountID: "a", CanShowStatus: true, IsOnline: true},
	}}
	s := newStore(t, f, clock)
	ctx := context.Background()

	if err := s.EnsureSnapshot(ctx, []string{"a", "b", "a"}, false); err != nil {
		t.Fatal(err)
	}
	if calls := f.calls(); len(calls) != 1 || len(calls[0]) != 2 {
		t.Fatalf("calls = %v, want one batch of [a b]", calls)
	}
	if s.ResolveStatus("a").Text != "Online" {
		t.Errorf("a = %+v", s.ResolveStatus("a"))
	}

	clock.Advance(89 * time.Second)
	_ = s.EnsureSnapshot(ctx, []string{"a", "b"}, false)
	if n := len(f.calls()); n != 1 {
		t.Errorf("fresh ids refetched: %d calls", n)
	}

	_ = s.EnsureSnapshot(ctx, []string{"a"}, true)
	if n := len(f.calls()); n != 2 {
		t.Errorf("force did not refetch: %d calls", n)
	}

	clock.Advance(2 * time.Second)
	_ = s.EnsureSnapshot(ctx, []string{"a", "b"}, false)
	calls := f.calls()
	if len(calls) != 3 || len(calls[2]) != 1 || calls[2][0] != "b" {
		t.Errorf("calls = %v, want only stale b refetched", calls)
	}
}

func TestSnapshotBatches(t *testing.T) {
	f := &fakeFetcher{}
	s := New(f, Options{BatchSize: 100, Clock: clockwork.NewFakeClock()}, nil, zap.NewNop())
	defer s.Close()

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = "acct-" + string(rune('A'+i/26)) + string(rune('a'+i%26))
	}
	if err := s.EnsureSnapshot(context.Background(), ids, false); err != nil {
		t.Fatal(err)
	}
	calls := f.calls()
	if len(calls) != 3 || len(calls[0]) != 100 || len(calls[1]) != 100 || len(calls[2]) != 50 {
		sizes := make([]int, len(calls))
		for i, c := range calls {
			sizes[i] = len(c)
		}
		t.Errorf("batch sizes = %v, want [100 100 50]", sizes)
	}
}

func TestConcurrentCallersShareFlush(t *testing.T) {
	f := &fakeFetcher{gate: make(chan struct{})}
	s := newStore(t, f, clockwork.NewFakeClock())

	errs := make(chan error, 2)
	go func() { errs <- s.EnsureSnapshot(context.Background(), []string{"a"}, false) }()
	waitFor(t, "first fetch", func() bool { return len(f.calls()) == 1 })
	go func() { errs <- s.EnsureSnapshot(context.Background(), []string{"a", "b"}, false) }()

	// b joins the running flush; a is already in flight and is not asked for twice.
	time.Sleep(20 * time.Millisecond)
	close(f.gate)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	calls := f.calls()
	if len(calls) != 2 || len(calls[1]) != 1 || calls[1][0] != "b" {
		t.Errorf("calls = %v, want [[a] [b]]", calls)
	}
}

func TestRateLimitRequeues(t *testing.T) {
	clock := clockwork.NewFakeClock()
	f := &fakeFetcher{
		errs:  []error{&api.HTTPError{StatusCode: 429, RetryAfter: 5 * time.Second}},
		items: map[string]api.PresenceItem{"a": {AccountID: "a", CanShowStatus: true, IsOnline: true}},
	}
	s := newStore(t, f, clock)

	err := s.EnsureSnapshot(context.Background(), []string{"a"}, false)
	var httpErr *api.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("EnsureSnapshot() error = %v, want rate limit", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(4 * time.Second)
	time.Sleep(10 * time.Millisecond)
	if n := len(f.calls()); n != 1 {
		t.Fatalf("retried before Retry-After: %d calls", n)
	}
	clock.Advance(time.Second)
	waitFor(t, "retry", func() bool { return s.ResolveStatus("a").Text == "Online" })
	if calls := f.calls(); len(calls) != 2 || calls[1][0] != "a" {
		t.Errorf("calls = %v", calls)
	}
}

func TestOtherErrorsLeaveCacheStale(t *testing.T) {
	f := &fakeFetcher{errs: []error{errors.New("boom")}}
	s := newStore(t, f, clockwork.NewFakeClock())

	if err := s.EnsureSnapshot(context.Background(), []string{"a"}, false); err == nil {
		t.Fatal("expected error")
	}
	if err := s.EnsureSnapshot(context.Background(), []string{"a"}, false); err != nil {
		t.Fatal(err)
	}
	if n := len(f.calls()); n != 2 {
		t.Errorf("calls = %d, want a refetch after failure", n)
	}
}

func TestClear(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := newStore(t, &fakeFetcher{}, clock)
	s.ApplyOffline("a", clock.Now().Add(-time.Minute))
	s.Clear()

	if _, ok := s.Get("a"); ok {
		t.Error("entry survived Clear")
	}
	if s.Scheduled() != 0 {
		t.Error("wake survived Clear")
	}
	if len(s.Entries()) != 0 {
		t.Error("Entries() not empty")
	}
}
