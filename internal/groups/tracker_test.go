package groups

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/rtchat/internal/conn/conntest"
	"github.com/matheus3301/rtchat/internal/invoke"
	"github.com/matheus3301/rtchat/internal/protocol"
)

func setup(t *testing.T, clock clockwork.Clock) (*Tracker, *conntest.Fake) {
	t.Helper()
	fc := conntest.New()
	guard := invoke.New(invoke.Options{Clock: clock}, zap.NewNop())
	guard.Attach(fc)
	tr := New(guard, Options{RetryDelay: 1500 * time.Millisecond, Clock: clock}, zap.NewNop())
	tr.Attach(fc)
	t.Cleanup(func() {
		tr.Dispose()
		guard.Dispose()
	})
	return tr, fc
}

func waitCalls(t *testing.T, fc *conntest.Fake, method protocol.Method, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(fc.CallsFor(method)) >= want {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give stragglers a chance to show up so over-sending is caught.
	time.Sleep(20 * time.Millisecond)
	if got := len(fc.CallsFor(method)); got != want {
		t.Fatalf("%s calls = %d, want %d", method, got, want)
	}
}

func TestJoinLeaveIdempotent(t *testing.T) {
	tr, fc := setup(t, clockwork.NewRealClock())
	fc.Connect()

	if err := tr.Join("c1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Join("c1"); err != nil {
		t.Fatal(err)
	}
	waitCalls(t, fc, protocol.JoinConversation, 1)
	if n := tr.RefCount("c1"); n != 2 {
		t.Errorf("RefCount = %d, want 2", n)
	}

	_ = tr.Leave("c1")
	waitCalls(t, fc, protocol.LeaveConversation, 0)

	_ = tr.Leave("c1")
	waitCalls(t, fc, protocol.LeaveConversation, 1)
	if _, ok := tr.Tracked()["c1"]; ok {
		t.Error("entry kept after refCount reached 0")
	}

	_ = tr.Leave("c1")
	waitCalls(t, fc, protocol.LeaveConversation, 1)
}

func TestInvalidConversationID(t *testing.T) {
	tr, fc := setup(t, clockwork.NewRealClock())
	fc.Connect()

	if err := tr.Join("not valid!"); !errors.Is(err, protocol.ErrInvalidConversationID) {
		t.Errorf("Join() error = %v, want ErrInvalidConversationID", err)
	}
	if err := tr.Leave(""); !errors.Is(err, protocol.ErrInvalidConversationID) {
		t.Errorf("Leave() error = %v, want ErrInvalidConversationID", err)
	}
	if len(fc.Calls()) != 0 {
		t.Errorf("invalid ids produced invokes: %+v", fc.Calls())
	}
}

func TestDeniedJoinStaysTracked(t *testing.T) {
	tr, fc := setup(t, clockwork.NewRealClock())
	fc.SetResult(func(conntest.Call) (bool, error) { return false, nil })
	fc.Connect()

	_ = tr.Join("c1")
	waitCalls(t, fc, protocol.JoinConversation, 1)
	if tr.RefCount("c1") != 1 {
		t.Errorf("RefCount = %d after denial, want 1", tr.RefCount("c1"))
	}
}

func TestRejoinOnReconnect(t *testing.T) {
	tr, fc := setup(t, clockwork.NewRealClock())

	_ = tr.Join("a")
	_ = tr.Join("b")
	fc.Connect()
	waitCalls(t, fc, protocol.JoinConversation, 2)

	fc.Drop()
	fc.Connect()
	waitCalls(t, fc, protocol.JoinConversation, 4)
}

func TestRejoinLatchedPerConnection(t *testing.T) {
	tr, fc := setup(t, clockwork.NewRealClock())
	_ = tr.Join("a")
	id := fc.Connect()
	waitCalls(t, fc, protocol.JoinConversation, 1)

	ctx := context.Background()
	if !tr.RejoinAll(ctx, id) {
		t.Fatal("first RejoinAll failed")
	}
	if !tr.RejoinAll(ctx, id) {
		t.Fatal("latched RejoinAll reported failure")
	}
	waitCalls(t, fc, protocol.JoinConversation, 2)
}

func TestRejoinRetriesOnce(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tr, fc := setup(t, clock)
	_ = tr.Join("a")
	_ = tr.Join("b")
	fc.Connect()
	waitCalls(t, fc, protocol.JoinConversation, 2)

	var failB atomic.Bool
	failB.Store(true)
	fc.SetResult(func(c conntest.Call) (bool, error) {
		if c.Target() == "b" && failB.Load() {
			return false, nil
		}
		return true, nil
	})

	fc.Drop()
	id := fc.Connect()
	waitCalls(t, fc, protocol.JoinConversation, 4)

	// The retry only covers the failed id, and only after the delay.
	failB.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("retry timer never armed: %v", err)
	}
	clock.Advance(time.Second)
	waitCalls(t, fc, protocol.JoinConversation, 4)
	clock.Advance(600 * time.Millisecond)
	waitCalls(t, fc, protocol.JoinConversation, 5)
	last := fc.CallsFor(protocol.JoinConversation)[4]
	if last.Target() != "b" {
		t.Errorf("retry joined %q, want b", last.Target())
	}

	// No second retry for the same connection.
	clock.Advance(10 * time.Second)
	waitCalls(t, fc, protocol.JoinConversation, 5)
	if tr.RejoinAll(context.Background(), id) != true {
		t.Error("latched RejoinAll should report true")
	}
}

func TestExpiredJoinResentOnFirstConnection(t *testing.T) {
	clock := clockwork.NewFakeClock()
	fc := conntest.New()
	guard := invoke.New(invoke.Options{QueueTimeout: 8 * time.Second, Clock: clock}, zap.NewNop())
	guard.Attach(fc)
	tr := New(guard, Options{Clock: clock}, zap.NewNop())
	tr.Attach(fc)
	t.Cleanup(func() {
		tr.Dispose()
		guard.Dispose()
	})

	_ = tr.Join("a")
	clock.Advance(9 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for guard.Pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	_ = tr.Join("b")
	fc.Connect()
	waitCalls(t, fc, protocol.JoinConversation, 2)

	targets := map[string]int{}
	for _, c := range fc.CallsFor(protocol.JoinConversation) {
		targets[c.Target()]++
	}
	if targets["a"] != 1 || targets["b"] != 1 {
		t.Errorf("joins by conversation = %v, want a and b once each", targets)
	}
}

func TestJoinLeaveReachWireInOrder(t *testing.T) {
	tr, fc := setup(t, clockwork.NewRealClock())
	fc.Connect()

	const rounds = 300
	for range rounds {
		_ = tr.Join("c1")
		_ = tr.Leave("c1")
	}
	waitCalls(t, fc, protocol.LeaveConversation, rounds)

	calls := fc.Calls()
	if len(calls) != 2*rounds {
		t.Fatalf("calls = %d, want %d", len(calls), 2*rounds)
	}
	for i, c := range calls {
		want := protocol.JoinConversation
		if i%2 == 1 {
			want = protocol.LeaveConversation
		}
		if c.Method != want {
			t.Fatalf("call %d = %s, want %s", i, c.Method, want)
		}
	}
}
