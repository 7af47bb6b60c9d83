// Package conntest provides an in-memory conn.Connection for tests.
package conntest

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/matheus3301/rtchat/internal/conn"
	"github.com/matheus3301/rtchat/internal/protocol"
)

// Call records one Send.
type Call struct {
	Method protocol.Method
	Args   []any
}

// Target returns the first argument as a string, which is the conversation id
// for every method the runtime sends.
func (c Call) Target() string {
	if len(c.Args) == 0 {
		return ""
	}
	s, _ := c.Args[0].(string)
	return s
}

// Fake is a connection whose state is driven by the test. Sends succeed
// unless Result says otherwise, and fails with conn.ErrNotConnected when the
// fake is not connected.
type Fake struct {
	machine *conn.Machine

	mu     sync.Mutex
	calls  []Call
	result func(Call) (bool, error)
}

// New returns a disconnected fake.
func New() *Fake {
	return &Fake{machine: conn.NewMachine(nil)}
}

// SetResult overrides the outcome of later invokes.
func (f *Fake) SetResult(fn func(Call) (bool, error)) {
	f.mu.Lock()
	f.result = fn
	f.mu.Unlock()
}

// Connect moves the fake to Connected with a fresh id and returns it.
func (f *Fake) Connect() conn.ID {
	_ = f.machine.Transition(conn.Connecting)
	id := conn.ID(uuid.NewString())
	_ = f.machine.MarkConnected(id)
	return id
}

// Drop simulates a lost connection.
func (f *Fake) Drop() {
	_ = f.machine.Transition(conn.Reconnecting)
}

func (f *Fake) State() conn.State { return f.machine.Current() }
func (f *Fake) ID() conn.ID       { return f.machine.ID() }

func (f *Fake) OnStateChange(fn func(conn.Change)) func() {
	return f.machine.OnStateChange(fn)
}

func (f *Fake) Send(ctx context.Context, method protocol.Method, args ...any) (conn.AwaitAck, error) {
	if f.machine.Current() != conn.Connected {
		return nil, conn.ErrNotConnected
	}
	call := Call{Method: method, Args: args}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	result := f.result
	f.mu.Unlock()
	return func(ctx context.Context) (bool, error) {
		if result != nil {
			return result(call)
		}
		return true, ctx.Err()
	}, nil
}

// Calls returns every recorded send in wire order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor returns the recorded invokes of one method.
func (f *Fake) CallsFor(method protocol.Method) []Call {
	var out []Call
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets recorded calls.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}
