// Package conn owns the duplex connection to the chat hub: its state machine
// and the WebSocket transport that drives it.
package conn

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/rtchat/internal/bus"
)

// State is the connection state.
type State string

const (
	Disconnected State = "disconnected"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
)

// ID identifies one physical connection. Every successful dial gets a new one.
type ID string

var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Reconnecting, Disconnected},
	Connected:    {Reconnecting, Disconnected},
	Reconnecting: {Connecting, Disconnected},
}

// Change is delivered to observers and published as conn.state_changed.
type Change struct {
	From State
	To   State
	ID   ID // set when To is Connected
}

// Machine tracks connection state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	id        ID
	observers map[int]func(Change)
	nextObs   int
	bus       *bus.Bus
}

// NewMachine creates a machine in the Disconnected state. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current:   Disconnected,
		observers: make(map[int]func(Change)),
		bus:       b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ID returns the id of the live connection, or "" when not connected.
func (m *Machine) ID() ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

// Transition moves to a state other than Connected. Use MarkConnected for that.
func (m *Machine) Transition(to State) error {
	if to == Connected {
		return fmt.Errorf("transition to %s requires a connection id", to)
	}
	return m.transition(to, "")
}

// MarkConnected enters Connected with a fresh connection id.
func (m *Machine) MarkConnected(id ID) error {
	if id == "" {
		return fmt.Errorf("empty connection id")
	}
	return m.transition(Connected, id)
}

func (m *Machine) transition(to State, id ID) error {
	m.mu.Lock()
	if to == m.current {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[m.current], to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	change := Change{From: m.current, To: to, ID: id}
	m.current = to
	m.id = id
	observers := make([]func(Change), 0, len(m.observers))
	keys := make([]int, 0, len(m.observers))
	for k := range m.observers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		observers = append(observers, m.observers[k])
	}
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Emit(bus.KindConnStateChanged, change)
	}
	for _, fn := range observers {
		fn(change)
	}
	return nil
}

// OnStateChange registers fn for every later transition, in registration order.
// Observers run on the goroutine that made the transition and must not block.
func (m *Machine) OnStateChange(fn func(Change)) (remove func()) {
	m.mu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}
