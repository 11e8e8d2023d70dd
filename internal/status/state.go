package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the lifecycle state of one logical channel.
type State string

const (
	Closed     State = "CLOSED"
	Connecting State = "CONNECTING"
	Open       State = "OPEN"
	Errored    State = "ERRORED"
)

// validTransitions defines allowed state transitions. Connecting -> Closed
// covers a connect cancelled by Disconnect before the socket became active.
var validTransitions = map[State][]State{
	Closed:     {Connecting},
	Connecting: {Open, Errored, Closed},
	Open:       {Closed},
	Errored:    {Closed},
}

// Machine tracks and enforces channel state transitions.
type Machine struct {
	mu      sync.RWMutex
	scope   string
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine for the named channel scope, starting Closed.
func NewMachine(scope string, b *bus.Bus) *Machine {
	return &Machine{
		scope:   scope,
		current: Closed,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Is reports whether the machine is in state s.
func (m *Machine) Is(s State) bool {
	return m.Current() == s
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("%s channel: invalid transition from %s to %s", m.scope, m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.Event{
		Kind:      bus.KindChannelStatus,
		Key:       m.scope,
		Timestamp: time.Now(),
		Payload: StatusChange{
			Scope: m.scope,
			From:  from,
			To:    to,
		},
	})
	return nil
}

// StatusChange is the payload for channel status events.
type StatusChange struct {
	Scope string
	From  State
	To    State
}
