package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the transport the coordinator currently relies on.
type State string

const (
	Disconnected    State = "DISCONNECTED"
	Connecting      State = "CONNECTING"
	Realtime        State = "REALTIME"
	PollingFallback State = "POLLING_FALLBACK"
)

// validTransitions defines allowed state transitions.
// Losing the auth token is always allowed; a new token re-enters Connecting.
var validTransitions = map[State][]State{
	Disconnected:    {Connecting},
	Connecting:      {Realtime, PollingFallback, Disconnected},
	Realtime:        {PollingFallback, Connecting, Disconnected},
	PollingFallback: {Realtime, Connecting, Disconnected},
}

// Machine tracks and enforces transport-selection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Transitioning to the current state is a no-op and publishes nothing.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.bus.Publish(bus.NewEvent(bus.SyncStateChanged, StatusChange{
		From: from,
		To:   to,
	}))
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
