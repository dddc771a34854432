package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/sessync/internal/bus"
)

// EventStatusChanged is published on every transition.
const EventStatusChanged = "daemon.status_changed"

// State represents a daemon runtime state.
type State string

const (
	Booting      State = "booting"
	KeysRequired State = "keys_required"
	Syncing      State = "syncing"
	Ready        State = "ready"
	Degraded     State = "degraded"
	Stopping     State = "stopping"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {KeysRequired, Syncing, Stopping},
	KeysRequired: {Syncing, Stopping},
	Syncing:      {Ready, Degraded, Stopping},
	Ready:        {Syncing, Degraded, Stopping},
	Degraded:     {Syncing, Ready, Stopping},
	Stopping:     {},
}

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(to)
}

// Ensure moves to the given state unless the machine is already there.
func (m *Machine) Ensure(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == to {
		return nil
	}
	return m.transition(to)
}

func (m *Machine) transition(to State) error {
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      EventStatusChanged,
			Timestamp: m.since,
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
