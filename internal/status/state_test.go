package status

import (
	"testing"
	"time"

	"github.com/matheus3301/sessync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want booting", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, KeysRequired},
		{Booting, Syncing},
		{Booting, Stopping},
		{KeysRequired, Syncing},
		{Syncing, Ready},
		{Syncing, Degraded},
		{Ready, Syncing},
		{Ready, Degraded},
		{Degraded, Ready},
		{Degraded, Stopping},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Ready},
		{KeysRequired, Ready},
		{Ready, KeysRequired},
		{Stopping, Syncing},
		{Ready, Ready},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (should not have changed)", m.Current(), tt.from)
			}
		})
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	walkTo(t, m, Ready)
	for range 3 {
		if err := m.Ensure(Ready); err != nil {
			t.Fatal(err)
		}
	}

	// Only the walk's transitions are published.
	for range 2 {
		<-ch
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %+v", evt.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(KeysRequired); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != EventStatusChanged {
			t.Errorf("event kind = %q, want %s", evt.Kind, EventStatusChanged)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Booting || change.To != KeysRequired {
			t.Errorf("change = %v -> %v, want booting -> keys_required", change.From, change.To)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}

// TestFirstRunLifecycle walks a daemon started without account keys:
// booting → keys_required → syncing → ready.
func TestFirstRunLifecycle(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{KeysRequired, Syncing, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Ready {
		t.Errorf("final state = %s, want ready", m.Current())
	}
}

// TestRelayOutageCycle verifies the recovery loop after failed poll cycles:
// ready → degraded → ready.
func TestRelayOutageCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Ready)
	before := m.Since()
	for _, s := range []State{Degraded, Ready} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
	if m.Since().Before(before) {
		t.Error("Since did not advance")
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		KeysRequired: {KeysRequired},
		Syncing:      {Syncing},
		Ready:        {Syncing, Ready},
		Degraded:     {Syncing, Degraded},
		Stopping:     {Stopping},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
