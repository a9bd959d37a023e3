package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tradelinehq/convo/internal/bus"
)

// State represents the realtime connection lifecycle. Exactly one update
// driver is active per state: Live means the push channel drives updates,
// Polling and Reconnecting mean the poll ticker does.
type State string

const (
	Booting      State = "BOOTING"
	Connecting   State = "CONNECTING"
	Live         State = "LIVE"
	Polling      State = "POLLING"
	Reconnecting State = "RECONNECTING"
	Stopped      State = "STOPPED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {Connecting, Stopped, Error},
	Connecting:   {Live, Polling, Stopped, Error},
	Live:         {Reconnecting, Stopped, Error},
	Polling:      {Connecting, Stopped, Error},
	Reconnecting: {Connecting, Polling, Stopped, Error},
	Error:        {Connecting, Stopped},
	Stopped:      {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Booting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Connected reports whether the push channel is healthy. This is the
// boolean surfaced to the UI's connection indicator.
func (m *Machine) Connected() bool {
	return m.Current() == Live
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.state_changed",
			Timestamp: time.Now(),
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StateChange is the payload for connection state change events.
type StateChange struct {
	From State
	To   State
}
