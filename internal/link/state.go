// Package link holds the transport-independent half of a connection
// manager: role selection, the observable connection state, listener fan-out
// and generic command/request dispatch. Concrete transports plug in through
// the Transport interface.
package link

import (
	"sync"
	"sync/atomic"

	"github.com/geeluba/ai-blending-control-demo/internal/events"
)

// Role says which side of a link this process plays.
type Role int

const (
	RoleNone Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "INITIATOR"
	case RoleResponder:
		return "RESPONDER"
	default:
		return "NONE"
	}
}

// ParseRole accepts the String form, case-sensitively.
func ParseRole(s string) (Role, bool) {
	for _, r := range []Role{RoleNone, RoleInitiator, RoleResponder} {
		if r.String() == s {
			return r, true
		}
	}
	return RoleNone, false
}

// State describes the current link status.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
	// StateOff is only reachable on the short-range link while the radio is
	// disabled.
	StateOff
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	case StateOff:
		return "OFF"
	default:
		return "DISCONNECTED"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// StateCell is an observable State. Every change is published to
// subscribers in the order it was stored.
type StateCell struct {
	mu  sync.Mutex
	v   atomic.Int32
	bus *events.Bus[State]
}

// NewStateCell returns a cell holding StateDisconnected.
func NewStateCell() *StateCell {
	return &StateCell{bus: events.NewBus[State]()}
}

func (c *StateCell) Load() State { return State(c.v.Load()) }

// Store sets s and reports whether it differed from the previous value.
func (c *StateCell) Store(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if State(c.v.Swap(int32(s))) == s {
		return false
	}
	c.bus.Publish(s)
	return true
}

// Subscribe streams subsequent changes. The current value is not replayed.
func (c *StateCell) Subscribe() (<-chan State, func()) { return c.bus.Subscribe() }

// Close ends all subscriptions.
func (c *StateCell) Close() { c.bus.Close() }
