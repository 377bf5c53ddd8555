package link

import "errors"

var (
	// ErrReleased is returned by every operation on a released manager.
	ErrReleased = errors.New("link: manager released")
	// ErrNoTarget is returned when an initiator is configured without a peer.
	ErrNoTarget = errors.New("link: initiator needs a target")
	// ErrRoleUnsupported is returned by transports that cannot play a role.
	ErrRoleUnsupported = errors.New("link: role not supported by transport")
	// ErrNotLinked is returned by sends while no peer is attached.
	ErrNotLinked = errors.New("link: not linked")
)

// InboundFunc receives every raw frame a transport reads, tagged with the
// address of the peer that sent it.
type InboundFunc func(senderID string, payload []byte)

// Transport is the abstraction over the short-range radio and the sync
// socket. Implementations must be safe for concurrent use.
type Transport interface {
	// Open starts connecting to target (initiator) or accepting peers
	// (responder). It returns once the work is scheduled, not once linked.
	Open(role Role, target string, inbound InboundFunc) error
	// Send writes payload to every linked peer. Writes are serialized.
	Send(payload []byte) error
	// Broadcast writes payload to every peer attached to a responder.
	Broadcast(payload []byte) error
	// Linked reports whether at least one peer can receive a Send.
	Linked() bool
	// State returns the aggregate link state.
	State() State
	// SubscribeState streams state changes.
	SubscribeState() (<-chan State, func())
	// Close cancels pending work and drops every peer. The transport can be
	// opened again afterwards.
	Close() error
}

// Replier is implemented by transports that can address a single peer.
type Replier interface {
	SendTo(peer string, payload []byte) error
}

// Releaser is implemented by transports holding resources beyond Close.
type Releaser interface {
	Release() error
}
