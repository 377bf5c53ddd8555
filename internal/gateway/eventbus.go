package gateway

import (
	"time"

	"github.com/geeluba/ai-blending-control-demo/internal/events"
)

// EventType classifies a gateway event for stream clients.
type EventType string

const (
	EventMessage   EventType = "message"
	EventLinkState EventType = "link_state"
	EventCommand   EventType = "command"
	EventPairing   EventType = "pairing"
	EventDiscovery EventType = "discovery"
	EventRadio     EventType = "radio"
)

// Event is the JSON envelope broadcast to stream clients.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Link      string    `json:"link,omitempty"`
	Data      any       `json:"data"`
}

// MessageData describes one protocol message seen on a link.
type MessageData struct {
	Direction string `json:"direction"`
	Peer      string `json:"peer,omitempty"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
}

// StateData describes a link state transition.
type StateData struct {
	State string `json:"state"`
	Peer  string `json:"peer,omitempty"`
}

// CommandData is a generic command delivered to listeners.
type CommandData struct {
	Command string `json:"command"`
	Sender  string `json:"sender"`
}

// EventBus fans gateway events out to every subscriber. Delivery is
// lossless and ordered per subscriber; see events.Bus.
type EventBus struct {
	bus *events.Bus[any]
}

func newEventBus() *EventBus {
	return &EventBus{bus: events.NewBus[any]()}
}

// Subscribe registers a stream client. The channel yields Event values
// until unsubscribe is called or the bus is closed.
func (b *EventBus) Subscribe() (<-chan any, func()) { return b.bus.Subscribe() }

// Publish stamps e and hands it to every subscriber.
func (b *EventBus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.bus.Publish(e)
}

func (b *EventBus) publishState(linkName, state, peer string) {
	b.Publish(Event{Type: EventLinkState, Link: linkName, Data: StateData{State: state, Peer: peer}})
}

func (b *EventBus) publishCommand(linkName, command, sender string) {
	b.Publish(Event{Type: EventCommand, Link: linkName, Data: CommandData{Command: command, Sender: sender}})
}

// Len returns the current subscriber count.
func (b *EventBus) Len() int { return b.bus.Len() }

func (b *EventBus) Close() { b.bus.Close() }
