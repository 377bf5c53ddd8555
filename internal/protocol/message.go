// Package protocol defines the tagged JSON messages exchanged over the
// short-range link, the sync socket and the projector remote-control socket.
//
// Every message is a flat JSON object whose discriminator field names the
// concrete variant: "type" for the generic sync protocol and "commandType"
// for the remote-control protocol. Unknown fields are ignored on decode.
package protocol

// Message is implemented by every wire variant in this package and by
// nothing else.
type Message interface {
	// MessageType is the discriminator value written on the wire.
	MessageType() string
	isMessage()
}

// Request is a message that expects exactly one response or error carrying
// the same request id.
type Request interface {
	Message
	requestID() string
	withRequestID(id string) Message
}

// RequestIDOf returns the request id carried by m. ok is false for
// notifications and commands.
func RequestIDOf(m Message) (id string, ok bool) {
	switch v := m.(type) {
	case Request:
		return v.requestID(), true
	case GeneralResponse:
		return v.RequestID, v.RequestID != ""
	case GetVideoInfoResponse:
		return v.RequestID, true
	case GetVideoDurationResponse:
		return v.RequestID, true
	case GetImageInfoResponse:
		return v.RequestID, true
	case AckResponse:
		return v.RequestID, true
	case ErrorResponse:
		return v.RequestID, v.RequestID != ""
	default:
		return "", false
	}
}

// Stamp returns m with its request id set to id. Messages that carry no
// request id are returned unchanged.
func Stamp(m Message, id string) Message {
	if r, ok := m.(Request); ok {
		return r.withRequestID(id)
	}
	return m
}

// ── Generic sync protocol ─────────────────────────────────────────────────

// GeneralCommand asks the peer to execute a named action immediately.
type GeneralCommand struct {
	Command string `json:"command"`
}

// GeneralRequest asks the peer for a named value. Peers answer with a
// GeneralResponse using the same command name.
type GeneralRequest struct {
	Command   string `json:"command"`
	RequestID string `json:"requestId,omitempty"`
}

// GeneralResponse answers a GeneralRequest.
type GeneralResponse struct {
	Command   string `json:"command"`
	Value     string `json:"value"`
	RequestID string `json:"requestId,omitempty"`
}

func (GeneralCommand) MessageType() string  { return "GeneralCommand" }
func (GeneralRequest) MessageType() string  { return "GeneralRequest" }
func (GeneralResponse) MessageType() string { return "GeneralResponse" }

func (GeneralCommand) isMessage()  {}
func (GeneralRequest) isMessage()  {}
func (GeneralResponse) isMessage() {}

func (m GeneralRequest) requestID() string { return m.RequestID }

func (m GeneralRequest) withRequestID(id string) Message {
	m.RequestID = id
	return m
}

// Text flattens a generic sync message into the string handed to listeners:
// the command name for commands and requests, "command:value" for
// responses. ok is false for every other variant.
func Text(m Message) (text string, ok bool) {
	switch v := m.(type) {
	case GeneralCommand:
		return v.Command, true
	case GeneralRequest:
		return v.Command, true
	case GeneralResponse:
		return v.Command + ":" + v.Value, true
	default:
		return "", false
	}
}
