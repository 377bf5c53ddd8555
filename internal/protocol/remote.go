package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorCode classifies a rejected remote-control request.
type ErrorCode string

const (
	ErrorNone              ErrorCode = "NO_ERROR"
	ErrorCommandParse      ErrorCode = "COMMAND_PARSE_ERROR"
	ErrorUnknownCommand    ErrorCode = "UNKNOWN_COMMAND"
	ErrorResponseSerialize ErrorCode = "RESPONSE_SERIALIZE_ERROR"
	ErrorServerInternal    ErrorCode = "SERVER_INTERNAL_ERROR"
)

// BlendingMode selects what a projector pair blends.
type BlendingMode string

const (
	BlendingNone    BlendingMode = "NONE"
	BlendingStandby BlendingMode = "STANDBY"
	BlendingVideo   BlendingMode = "VIDEO"
	BlendingImage   BlendingMode = "IMAGE"
)

// ParseBlendingMode accepts the wire names of BlendingMode.
func ParseBlendingMode(s string) (BlendingMode, bool) {
	switch m := BlendingMode(s); m {
	case BlendingNone, BlendingStandby, BlendingVideo, BlendingImage:
		return m, true
	}
	return "", false
}

// ── Requests (controller → projector) ─────────────────────────────────────

type GetVideoInfoRequest struct {
	RequestID string `json:"requestId"`
}

type GetVideoDurationRequest struct {
	RequestID string `json:"requestId"`
}

type VideoPlayRequest struct {
	RequestID string `json:"requestId"`
}

type VideoPauseRequest struct {
	RequestID string `json:"requestId"`
}

type VideoSeekRequest struct {
	RequestID  string `json:"requestId"`
	PositionMs int64  `json:"positionMs"`
}

type GetImageInfoRequest struct {
	RequestID string `json:"requestId"`
}

type ImagePlayRequest struct {
	RequestID string `json:"requestId"`
}

type ImagePauseRequest struct {
	RequestID string `json:"requestId"`
}

// ConnectToMacRequest asks a projector to open its own short-range link to
// another projector.
type ConnectToMacRequest struct {
	RequestID string `json:"requestId"`
	TargetMac string `json:"targetMac"`
}

// StartDiscoveryRequest asks a projector to discover its blending partner by
// advertised name. The result arrives as NotifyPeerConnectionDone.
type StartDiscoveryRequest struct {
	RequestID  string `json:"requestId"`
	TargetName string `json:"targetName"`
}

// BlendingModeRequest switches a projector into a blending mode. Exactly one
// projector of a pair is the controller.
type BlendingModeRequest struct {
	RequestID    string       `json:"requestId"`
	Mode         BlendingMode `json:"mode"`
	IsController bool         `json:"isController"`
}

// ── Responses (projector → controller) ────────────────────────────────────

type GetVideoInfoResponse struct {
	RequestID  string `json:"requestId"`
	DurationMs int64  `json:"durationMs"`
	PositionMs int64  `json:"positionMs"`
	IsPlaying  bool   `json:"isPlaying"`
}

type GetVideoDurationResponse struct {
	RequestID  string `json:"requestId"`
	PositionMs int64  `json:"positionMs"`
}

type GetImageInfoResponse struct {
	RequestID    string `json:"requestId"`
	CurrentIndex int    `json:"currentIndex"`
	IsPlaying    bool   `json:"isPlaying"`
}

// AckResponse acknowledges a request that produces no value. Command is the
// discriminator of the acknowledged request.
type AckResponse struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
}

// ErrorResponse rejects a request. RequestID is empty when the projector
// could not parse the request at all.
type ErrorResponse struct {
	RequestID string    `json:"requestId,omitempty"`
	Command   string    `json:"command"`
	ErrorCode ErrorCode `json:"errorCode"`
	Message   string    `json:"message,omitempty"`
}

// ── Notifications (projector → controller, unsolicited) ───────────────────

type NotifyVideoPosition struct {
	PositionMs int64 `json:"positionMs"`
}

type NotifyVideoPlayState struct {
	IsPlaying bool `json:"isPlaying"`
}

type NotifyImageIndex struct {
	CurrentIndex int `json:"currentIndex"`
}

type NotifyImagePlayState struct {
	IsPlaying bool `json:"isPlaying"`
}

// NotifyPeerConnectionDone reports the outcome of a StartDiscoveryRequest.
type NotifyPeerConnectionDone struct {
	Status PeerStatus `json:"status"`
}

// Succeeded reports whether the projector pair linked up.
func (n NotifyPeerConnectionDone) Succeeded() bool { return bool(n.Status) }

// PeerStatus is a pairing outcome. Projectors send a JSON boolean; older
// firmware sends a string such as "success", which is still accepted.
type PeerStatus bool

func (s *PeerStatus) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*s = PeerStatus(b)
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("status: want bool or string, got %s", data)
	}
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "success", "true", "ok":
		*s = true
	default:
		*s = false
	}
	return nil
}

// ── variant plumbing ──────────────────────────────────────────────────────

func (GetVideoInfoRequest) MessageType() string      { return "GetVideoInfoRequest" }
func (GetVideoDurationRequest) MessageType() string  { return "GetVideoDurationRequest" }
func (VideoPlayRequest) MessageType() string         { return "VideoPlayRequest" }
func (VideoPauseRequest) MessageType() string        { return "VideoPauseRequest" }
func (VideoSeekRequest) MessageType() string         { return "VideoSeekRequest" }
func (GetImageInfoRequest) MessageType() string      { return "GetImageInfoRequest" }
func (ImagePlayRequest) MessageType() string         { return "ImagePlayRequest" }
func (ImagePauseRequest) MessageType() string        { return "ImagePauseRequest" }
func (ConnectToMacRequest) MessageType() string      { return "ConnectToMacRequest" }
func (StartDiscoveryRequest) MessageType() string    { return "StartDiscoveryRequest" }
func (BlendingModeRequest) MessageType() string      { return "BlendingModeRequest" }
func (GetVideoInfoResponse) MessageType() string     { return "GetVideoInfoResponse" }
func (GetVideoDurationResponse) MessageType() string { return "GetVideoDurationResponse" }
func (GetImageInfoResponse) MessageType() string     { return "GetImageInfoResponse" }
func (AckResponse) MessageType() string              { return "AckResponse" }
func (ErrorResponse) MessageType() string            { return "ErrorResponse" }
func (NotifyVideoPosition) MessageType() string      { return "NotifyVideoPosition" }
func (NotifyVideoPlayState) MessageType() string     { return "NotifyVideoPlayState" }
func (NotifyImageIndex) MessageType() string         { return "NotifyImageIndex" }
func (NotifyImagePlayState) MessageType() string     { return "NotifyImagePlayState" }
func (NotifyPeerConnectionDone) MessageType() string { return "NotifyPeerConnectionDone" }

func (GetVideoInfoRequest) isMessage()      {}
func (GetVideoDurationRequest) isMessage()  {}
func (VideoPlayRequest) isMessage()         {}
func (VideoPauseRequest) isMessage()        {}
func (VideoSeekRequest) isMessage()         {}
func (GetImageInfoRequest) isMessage()      {}
func (ImagePlayRequest) isMessage()         {}
func (ImagePauseRequest) isMessage()        {}
func (ConnectToMacRequest) isMessage()      {}
func (StartDiscoveryRequest) isMessage()    {}
func (BlendingModeRequest) isMessage()      {}
func (GetVideoInfoResponse) isMessage()     {}
func (GetVideoDurationResponse) isMessage() {}
func (GetImageInfoResponse) isMessage()     {}
func (AckResponse) isMessage()              {}
func (ErrorResponse) isMessage()            {}
func (NotifyVideoPosition) isMessage()      {}
func (NotifyVideoPlayState) isMessage()     {}
func (NotifyImageIndex) isMessage()         {}
func (NotifyImagePlayState) isMessage()     {}
func (NotifyPeerConnectionDone) isMessage() {}

func (m GetVideoInfoRequest) requestID() string     { return m.RequestID }
func (m GetVideoDurationRequest) requestID() string { return m.RequestID }
func (m VideoPlayRequest) requestID() string        { return m.RequestID }
func (m VideoPauseRequest) requestID() string       { return m.RequestID }
func (m VideoSeekRequest) requestID() string        { return m.RequestID }
func (m GetImageInfoRequest) requestID() string     { return m.RequestID }
func (m ImagePlayRequest) requestID() string        { return m.RequestID }
func (m ImagePauseRequest) requestID() string       { return m.RequestID }
func (m ConnectToMacRequest) requestID() string     { return m.RequestID }
func (m StartDiscoveryRequest) requestID() string   { return m.RequestID }
func (m BlendingModeRequest) requestID() string     { return m.RequestID }

func (m GetVideoInfoRequest) withRequestID(id string) Message     { m.RequestID = id; return m }
func (m GetVideoDurationRequest) withRequestID(id string) Message { m.RequestID = id; return m }
func (m VideoPlayRequest) withRequestID(id string) Message        { m.RequestID = id; return m }
func (m VideoPauseRequest) withRequestID(id string) Message       { m.RequestID = id; return m }
func (m VideoSeekRequest) withRequestID(id string) Message        { m.RequestID = id; return m }
func (m GetImageInfoRequest) withRequestID(id string) Message     { m.RequestID = id; return m }
func (m ImagePlayRequest) withRequestID(id string) Message        { m.RequestID = id; return m }
func (m ImagePauseRequest) withRequestID(id string) Message       { m.RequestID = id; return m }
func (m ConnectToMacRequest) withRequestID(id string) Message     { m.RequestID = id; return m }
func (m StartDiscoveryRequest) withRequestID(id string) Message   { m.RequestID = id; return m }
func (m BlendingModeRequest) withRequestID(id string) Message     { m.RequestID = id; return m }
