package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/geeluba/ai-blending-control-demo/internal/pairing"
	"github.com/geeluba/ai-blending-control-demo/internal/protocol"
)

const (
	defaultBlendingTimeout = 30 * time.Second
	maxBlendingTimeout     = 5 * time.Minute
	maxRawMessage          = 64 << 10
)

func (s *Server) pairingState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pairing":    s.Pairing.Sides(),
		"right_name": s.Pairing.RightName(),
	})
}

type assignRequest struct {
	Address string `json:"address"`
}

func (s *Server) assign(w http.ResponseWriter, r *http.Request) {
	side, err := pairing.ParseSide(r.PathValue("side"))
	if err != nil {
		s.fail(w, "assign", err)
		return
	}
	var req assignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	addr := strings.ToUpper(strings.TrimSpace(req.Address))
	if addr == "" {
		http.Error(w, "address required", http.StatusBadRequest)
		return
	}
	if err := s.Pairing.Assign(side, addr); err != nil {
		s.fail(w, "assign", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Pairing.Sides())
}

func (s *Server) requestIP(w http.ResponseWriter, r *http.Request) {
	if err := s.Pairing.RequestAddresses(); err != nil {
		s.fail(w, "request ip", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "requested"})
}

func (s *Server) connectProjectors(w http.ResponseWriter, r *http.Request) {
	if err := s.Pairing.ConnectProjectors(); err != nil {
		s.fail(w, "connect projectors", err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.Pairing.Sides())
}

func (s *Server) disconnectProjectors(w http.ResponseWriter, r *http.Request) {
	if err := s.Pairing.DisconnectProjectors(); err != nil {
		s.fail(w, "disconnect projectors", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Pairing.Sides())
}

// sendToProjector forwards one remote-protocol message. Requests without a
// requestId get a fresh one.
func (s *Server) sendToProjector(w http.ResponseWriter, r *http.Request) {
	side, err := pairing.ParseSide(r.PathValue("side"))
	if err != nil {
		s.fail(w, "send", err)
		return
	}
	client := s.Left
	if side == pairing.SideRight {
		client = s.Right
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRawMessage))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msg, err := protocol.Remote.Decode(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, _ := protocol.RequestIDOf(msg)
	if req, ok := msg.(protocol.Request); ok && id == "" {
		id, err = client.Request(req)
	} else {
		err = client.Send(msg)
	}
	if err != nil {
		s.fail(w, "send", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"side":       side,
		"type":       msg.MessageType(),
		"request_id": id,
	})
}

type blendingRequest struct {
	Mode      string `json:"mode"`
	RightName string `json:"right_name"`
	TimeoutMS int    `json:"timeout_ms"`
}

func (s *Server) startBlending(w http.ResponseWriter, r *http.Request) {
	var req blendingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	mode, ok := protocol.ParseBlendingMode(strings.ToUpper(req.Mode))
	if !ok || mode == protocol.BlendingNone {
		http.Error(w, "mode must be STANDBY, VIDEO or IMAGE", http.StatusBadRequest)
		return
	}
	timeout := defaultBlendingTimeout
	if req.TimeoutMS > 0 {
		timeout = min(time.Duration(req.TimeoutMS)*time.Millisecond, maxBlendingTimeout)
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	if err := s.Pairing.StartBlending(ctx, mode, req.RightName); err != nil {
		s.fail(w, "start blending", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Pairing.Sides())
}

func (s *Server) stopBlending(w http.ResponseWriter, r *http.Request) {
	if err := s.Pairing.StopBlending(r.Context()); err != nil {
		s.fail(w, "stop blending", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Pairing.Sides())
}

// ── Discovery over sound ──────────────────────────────────────────────────

type announceRequest struct {
	Text string `json:"text"`
}

func (s *Server) announce(w http.ResponseWriter, r *http.Request) {
	if s.Sound == nil {
		http.Error(w, "discovery disabled", http.StatusNotFound)
		return
	}
	var req announceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.Sound.Announce(r.Context(), req.Text); err != nil {
		s.fail(w, "announce", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "played"})
}
