package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/ble"
	"github.com/geeluba/ai-blending-control-demo/internal/link"
)

// ── BLE ───────────────────────────────────────────────────────────────────

func (s *Server) listPeers(w http.ResponseWriter, r *http.Request) {
	scans := s.BLE.ScanResults()
	peers := s.BLE.Peers()
	if scans == nil {
		scans = []ble.ScanRecord{}
	}
	if peers == nil {
		peers = []ble.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scanning":  s.BLE.Scanning(),
		"scan":      scans,
		"connected": peers,
	})
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	if err := s.BLE.StartScan(); err != nil {
		s.fail(w, "start scan", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"scanning": true})
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	if err := s.BLE.StopScan(); err != nil {
		s.fail(w, "stop scan", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scanning": false})
}

func (s *Server) connectPeer(w http.ResponseWriter, r *http.Request) {
	addr := strings.ToUpper(r.PathValue("address"))
	var err error
	if s.BLEManager.Role() == link.RoleNone {
		err = s.BLEManager.Configure(link.RoleInitiator, addr)
	} else {
		err = s.BLE.Connect(addr)
	}
	if err != nil {
		s.fail(w, "connect peer", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"address": addr, "status": "connecting"})
}

func (s *Server) disconnectPeer(w http.ResponseWriter, r *http.Request) {
	addr := strings.ToUpper(r.PathValue("address"))
	s.BLE.Disconnect(addr)
	writeJSON(w, http.StatusOK, map[string]any{"address": addr, "status": "disconnected"})
}

// ── Generic sync dispatch ─────────────────────────────────────────────────

type dispatchRequest struct {
	Name string `json:"name"`
	Link string `json:"link"`
}

// manager picks the link a dispatch targets. BLE is the default.
func (s *Server) manager(w http.ResponseWriter, name string) *link.Manager {
	switch name {
	case "", "ble":
		return s.BLEManager
	case "sync":
		if s.Sync == nil {
			http.Error(w, "sync link disabled", http.StatusNotFound)
			return nil
		}
		return s.Sync
	default:
		http.Error(w, "link must be ble or sync", http.StatusBadRequest)
		return nil
	}
}

func (s *Server) syncCommand(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	m := s.manager(w, req.Link)
	if m == nil {
		return
	}
	if !m.DispatchCommand(req.Name) {
		s.fail(w, "dispatch command", link.ErrNotLinked)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"link": m.Name(), "command": req.Name})
}

func (s *Server) syncRequest(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	m := s.manager(w, req.Link)
	if m == nil {
		return
	}
	id, ok := m.DispatchRequest(req.Name)
	if !ok {
		s.fail(w, "dispatch request", link.ErrNotLinked)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"link": m.Name(), "command": req.Name, "request_id": id})
}

type respondRequest struct {
	Peer      string `json:"peer"`
	Command   string `json:"command"`
	Value     string `json:"value"`
	RequestID string `json:"request_id"`
}

// syncRespond answers a GeneralRequest received on the sync socket.
func (s *Server) syncRespond(w http.ResponseWriter, r *http.Request) {
	if s.Sync == nil {
		http.Error(w, "sync link disabled", http.StatusNotFound)
		return
	}
	var req respondRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Peer == "" || req.Command == "" {
		http.Error(w, "peer and command required", http.StatusBadRequest)
		return
	}
	if err := s.Sync.Respond(req.Peer, req.Command, req.Value, req.RequestID); err != nil {
		s.fail(w, "respond", err)
		return
	}
	s.log.Debug("api: responded", zap.String("peer", req.Peer), zap.String("command", req.Command))
	writeJSON(w, http.StatusOK, map[string]any{"status": "sent"})
}
