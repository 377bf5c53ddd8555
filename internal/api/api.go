// Package api implements the controller's local REST API.
//
// Routes:
//
//	GET  /api/v1/status                      link states and counters
//	GET  /api/v1/peers                       scan results and BLE peers
//	POST /api/v1/scan/start                  start a BLE scan
//	POST /api/v1/scan/stop                   stop the BLE scan
//	POST /api/v1/peers/{address}/connect     connect a BLE peer
//	POST /api/v1/peers/{address}/disconnect  drop a BLE peer
//	POST /api/v1/sync/command                dispatch a GeneralCommand
//	POST /api/v1/sync/request                dispatch a GeneralRequest
//	POST /api/v1/sync/respond                answer a peer's request
//	GET  /api/v1/pairing                     pairing snapshot
//	POST /api/v1/projectors/{side}/assign    bind a BLE address to a side
//	POST /api/v1/projectors/request-ip       ask projectors for Wi-Fi addresses
//	POST /api/v1/projectors/connect          open both remote sessions
//	POST /api/v1/projectors/disconnect       close both remote sessions
//	POST /api/v1/projectors/{side}/send      send a raw remote-protocol message
//	POST /api/v1/blending/start              run the blending handshake
//	POST /api/v1/blending/stop               stop blending
//	POST /api/v1/discovery/announce          play text over sound
//	GET  /api/v1/history                     journal rows
//	GET  /api/v1/events                      WebSocket live stream
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/ble"
	"github.com/geeluba/ai-blending-control-demo/internal/discovery"
	"github.com/geeluba/ai-blending-control-demo/internal/link"
	"github.com/geeluba/ai-blending-control-demo/internal/pairing"
	"github.com/geeluba/ai-blending-control-demo/internal/remote"
	"github.com/geeluba/ai-blending-control-demo/internal/store"
	"github.com/geeluba/ai-blending-control-demo/internal/wslink"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Deps holds everything the handlers reach into. Sync and Sound are nil
// when the corresponding feature is off.
type Deps struct {
	BLE        *ble.Link
	BLEManager *link.Manager
	Sync       *link.Manager
	SyncPeers  func() []string
	Left       *remote.Client
	Right      *remote.Client
	Pairing    *pairing.Coordinator
	Sound      *discovery.Discoverer
	DB         *store.DB

	// Subscribe is called for each new WebSocket client; it returns a
	// channel of JSON-serialisable events and an unsubscribe function.
	Subscribe   func() (<-chan any, func())
	Subscribers func() int
}

// Server holds handler dependencies.
type Server struct {
	Deps
	log *zap.Logger
}

// NewRouter wires all /api/v1/* routes and returns a http.Handler.
func NewRouter(deps Deps, log *zap.Logger) http.Handler {
	s := &Server{Deps: deps, log: log}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.status)

	// BLE
	mux.HandleFunc("GET /api/v1/peers", s.listPeers)
	mux.HandleFunc("POST /api/v1/scan/start", s.startScan)
	mux.HandleFunc("POST /api/v1/scan/stop", s.stopScan)
	mux.HandleFunc("POST /api/v1/peers/{address}/connect", s.connectPeer)
	mux.HandleFunc("POST /api/v1/peers/{address}/disconnect", s.disconnectPeer)

	// Generic sync dispatch
	mux.HandleFunc("POST /api/v1/sync/command", s.syncCommand)
	mux.HandleFunc("POST /api/v1/sync/request", s.syncRequest)
	mux.HandleFunc("POST /api/v1/sync/respond", s.syncRespond)

	// Projectors and pairing
	mux.HandleFunc("GET /api/v1/pairing", s.pairingState)
	mux.HandleFunc("POST /api/v1/projectors/{side}/assign", s.assign)
	mux.HandleFunc("POST /api/v1/projectors/request-ip", s.requestIP)
	mux.HandleFunc("POST /api/v1/projectors/connect", s.connectProjectors)
	mux.HandleFunc("POST /api/v1/projectors/disconnect", s.disconnectProjectors)
	mux.HandleFunc("POST /api/v1/projectors/{side}/send", s.sendToProjector)
	mux.HandleFunc("POST /api/v1/blending/start", s.startBlending)
	mux.HandleFunc("POST /api/v1/blending/stop", s.stopBlending)

	mux.HandleFunc("POST /api/v1/discovery/announce", s.announce)

	mux.HandleFunc("GET /api/v1/history", s.history)
	mux.HandleFunc("GET /api/v1/events", s.eventStream)

	return withLogging(log, mux)
}

// ── Status ────────────────────────────────────────────────────────────────

type linkStatus struct {
	State string   `json:"state"`
	Role  string   `json:"role,omitempty"`
	Peer  string   `json:"peer,omitempty"`
	Peers []string `json:"peers,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	links := map[string]linkStatus{
		"ble": {
			State: s.BLEManager.State().String(),
			Role:  s.BLEManager.Role().String(),
			Peer:  s.BLEManager.Target(),
		},
		"left":  {State: s.Left.State().String(), Peer: s.Left.Host()},
		"right": {State: s.Right.State().String(), Peer: s.Right.Host()},
	}
	if s.Sync != nil {
		st := linkStatus{State: s.Sync.State().String(), Role: s.Sync.Role().String()}
		if s.SyncPeers != nil {
			st.Peers = s.SyncPeers()
		}
		links["sync"] = st
	}

	subs := 0
	if s.Subscribers != nil {
		subs = s.Subscribers()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"session":     s.DB.Session(),
		"radio":       s.BLE.RadioEnabled(),
		"scanning":    s.BLE.Scanning(),
		"links":       links,
		"listeners":   s.BLEManager.ListenerCount(),
		"discovery":   s.Sound != nil && s.Sound.Listening(),
		"subscribers": subs,
	})
}

// ── History ───────────────────────────────────────────────────────────────

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch kind := r.URL.Query().Get("kind"); kind {
	case "", "messages":
		msgs, err := s.DB.ListMessages(limit)
		if err != nil {
			s.log.Error("api: list messages", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
	case "links":
		evs, err := s.DB.ListLinkEvents(limit)
		if err != nil {
			s.log.Error("api: list link events", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"links": evs, "count": len(evs)})
	default:
		http.Error(w, fmt.Sprintf("unknown kind %q", kind), http.StatusBadRequest)
	}
}

// ── WebSocket event stream ────────────────────────────────────────────────

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("api: ws upgrade", zap.Error(err))
		return
	}
	defer conn.Close()

	ch, unsub := s.Subscribe()
	defer unsub()

	// Reading is what processes close frames and notices a vanished client.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				s.log.Debug("api: ws write", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ── Middleware ────────────────────────────────────────────────────────────

func withLogging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rw, r)
		log.Debug("api",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.code),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	code int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.code = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("api: response writer cannot hijack")
	}
	rw.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// ── helpers ───────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def, min, max int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("%s must be %d-%d", key, min, max)
	}
	return n, nil
}

// fail maps a domain error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, wslink.ErrUnknownPeer):
		code = http.StatusNotFound
	case errors.Is(err, pairing.ErrUnknownSide),
		errors.Is(err, link.ErrNoTarget),
		errors.Is(err, link.ErrRoleUnsupported),
		errors.Is(err, discovery.ErrEmptyPayload),
		errors.Is(err, discovery.ErrPayloadTooLong):
		code = http.StatusBadRequest
	case errors.Is(err, pairing.ErrNotLinked),
		errors.Is(err, pairing.ErrNoAddresses),
		errors.Is(err, link.ErrNotLinked),
		errors.Is(err, remote.ErrNotConnected),
		errors.Is(err, discovery.ErrBusy):
		code = http.StatusConflict
	case errors.Is(err, ble.ErrRadioOff),
		errors.Is(err, link.ErrReleased),
		errors.Is(err, discovery.ErrNoSink):
		code = http.StatusServiceUnavailable
	case errors.Is(err, pairing.ErrPairingRejected):
		code = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if code == http.StatusInternalServerError {
		s.log.Error("api: "+op, zap.Error(err))
	} else {
		s.log.Debug("api: "+op, zap.Int("status", code), zap.Error(err))
	}
	http.Error(w, err.Error(), code)
}
