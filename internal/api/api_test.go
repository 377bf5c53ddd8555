package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/adapters"
	"github.com/geeluba/ai-blending-control-demo/internal/api"
	"github.com/geeluba/ai-blending-control-demo/internal/ble"
	"github.com/geeluba/ai-blending-control-demo/internal/events"
	"github.com/geeluba/ai-blending-control-demo/internal/link"
	"github.com/geeluba/ai-blending-control-demo/internal/pairing"
	"github.com/geeluba/ai-blending-control-demo/internal/remote"
	"github.com/geeluba/ai-blending-control-demo/internal/store"
)

type rig struct {
	srv   *httptest.Server
	radio *adapters.MemRadio
	db    *store.DB
	bus   *events.Bus[any]
}

func newRig(t *testing.T) *rig {
	t.Helper()
	log := zap.NewNop()

	db, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	radio := adapters.NewMemRadio()
	radio.AddDevice(adapters.Device{Address: "AA:BB:CC:DD:EE:01", Name: "Projector-L", RSSI: -40})
	bl := ble.New(radio, ble.Options{}, log)
	mgr := link.NewManager("ble", bl, log)
	left := remote.New("left", remote.Options{}, log)
	right := remote.New("right", remote.Options{}, log)
	coord := pairing.New(bl, mgr, left, right, pairing.DefaultOptions(), log)
	bus := events.NewBus[any]()

	r := &rig{radio: radio, db: db, bus: bus}
	r.srv = httptest.NewServer(api.NewRouter(api.Deps{
		BLE:         bl,
		BLEManager:  mgr,
		Left:        left,
		Right:       right,
		Pairing:     coord,
		DB:          db,
		Subscribe:   bus.Subscribe,
		Subscribers: bus.Len,
	}, log))

	t.Cleanup(func() {
		r.srv.Close()
		coord.Close()
		left.Release()  //nolint:errcheck
		right.Release() //nolint:errcheck
		mgr.Release()   //nolint:errcheck
		bus.Close()
		db.Close()
	})
	return r
}

func (r *rig) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, r.srv.URL+path, bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode, out
}

func TestStatus(t *testing.T) {
	r := newRig(t)
	code, body := r.do(t, http.MethodGet, "/api/v1/status", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["session"] != r.db.Session() {
		t.Fatalf("session = %v", body["session"])
	}
	links, ok := body["links"].(map[string]any)
	if !ok {
		t.Fatalf("links missing: %v", body)
	}
	if _, ok := links["sync"]; ok {
		t.Fatal("sync reported while disabled")
	}
	bl := links["ble"].(map[string]any)
	if bl["state"] != link.StateDisconnected.String() || bl["role"] != "NONE" {
		t.Fatalf("ble = %v", bl)
	}
}

func TestScanAndPeers(t *testing.T) {
	r := newRig(t)
	if code, _ := r.do(t, http.MethodPost, "/api/v1/scan/start", ""); code != http.StatusAccepted {
		t.Fatalf("scan start = %d", code)
	}
	r.radio.Advertise("AA:BB:CC:DD:EE:01")

	deadline := time.Now().Add(3 * time.Second)
	for {
		_, body := r.do(t, http.MethodGet, "/api/v1/peers", "")
		if scan, _ := body["scan"].([]any); len(scan) == 1 {
			rec := scan[0].(map[string]any)
			if rec["name"] != "Projector-L" {
				t.Fatalf("record = %v", rec)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("advertisement never listed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if code, body := r.do(t, http.MethodPost, "/api/v1/scan/stop", ""); code != http.StatusOK || body["scanning"] != false {
		t.Fatalf("scan stop = %d %v", code, body)
	}
}

func TestDispatchErrors(t *testing.T) {
	r := newRig(t)
	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"command not linked", "POST", "/api/v1/sync/command", `{"name":"PAUSE"}`, http.StatusConflict},
		{"request not linked", "POST", "/api/v1/sync/request", `{"name":"VOLUME"}`, http.StatusConflict},
		{"missing name", "POST", "/api/v1/sync/command", `{}`, http.StatusBadRequest},
		{"bad json", "POST", "/api/v1/sync/command", `{`, http.StatusBadRequest},
		{"sync disabled", "POST", "/api/v1/sync/command", `{"name":"PAUSE","link":"sync"}`, http.StatusNotFound},
		{"unknown link", "POST", "/api/v1/sync/request", `{"name":"PAUSE","link":"carrier-pigeon"}`, http.StatusBadRequest},
		{"respond without sync", "POST", "/api/v1/sync/respond", `{"peer":"x","command":"y"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := r.do(t, tt.method, tt.path, tt.body); code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestProjectorErrors(t *testing.T) {
	r := newRig(t)
	tests := []struct {
		name, path, body string
		want             int
	}{
		{"unknown side", "/api/v1/projectors/middle/assign", `{"address":"AA"}`, http.StatusBadRequest},
		{"empty address", "/api/v1/projectors/left/assign", `{"address":" "}`, http.StatusBadRequest},
		{"ip without link", "/api/v1/projectors/request-ip", ``, http.StatusConflict},
		{"connect without ip", "/api/v1/projectors/connect", ``, http.StatusConflict},
		{"send not connected", "/api/v1/projectors/left/send", `{"commandType":"VideoPlayRequest"}`, http.StatusConflict},
		{"send unknown variant", "/api/v1/projectors/right/send", `{"commandType":"SelfDestruct"}`, http.StatusBadRequest},
		{"blending bad mode", "/api/v1/blending/start", `{"mode":"HOLOGRAM"}`, http.StatusBadRequest},
		{"blending none", "/api/v1/blending/start", `{"mode":"none"}`, http.StatusBadRequest},
		{"blending standby waits for sessions", "/api/v1/blending/start", `{"mode":"standby","timeout_ms":50}`, http.StatusGatewayTimeout},
		{"announce disabled", "/api/v1/discovery/announce", `{"text":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _ := r.do(t, http.MethodPost, tt.path, tt.body); code != tt.want {
				t.Fatalf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestAssignConfiguresLink(t *testing.T) {
	r := newRig(t)
	code, body := r.do(t, http.MethodPost, "/api/v1/projectors/left/assign", `{"address":"aa:bb:cc:dd:ee:01"}`)
	if code != http.StatusAccepted {
		t.Fatalf("assign = %d", code)
	}
	left := body["left"].(map[string]any)
	if left["address"] != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("left = %v", left)
	}

	_, status := r.do(t, http.MethodGet, "/api/v1/status", "")
	bl := status["links"].(map[string]any)["ble"].(map[string]any)
	if bl["role"] != "INITIATOR" || bl["peer"] != "AA:BB:CC:DD:EE:01" {
		t.Fatalf("ble = %v", bl)
	}
}

func TestHistory(t *testing.T) {
	r := newRig(t)
	if _, err := r.db.InsertMessage(&store.Message{Link: "ble", Direction: "out", Type: "GeneralCommand", Payload: `{}`}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := r.db.InsertLinkEvent(&store.LinkEvent{Link: "ble", State: "CONNECTED"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, body := r.do(t, http.MethodGet, "/api/v1/history", "")
	if body["count"] != float64(1) {
		t.Fatalf("messages = %v", body)
	}
	_, body = r.do(t, http.MethodGet, "/api/v1/history?kind=links&limit=5", "")
	if body["count"] != float64(1) {
		t.Fatalf("links = %v", body)
	}
	if code, _ := r.do(t, http.MethodGet, "/api/v1/history?kind=nodes", ""); code != http.StatusBadRequest {
		t.Fatalf("unknown kind = %d", code)
	}
	if code, _ := r.do(t, http.MethodGet, "/api/v1/history?limit=0", ""); code != http.StatusBadRequest {
		t.Fatalf("zero limit = %d", code)
	}
}

func TestEventStream(t *testing.T) {
	r := newRig(t)
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for r.bus.Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.bus.Publish(map[string]string{"type": "link_state", "link": "ble"})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	var got map[string]string
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got["type"] != "link_state" {
		t.Fatalf("event = %v", got)
	}
}
