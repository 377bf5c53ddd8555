package pairing_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/adapters"
	"github.com/geeluba/ai-blending-control-demo/internal/ble"
	"github.com/geeluba/ai-blending-control-demo/internal/link"
	"github.com/geeluba/ai-blending-control-demo/internal/pairing"
	"github.com/geeluba/ai-blending-control-demo/internal/protocol"
	"github.com/geeluba/ai-blending-control-demo/internal/remote"
)

const (
	addrL = "AA:BB:CC:DD:EE:01"
	addrR = "AA:BB:CC:DD:EE:02"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// projector is a fake remote-control endpoint that records every request
// and answers StartDiscoveryRequest with the configured outcome.
type projector struct {
	srv    *httptest.Server
	status bool

	mu   sync.Mutex
	seen []protocol.Message
}

func newProjector(t *testing.T, status bool) *projector {
	t.Helper()
	p := &projector{status: status}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Remote.Decode(data)
			if err != nil {
				continue
			}
			p.mu.Lock()
			p.seen = append(p.seen, msg)
			p.mu.Unlock()

			id, _ := protocol.RequestIDOf(msg)
			replies := []protocol.Message{protocol.AckResponse{RequestID: id, Command: msg.MessageType()}}
			if _, ok := msg.(protocol.StartDiscoveryRequest); ok {
				replies = append(replies, protocol.NotifyPeerConnectionDone{Status: protocol.PeerStatus(p.status)})
			}
			for _, m := range replies {
				out, _ := protocol.Remote.Encode(m)
				if conn.WriteMessage(websocket.TextMessage, out) != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *projector) host() string { return strings.TrimPrefix(p.srv.URL, "http://") }

func (p *projector) blending() []protocol.BlendingModeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.BlendingModeRequest
	for _, m := range p.seen {
		if b, ok := m.(protocol.BlendingModeRequest); ok {
			out = append(out, b)
		}
	}
	return out
}

func (p *projector) discoveries() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.seen {
		if d, ok := m.(protocol.StartDiscoveryRequest); ok {
			out = append(out, d.TargetName)
		}
	}
	return out
}

type rig struct {
	radio *adapters.MemRadio
	ble   *ble.Link
	sync  *link.Manager
	left  *remote.Client
	right *remote.Client
	c     *pairing.Coordinator
}

func newRig(t *testing.T) *rig {
	t.Helper()
	radio := adapters.NewMemRadio()
	radio.AddDevice(adapters.Device{Address: addrL, Name: "Projector-L"})
	radio.AddDevice(adapters.Device{Address: addrR, Name: "Projector-R"})

	bo := ble.DefaultOptions()
	bo.RetryDelay = 20 * time.Millisecond
	bo.SettleDelay = time.Millisecond
	bo.DiscoveryDelay = time.Millisecond
	bo.MTUDelay = time.Millisecond
	l := ble.New(radio, bo, zap.NewNop())
	m := link.NewManager("ble", l, zap.NewNop())

	ro := remote.Options{RetryInterval: 20 * time.Millisecond, Keepalive: time.Second, DialTimeout: time.Second, WriteTimeout: time.Second}
	left := remote.New("left", ro, zap.NewNop())
	right := remote.New("right", ro, zap.NewNop())

	c := pairing.New(l, m, left, right, pairing.Options{DisconnectDelay: 10 * time.Millisecond}, zap.NewNop())
	t.Cleanup(func() {
		c.Close()
		left.Release()
		right.Release()
		m.Release()
	})
	return &rig{radio: radio, ble: l, sync: m, left: left, right: right, c: c}
}

// reportIP makes the projector at addr answer the Wi-Fi address request.
func (r *rig) reportIP(t *testing.T, addr, ip string) {
	t.Helper()
	out, _ := protocol.Sync.Encode(protocol.GeneralResponse{Command: pairing.WifiRequest, Value: ip})
	if !r.radio.Peripheral(addr).Notify(out) {
		t.Fatalf("notify %s not delivered", addr)
	}
}

func (r *rig) assignBoth(t *testing.T) {
	t.Helper()
	if err := r.c.Assign(pairing.SideLeft, addrL); err != nil {
		t.Fatalf("assign left: %v", err)
	}
	if err := r.c.Assign(pairing.SideRight, addrR); err != nil {
		t.Fatalf("assign right: %v", err)
	}
	waitFor(t, "both projectors subscribed", func() bool {
		return r.ble.Connected(addrL) && r.ble.Connected(addrR)
	})
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]pairing.Side{"left": pairing.SideLeft, "RIGHT": pairing.SideRight} {
		got, err := pairing.ParseSide(in)
		if err != nil || got != want {
			t.Fatalf("ParseSide(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := pairing.ParseSide("middle"); !errors.Is(err, pairing.ErrUnknownSide) {
		t.Fatalf("middle: %v", err)
	}
}

func TestAddressExchange(t *testing.T) {
	r := newRig(t)
	if err := r.c.RequestAddresses(); !errors.Is(err, pairing.ErrNotLinked) {
		t.Fatalf("request before assignment: %v", err)
	}

	snaps, unsub := r.c.Subscribe()
	defer unsub()

	r.assignBoth(t)
	if r.sync.Role() != link.RoleInitiator {
		t.Fatalf("sync role = %s", r.sync.Role())
	}
	if err := r.c.RequestAddresses(); err != nil {
		t.Fatalf("request: %v", err)
	}
	for _, a := range []string{addrL, addrR} {
		w := r.radio.Peripheral(a).Writes()
		if len(w) == 0 {
			t.Fatalf("%s got no request", a)
		}
		req, err := protocol.Sync.Decode(w[len(w)-1])
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if g, ok := req.(protocol.GeneralRequest); !ok || g.Command != pairing.WifiRequest {
			t.Fatalf("%s got %#v", a, req)
		}
	}

	r.reportIP(t, addrL, "192.168.0.11")
	waitFor(t, "left address", func() bool { return r.c.Sides().Left.IP == "192.168.0.11" })
	if r.c.Sides().Ready {
		t.Fatal("ready with one address")
	}
	r.reportIP(t, addrR, "192.168.0.12")
	waitFor(t, "ready", func() bool { return r.c.Sides().Ready })

	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-snaps:
			if s.Ready {
				if s.Right.IP != "192.168.0.12" {
					t.Fatalf("ready snapshot %+v", s)
				}
				return
			}
		case <-deadline:
			t.Fatal("no ready snapshot published")
		}
	}
}

func TestAssignMovesAddressBetweenSides(t *testing.T) {
	r := newRig(t)
	if err := r.c.Assign(pairing.SideLeft, addrL); err != nil {
		t.Fatalf("assign: %v", err)
	}
	waitFor(t, "left subscribed", func() bool { return r.ble.Connected(addrL) })
	r.reportIP(t, addrL, "192.168.0.11")
	waitFor(t, "left address", func() bool { return r.c.Sides().Left.IP != "" })

	if err := r.c.Assign(pairing.SideRight, addrL); err != nil {
		t.Fatalf("reassign: %v", err)
	}
	s := r.c.Sides()
	if s.Left != (pairing.Slot{}) {
		t.Fatalf("left not cleared: %+v", s.Left)
	}
	if s.Right.Address != addrL || s.Right.IP != "" {
		t.Fatalf("right = %+v", s.Right)
	}

	r.reportIP(t, addrL, "192.168.0.11")
	waitFor(t, "right address", func() bool { return r.c.Sides().Right.IP == "192.168.0.11" })
	if err := r.c.Assign(pairing.SideRight, addrL); err != nil {
		t.Fatalf("same assign: %v", err)
	}
	if r.c.Sides().Right.IP != "192.168.0.11" {
		t.Fatal("reassigning the same address forgot the Wi-Fi address")
	}

	r.c.Reset()
	if s := r.c.Sides(); s.Right != (pairing.Slot{}) || s.Ready {
		t.Fatalf("after reset: %+v", s)
	}
	waitFor(t, "ble disconnect", func() bool { return !r.ble.Connected(addrL) })

	if err := r.c.Assign(pairing.SideLeft, ""); err == nil {
		t.Fatal("empty address accepted")
	}
}

func TestRightNameFromScan(t *testing.T) {
	r := newRig(t)
	if got := r.c.RightName(); got != pairing.UnknownName {
		t.Fatalf("name before scan = %q", got)
	}
	if err := r.ble.StartScan(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	r.radio.Advertise(addrR)
	if err := r.c.Assign(pairing.SideRight, addrR); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got := r.c.RightName(); got != "Projector-R" {
		t.Fatalf("name = %q", got)
	}
}

func TestBlendingLifecycle(t *testing.T) {
	r := newRig(t)
	pl, pr := newProjector(t, true), newProjector(t, true)

	if err := r.c.ConnectProjectors(); !errors.Is(err, pairing.ErrNoAddresses) {
		t.Fatalf("connect without addresses: %v", err)
	}

	r.assignBoth(t)
	r.reportIP(t, addrL, pl.host())
	r.reportIP(t, addrR, pr.host())
	waitFor(t, "ready", func() bool { return r.c.Sides().Ready })

	if err := r.c.ConnectProjectors(); err != nil {
		t.Fatalf("connect projectors: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.c.StartBlending(ctx, protocol.BlendingVideo, "Projector-R"); err != nil {
		t.Fatalf("start blending: %v", err)
	}

	if d := pl.discoveries(); len(d) != 1 || d[0] != "Projector-R" {
		t.Fatalf("left discoveries = %v", d)
	}
	if d := pr.discoveries(); len(d) != 0 {
		t.Fatalf("right was asked to discover: %v", d)
	}
	waitFor(t, "blending requests", func() bool { return len(pl.blending()) == 2 && len(pr.blending()) == 2 })
	for i, want := range []protocol.BlendingMode{protocol.BlendingStandby, protocol.BlendingVideo} {
		if b := pl.blending()[i]; b.Mode != want || !b.IsController {
			t.Fatalf("left blending[%d] = %+v", i, b)
		}
		if b := pr.blending()[i]; b.Mode != want || b.IsController {
			t.Fatalf("right blending[%d] = %+v", i, b)
		}
	}
	if s := r.c.Sides(); !s.Paired || s.Blending != protocol.BlendingVideo {
		t.Fatalf("snapshot = %+v", s)
	}

	if err := r.c.StopBlending(context.Background()); err != nil {
		t.Fatalf("stop blending: %v", err)
	}
	waitFor(t, "NONE requests", func() bool { return len(pl.blending()) == 3 && len(pr.blending()) == 3 })
	if b := pl.blending()[2]; b.Mode != protocol.BlendingNone {
		t.Fatalf("left stop = %+v", b)
	}
	if r.left.State() != link.StateDisconnected || r.right.State() != link.StateDisconnected {
		t.Fatalf("sessions after stop: %s / %s", r.left.State(), r.right.State())
	}
	if s := r.c.Sides(); s.Paired || s.Blending != protocol.BlendingNone {
		t.Fatalf("snapshot after stop = %+v", s)
	}
}

func TestBlendingStandbyOnly(t *testing.T) {
	r := newRig(t)
	pl, pr := newProjector(t, true), newProjector(t, true)
	if err := r.left.Connect(pl.host()); err != nil {
		t.Fatalf("connect left: %v", err)
	}
	if err := r.right.Connect(pr.host()); err != nil {
		t.Fatalf("connect right: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.c.StartBlending(ctx, protocol.BlendingStandby, "Projector-R"); err != nil {
		t.Fatalf("start blending: %v", err)
	}
	waitFor(t, "standby requests", func() bool { return len(pl.blending()) == 1 && len(pr.blending()) == 1 })
	if b := pl.blending()[0]; b.Mode != protocol.BlendingStandby || !b.IsController {
		t.Fatalf("left blending = %+v", b)
	}
	if b := pr.blending()[0]; b.Mode != protocol.BlendingStandby || b.IsController {
		t.Fatalf("right blending = %+v", b)
	}
	if s := r.c.Sides(); s.Blending != protocol.BlendingStandby {
		t.Fatalf("snapshot = %+v", s)
	}
}

func TestBlendingRejectedByProjectors(t *testing.T) {
	r := newRig(t)
	pl, pr := newProjector(t, false), newProjector(t, true)
	if err := r.left.Connect(pl.host()); err != nil {
		t.Fatalf("connect left: %v", err)
	}
	if err := r.right.Connect(pr.host()); err != nil {
		t.Fatalf("connect right: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.c.StartBlending(ctx, protocol.BlendingImage, "Projector-R"); !errors.Is(err, pairing.ErrPairingRejected) {
		t.Fatalf("start blending: %v", err)
	}
	if len(pl.blending()) != 0 || len(pr.blending()) != 0 {
		t.Fatal("blending requested after a failed peer connection")
	}
}

func TestBlendingWaitsForSessions(t *testing.T) {
	r := newRig(t)
	pl := newProjector(t, true)
	if err := r.left.Connect(pl.host()); err != nil {
		t.Fatalf("connect left: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := r.c.StartBlending(ctx, protocol.BlendingVideo, "Projector-R"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("start blending without right session: %v", err)
	}
	if len(pl.discoveries()) != 0 {
		t.Fatal("discovery started before both sessions were up")
	}
}
