package link_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/geeluba/ai-blending-control-demo/internal/link"
	"github.com/geeluba/ai-blending-control-demo/internal/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	cell      *link.StateCell
	opens     int
	role      link.Role
	target    string
	inbound   link.InboundFunc
	linked    bool
	sent      [][]byte
	broadcast [][]byte
	replies   map[string][]byte
	closes    int
	releases  int
	openErr   error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{cell: link.NewStateCell(), replies: make(map[string][]byte)}
}

func (f *fakeTransport) Open(role link.Role, target string, inbound link.InboundFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opens++
	f.role, f.target, f.inbound = role, target, inbound
	f.cell.Store(link.StateConnecting)
	return nil
}

func (f *fakeTransport) Send(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, p)
	return nil
}

func (f *fakeTransport) Broadcast(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, p)
	return nil
}

func (f *fakeTransport) SendTo(peer string, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[peer] = p
	return nil
}

func (f *fakeTransport) Linked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.linked
}

func (f *fakeTransport) State() link.State { return f.cell.Load() }

func (f *fakeTransport) SubscribeState() (<-chan link.State, func()) { return f.cell.Subscribe() }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closes++
	f.linked = false
	f.mu.Unlock()
	f.cell.Store(link.StateDisconnected)
	return nil
}

func (f *fakeTransport) Release() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeTransport) markLinked() {
	f.mu.Lock()
	f.linked = true
	f.mu.Unlock()
	f.cell.Store(link.StateConnected)
}

type recorder struct {
	mu  sync.Mutex
	got []string
}

func (r *recorder) OnCommand(command, senderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, command+"@"+senderID)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestConfigureGuardsActiveLink(t *testing.T) {
	tr := newFakeTransport()
	m := link.NewManager("ble", tr, zap.NewNop())

	if err := m.Configure(link.RoleInitiator, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := m.Configure(link.RoleInitiator, "AA:BB:CC:DD:EE:FF"); err != nil {
		t.Fatalf("second configure: %v", err)
	}
	tr.markLinked()
	if err := m.Configure(link.RoleResponder, ""); err != nil {
		t.Fatalf("configure while connected: %v", err)
	}
	if tr.opens != 1 {
		t.Fatalf("transport opened %d times, want 1", tr.opens)
	}
	if m.Role() != link.RoleInitiator {
		t.Fatalf("role = %s", m.Role())
	}

	if err := m.Teardown(); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := m.Configure(link.RoleResponder, ""); err != nil {
		t.Fatalf("configure after teardown: %v", err)
	}
	if tr.opens != 2 || m.Role() != link.RoleResponder {
		t.Fatalf("opens=%d role=%s after reconfigure", tr.opens, m.Role())
	}
}

func TestConfigureErrors(t *testing.T) {
	tr := newFakeTransport()
	m := link.NewManager("ble", tr, zap.NewNop())
	if err := m.Configure(link.RoleInitiator, ""); !errors.Is(err, link.ErrNoTarget) {
		t.Fatalf("expected ErrNoTarget, got %v", err)
	}
	tr.openErr = link.ErrRoleUnsupported
	if err := m.Configure(link.RoleResponder, ""); !errors.Is(err, link.ErrRoleUnsupported) {
		t.Fatalf("expected ErrRoleUnsupported, got %v", err)
	}
	if m.Role() != link.RoleNone {
		t.Fatalf("role set despite failed open: %s", m.Role())
	}
}

func TestDispatchCommandByRole(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tr := newFakeTransport()
	m := link.NewManager("ble", tr, zap.New(core))

	if m.DispatchCommand("PLAY") {
		t.Fatal("command sent without a role")
	}
	if logs.FilterMessage("link: no role configured, command dropped").Len() != 1 {
		t.Fatal("missing drop warning")
	}

	if err := m.Configure(link.RoleInitiator, "peer"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if m.DispatchCommand("PLAY") {
		t.Fatal("command sent before link-up")
	}
	tr.markLinked()
	if !m.DispatchCommand("PLAY") {
		t.Fatal("command not sent while linked")
	}
	if len(tr.sent) != 1 || string(tr.sent[0]) != `{"type":"GeneralCommand","command":"PLAY"}` {
		t.Fatalf("sent %q", tr.sent)
	}

	if err := m.Teardown(); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if err := m.Configure(link.RoleResponder, ""); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if !m.DispatchCommand("PAUSE") {
		t.Fatal("responder broadcast failed")
	}
	if len(tr.broadcast) != 1 {
		t.Fatalf("broadcast %d frames", len(tr.broadcast))
	}
}

func TestDispatchRequest(t *testing.T) {
	tr := newFakeTransport()
	m := link.NewManager("ble", tr, zap.NewNop())

	if _, ok := m.DispatchRequest("REQUEST_WIFI_IP"); ok {
		t.Fatal("request sent without initiator role")
	}
	if err := m.Configure(link.RoleInitiator, "peer"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	tr.markLinked()
	first, ok := m.DispatchRequest("REQUEST_WIFI_IP")
	if !ok {
		t.Fatal("request dropped")
	}
	second, _ := m.DispatchRequest("REQUEST_WIFI_IP")
	if first == second {
		t.Fatalf("request ids repeat: %s", first)
	}
	msg, err := protocol.Sync.Decode(tr.sent[0])
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	if msg != (protocol.GeneralRequest{Command: "REQUEST_WIFI_IP", RequestID: first}) {
		t.Fatalf("sent %#v", msg)
	}
}

func TestInboundRouting(t *testing.T) {
	var (
		mu     sync.Mutex
		domain []protocol.Message
		tapped []link.Direction
	)
	codec := protocol.Sync
	tr := newFakeTransport()
	m := link.NewManager("ble", tr, zap.NewNop(),
		link.WithCodec(codec),
		link.WithDomainHandler(func(_ string, msg protocol.Message) {
			mu.Lock()
			domain = append(domain, msg)
			mu.Unlock()
		}),
		link.WithTap(func(dir link.Direction, _ string, _ protocol.Message) {
			mu.Lock()
			tapped = append(tapped, dir)
			mu.Unlock()
		}),
	)
	rec := &recorder{}
	m.AddListener(rec)
	m.AddListener(rec)
	if m.ListenerCount() != 1 {
		t.Fatalf("duplicate listener registered")
	}

	m.HandleInbound("AA:AA", []byte(`{"type":"GeneralResponse","command":"REQUEST_WIFI_IP","value":"10.0.0.7"}`))
	m.HandleInbound("AA:AA", []byte(`{"type":`))
	m.HandleInbound("BB:BB", []byte(`{"type":"GeneralCommand","command":"PLAY","future":true}`))

	want := []string{"REQUEST_WIFI_IP:10.0.0.7@AA:AA", "PLAY@BB:BB"}
	got := rec.events()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("listener got %v, want %v", got, want)
	}
	if len(domain) != 0 {
		t.Fatalf("generic traffic reached the domain handler: %v", domain)
	}
	if len(tapped) != 2 || tapped[0] != link.Inbound {
		t.Fatalf("tap saw %v", tapped)
	}
}

func TestDomainHandlerGetsNonGenericMessages(t *testing.T) {
	got := make(chan protocol.Message, 1)
	m := link.NewManager("sync", newFakeTransport(), zap.NewNop(),
		link.WithCodec(protocol.Remote),
		link.WithDomainHandler(func(_ string, msg protocol.Message) { got <- msg }),
	)
	m.HandleInbound("peer", []byte(`{"commandType":"NotifyImageIndex","currentIndex":4}`))
	select {
	case msg := <-got:
		if msg != (protocol.NotifyImageIndex{CurrentIndex: 4}) {
			t.Fatalf("got %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("domain handler not called")
	}
}

func TestRespond(t *testing.T) {
	tr := newFakeTransport()
	m := link.NewManager("sync", tr, zap.NewNop())
	if err := m.Respond("peer-1", "REQUEST_WIFI_IP", "10.0.0.9", "4"); err != nil {
		t.Fatalf("respond: %v", err)
	}
	want := `{"type":"GeneralResponse","command":"REQUEST_WIFI_IP","value":"10.0.0.9","requestId":"4"}`
	if string(tr.replies["peer-1"]) != want {
		t.Fatalf("reply %s", tr.replies["peer-1"])
	}
}

func TestTeardownKeepsListenersReleaseClears(t *testing.T) {
	tr := newFakeTransport()
	m := link.NewManager("ble", tr, zap.NewNop())
	rec := &recorder{}
	m.AddListener(rec)

	if err := m.Teardown(); err != nil {
		t.Fatalf("teardown: %v", err)
	}
	if m.ListenerCount() != 1 {
		t.Fatal("teardown dropped listeners")
	}
	if m.State() != link.StateDisconnected {
		t.Fatalf("state after teardown = %s", m.State())
	}

	if err := m.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if m.ListenerCount() != 0 {
		t.Fatal("release kept listeners")
	}
	if tr.releases != 1 {
		t.Fatalf("transport released %d times", tr.releases)
	}
	if err := m.Configure(link.RoleInitiator, "x"); !errors.Is(err, link.ErrReleased) {
		t.Fatalf("configure after release: %v", err)
	}
	if err := m.Teardown(); !errors.Is(err, link.ErrReleased) {
		t.Fatalf("teardown after release: %v", err)
	}
}

func TestStateCellPublishesChanges(t *testing.T) {
	cell := link.NewStateCell()
	defer cell.Close()
	ch, unsub := cell.Subscribe()
	defer unsub()

	if cell.Store(link.StateDisconnected) {
		t.Fatal("storing the current value reported a change")
	}
	cell.Store(link.StateConnecting)
	cell.Store(link.StateConnected)
	cell.Store(link.StateOff)
	for _, want := range []link.State{link.StateConnecting, link.StateConnected, link.StateOff} {
		select {
		case got := <-ch:
			if got != want {
				t.Fatalf("got %s want %s", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", want)
		}
	}
}
