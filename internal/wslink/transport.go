// Package wslink carries the generic sync protocol over websockets. The
// responder serves /sync and accepts any number of peers; the initiator
// dials one responder once.
package wslink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/link"
)

// ErrUnknownPeer is returned by SendTo for a peer that is not attached.
var ErrUnknownPeer = errors.New("wslink: unknown peer")

type Options struct {
	// ListenAddr is where the responder listens when Open gets no target.
	ListenAddr   string
	Path         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	Keepalive    time.Duration
}

func DefaultOptions() Options {
	return Options{
		ListenAddr:   ":9878",
		Path:         "/sync",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Keepalive:    20 * time.Second,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// Transport satisfies link.Transport, link.Replier and link.Releaser.
type Transport struct {
	opts  Options
	log   *zap.Logger
	state *link.StateCell

	mu       sync.Mutex
	role     link.Role
	inbound  link.InboundFunc
	server   *http.Server
	ln       net.Listener
	peers    map[string]*peerConn
	released bool

	wg sync.WaitGroup
}

var (
	_ link.Transport = (*Transport)(nil)
	_ link.Replier   = (*Transport)(nil)
	_ link.Releaser  = (*Transport)(nil)
)

func New(opts Options, log *zap.Logger) *Transport {
	d := DefaultOptions()
	if opts.Path == "" {
		opts.Path = d.Path
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = d.ListenAddr
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = d.DialTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = d.WriteTimeout
	}
	if opts.Keepalive == 0 {
		opts.Keepalive = d.Keepalive
	}
	return &Transport{
		opts:  opts,
		log:   log,
		state: link.NewStateCell(),
		peers: make(map[string]*peerConn),
	}
}

// Open starts listening as responder, on target if given, or dials target
// once as initiator.
func (t *Transport) Open(role link.Role, target string, inbound link.InboundFunc) error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return link.ErrReleased
	}
	if t.role != link.RoleNone {
		t.mu.Unlock()
		return fmt.Errorf("wslink: already open as %s", t.role)
	}
	t.inbound = inbound
	t.mu.Unlock()

	switch role {
	case link.RoleResponder:
		addr := target
		if addr == "" {
			addr = t.opts.ListenAddr
		}
		return t.listen(addr)
	case link.RoleInitiator:
		return t.dial(target)
	default:
		return link.ErrRoleUnsupported
	}
}

// Addr is the listening address while serving as responder.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Send writes to the responder as initiator and to every peer as responder.
func (t *Transport) Send(payload []byte) error { return t.Broadcast(payload) }

// Broadcast writes payload to every attached peer.
func (t *Transport) Broadcast(payload []byte) error {
	peers := t.snapshot()
	if len(peers) == 0 {
		return link.ErrNotLinked
	}
	var errs []error
	for _, p := range peers {
		if err := p.write(payload, t.opts.WriteTimeout); err != nil {
			t.log.Warn("wslink: write failed", zap.String("peer", p.id), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(peers) {
		return fmt.Errorf("wslink: broadcast: %w", errors.Join(errs...))
	}
	return nil
}

// SendTo writes payload to one peer.
func (t *Transport) SendTo(peer string, payload []byte) error {
	t.mu.Lock()
	p, ok := t.peers[peer]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return p.write(payload, t.opts.WriteTimeout)
}

func (t *Transport) Linked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers) > 0
}

// Peers returns the ids of attached peers, sorted.
func (t *Transport) Peers() []string {
	t.mu.Lock()
	out := make([]string, 0, len(t.peers))
	for id := range t.peers {
		out = append(out, id)
	}
	t.mu.Unlock()
	sort.Strings(out)
	return out
}

func (t *Transport) State() link.State { return t.state.Load() }

func (t *Transport) SubscribeState() (<-chan link.State, func()) { return t.state.Subscribe() }

// Close stops serving, drops every peer and forgets the role.
func (t *Transport) Close() error {
	t.mu.Lock()
	srv := t.server
	t.server, t.ln = nil, nil
	peers := make([]*peerConn, 0, len(t.peers))
	for id, p := range t.peers {
		peers = append(peers, p)
		delete(t.peers, id)
	}
	t.role = link.RoleNone
	t.inbound = nil
	t.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(ctx)
		cancel()
	}
	for _, p := range peers {
		p.close()
	}
	t.wg.Wait()
	t.state.Store(link.StateDisconnected)
	return err
}

func (t *Transport) Release() error {
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return nil
	}
	t.released = true
	t.mu.Unlock()
	t.state.Close()
	return nil
}

// ── responder ─────────────────────────────────────────────────────────────

func (t *Transport) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.state.Store(link.StateError)
		return fmt.Errorf("wslink: listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+t.opts.Path, t.accept)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	t.mu.Lock()
	t.role = link.RoleResponder
	t.server, t.ln = srv, ln
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("wslink: serve", zap.Error(err))
			t.state.Store(link.StateError)
		}
	}()
	// Listening without peers counts as connecting.
	t.state.Store(link.StateConnecting)
	t.log.Info("wslink: listening", zap.String("addr", ln.Addr().String()), zap.String("path", t.opts.Path))
	return nil
}

func (t *Transport) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("wslink: upgrade", zap.Error(err))
		return
	}
	p := &peerConn{id: r.RemoteAddr, conn: conn}
	if !t.attach(p) {
		conn.Close()
		return
	}
	t.serve(p)
}

// ── initiator ─────────────────────────────────────────────────────────────

func (t *Transport) dial(target string) error {
	if target == "" {
		return link.ErrNoTarget
	}
	u := url.URL{Scheme: "ws", Host: target, Path: t.opts.Path}

	t.mu.Lock()
	t.role = link.RoleInitiator
	t.mu.Unlock()
	t.state.Store(link.StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		t.mu.Lock()
		t.role = link.RoleNone
		t.mu.Unlock()
		t.state.Store(link.StateError)
		return fmt.Errorf("wslink: dial %s: %w", u.String(), err)
	}

	p := &peerConn{id: target, conn: conn}
	if !t.attach(p) {
		conn.Close()
		return link.ErrReleased
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.serve(p)
	}()
	return nil
}

// ── sessions ──────────────────────────────────────────────────────────────

func (t *Transport) attach(p *peerConn) bool {
	t.mu.Lock()
	if t.released || t.role == link.RoleNone {
		t.mu.Unlock()
		return false
	}
	t.peers[p.id] = p
	t.mu.Unlock()
	t.state.Store(link.StateConnected)
	t.log.Info("wslink: peer attached", zap.String("peer", p.id))
	return true
}

func (t *Transport) detach(p *peerConn) {
	t.mu.Lock()
	if cur, ok := t.peers[p.id]; ok && cur == p {
		delete(t.peers, p.id)
	}
	remaining := len(t.peers)
	role := t.role
	// An initiator without its responder is closed and may be reopened.
	if remaining == 0 && role == link.RoleInitiator {
		t.role = link.RoleNone
		t.inbound = nil
	}
	t.mu.Unlock()

	switch {
	case remaining > 0:
	case role == link.RoleResponder:
		t.state.Store(link.StateConnecting)
	default:
		t.state.Store(link.StateDisconnected)
	}
	t.log.Info("wslink: peer detached", zap.String("peer", p.id))
}

// serve reads frames from p until the session ends.
func (t *Transport) serve(p *peerConn) {
	defer t.detach(p)
	defer p.close()

	stop := make(chan struct{})
	defer close(stop)
	go t.keepalive(p, stop)

	readWait := 2 * t.opts.Keepalive
	p.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			t.log.Debug("wslink: read", zap.String("peer", p.id), zap.Error(err))
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck
		t.mu.Lock()
		fn := t.inbound
		t.mu.Unlock()
		if fn != nil {
			t.deliver(fn, p.id, data)
		}
	}
}

func (t *Transport) deliver(fn link.InboundFunc, peer string, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("wslink: inbound handler panicked", zap.String("peer", peer), zap.Any("panic", r))
		}
	}()
	fn(peer, data)
}

func (t *Transport) keepalive(p *peerConn, stop <-chan struct{}) {
	ping := time.NewTicker(t.opts.Keepalive)
	defer ping.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ping.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.WriteTimeout)); err != nil {
				p.close()
				return
			}
		}
	}
}

func (t *Transport) snapshot() []*peerConn {
	t.mu.Lock()
	out := make([]*peerConn, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

type peerConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (p *peerConn) write(payload []byte, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(timeout)) //nolint:errcheck
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *peerConn) close() { p.once.Do(func() { p.conn.Close() }) }
