package ble

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/link"
)

// Phase is where one peer is in the connection sequence. A peer that loses
// its link is removed from the table; one whose attempt failed stays in
// PhaseError until the next attempt, Disconnect or Close.
type Phase int

const (
	PhaseConnecting Phase = iota + 1
	PhaseServiceDiscovery
	PhaseMTUNegotiation
	PhaseSubscribed
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseServiceDiscovery:
		return "SERVICE_DISCOVERY"
	case PhaseMTUNegotiation:
		return "MTU_NEGOTIATION"
	case PhaseSubscribed:
		return "SUBSCRIBED"
	case PhaseError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Options tunes the link. Zero fields take the DefaultOptions value.
type Options struct {
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
	MTU         int
	MaxRetries  int

	RetryDelay        time.Duration
	SettleDelay       time.Duration
	ConnectTimeout    time.Duration
	DiscoveryDelay    time.Duration
	MTUDelay          time.Duration
	DisconnectTimeout time.Duration
	PruneInterval     time.Duration
	Freshness         time.Duration

	Now func() time.Time
}

func DefaultOptions() Options {
	return Options{
		ServiceUUID:       ServiceUUID,
		WriteUUID:         WriteUUID,
		NotifyUUID:        NotifyUUID,
		MTU:               185,
		MaxRetries:        3,
		RetryDelay:        time.Second,
		SettleDelay:       600 * time.Millisecond,
		ConnectTimeout:    15 * time.Second,
		DiscoveryDelay:    100 * time.Millisecond,
		MTUDelay:          50 * time.Millisecond,
		DisconnectTimeout: 2500 * time.Millisecond,
		PruneInterval:     time.Second,
		Freshness:         5 * time.Second,
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.WriteUUID == "" {
		o.WriteUUID = d.WriteUUID
	}
	if o.NotifyUUID == "" {
		o.NotifyUUID = d.NotifyUUID
	}
	if o.MTU == 0 {
		o.MTU = d.MTU
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.SettleDelay == 0 {
		o.SettleDelay = d.SettleDelay
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.DiscoveryDelay == 0 {
		o.DiscoveryDelay = d.DiscoveryDelay
	}
	if o.MTUDelay == 0 {
		o.MTUDelay = d.MTUDelay
	}
	if o.DisconnectTimeout == 0 {
		o.DisconnectTimeout = d.DisconnectTimeout
	}
	if o.PruneInterval == 0 {
		o.PruneInterval = d.PruneInterval
	}
	if o.Freshness == 0 {
		o.Freshness = d.Freshness
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// peer is a tracked link from its first raw dial until it is gone.
type peer struct {
	address string
	phase   Phase
	conn    Peripheral
	write   Characteristic
	mtu     int
	since   time.Time
	cancel  context.CancelFunc
	safety  *time.Timer
}

// PeerInfo is the externally visible view of a peer.
type PeerInfo struct {
	Address string    `json:"address"`
	Phase   Phase     `json:"phase"`
	MTU     int       `json:"mtu,omitempty"`
	Since   time.Time `json:"since"`
}

// Link is the short-range link manager. It satisfies link.Transport in the
// initiator role and can hold several subscribed peers at once.
type Link struct {
	radio Radio
	opts  Options
	log   *zap.Logger
	state *link.StateCell
	scans *ScanTable

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	inbound    link.InboundFunc
	peers      map[string]*peer
	attempts   map[string]context.CancelFunc // in-flight connects
	retries    map[string]int
	radioOn    bool
	abandoned  bool
	scanCancel context.CancelFunc
	released   bool

	sendMu    sync.Mutex
	wg        sync.WaitGroup
	powerStop chan struct{}
}

var _ link.Transport = (*Link)(nil)

// New constructs a Link and starts following radio power events.
func New(radio Radio, opts Options, log *zap.Logger) *Link {
	l := &Link{
		radio:     radio,
		opts:      opts.withDefaults(),
		log:       log,
		state:     link.NewStateCell(),
		scans:     NewScanTable(),
		peers:     make(map[string]*peer),
		attempts:  make(map[string]context.CancelFunc),
		retries:   make(map[string]int),
		radioOn:   radio.Enabled(),
		powerStop: make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.refreshState()

	if ch := radio.PowerEvents(); ch != nil {
		go l.followPower(ch)
	}
	return l
}

// ── link.Transport ────────────────────────────────────────────────────────

// Open records the inbound handler and, for an initiator with a target,
// starts connecting to it. The radio has no peripheral role here.
func (l *Link) Open(role link.Role, target string, inbound link.InboundFunc) error {
	if role == link.RoleResponder {
		return link.ErrRoleUnsupported
	}
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return link.ErrReleased
	}
	l.inbound = inbound
	l.mu.Unlock()

	if target == "" {
		return nil
	}
	return l.Connect(target)
}

// Send writes payload to every subscribed peer. Writes are serialized and
// best-effort: a failing peer is logged and skipped.
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	targets := make([]*peer, 0, len(l.peers))
	for _, p := range l.peers {
		if p.phase == PhaseSubscribed && p.write != nil {
			cp := *p
			targets = append(targets, &cp)
		}
	}
	l.mu.Unlock()

	if len(targets) == 0 {
		return link.ErrNotLinked
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].address < targets[j].address })

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	for _, p := range targets {
		if limit := p.mtu - 3; p.mtu > 0 && len(payload) > limit {
			l.log.Warn("ble: payload exceeds negotiated MTU",
				zap.String("addr", p.address), zap.Int("bytes", len(payload)), zap.Int("limit", limit))
		}
		if err := p.write.Write(payload); err != nil {
			l.log.Warn("ble: write failed", zap.String("addr", p.address), zap.Error(err))
		}
	}
	return nil
}

// Broadcast is Send: every subscribed peer already receives every write.
func (l *Link) Broadcast(payload []byte) error { return l.Send(payload) }

func (l *Link) Linked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.linkedLocked()
}

func (l *Link) State() link.State { return l.state.Load() }

func (l *Link) SubscribeState() (<-chan link.State, func()) { return l.state.Subscribe() }

// Close stops scanning, cancels every attempt and retry, and force-closes
// every peer. The link can be used again afterwards.
func (l *Link) Close() error {
	l.mu.Lock()
	l.cancel()
	l.ctx, l.cancel = context.WithCancel(context.Background())
	scanning := l.scanCancel != nil
	l.scanCancel = nil
	conns := l.dropAllLocked()
	l.inbound = nil
	l.abandoned = false
	l.refreshState()
	l.mu.Unlock()

	for _, c := range conns {
		c.Close() //nolint:errcheck
	}
	if scanning {
		if err := l.radio.StopScan(); err != nil {
			l.log.Debug("ble: stop scan", zap.Error(err))
		}
	}
	l.wg.Wait()
	return nil
}

// Release closes the link for good.
func (l *Link) Release() error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	err := l.Close()
	close(l.powerStop)
	l.state.Close()
	return err
}

// ── scanning ──────────────────────────────────────────────────────────────

// StartScan clears previous results and starts discovery plus the pruning
// task. Calling it while scanning does nothing.
func (l *Link) StartScan() error {
	l.mu.Lock()
	switch {
	case l.released:
		l.mu.Unlock()
		return link.ErrReleased
	case !l.radioOn:
		l.mu.Unlock()
		return ErrRadioOff
	case l.scanCancel != nil:
		l.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(l.ctx)
	l.scanCancel = cancel
	l.mu.Unlock()

	l.scans.Reset()
	if err := l.radio.StartScan(ctx, l.opts.ServiceUUID, l.observe); err != nil {
		cancel()
		l.mu.Lock()
		l.scanCancel = nil
		l.mu.Unlock()
		return fmt.Errorf("ble: start scan: %w", err)
	}

	l.wg.Add(1)
	go l.pruneLoop(ctx)
	l.log.Info("ble: scan started", zap.String("service", l.opts.ServiceUUID))
	return nil
}

// StopScan stops discovery and pruning together.
func (l *Link) StopScan() error {
	l.mu.Lock()
	cancel := l.scanCancel
	l.scanCancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	if err := l.radio.StopScan(); err != nil {
		return fmt.Errorf("ble: stop scan: %w", err)
	}
	l.log.Info("ble: scan stopped")
	return nil
}

func (l *Link) Scanning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scanCancel != nil
}

// ScanResults returns the current records sorted by address.
func (l *Link) ScanResults() []ScanRecord { return l.scans.List() }

func (l *Link) observe(o Observation) {
	l.scans.Upsert(ScanRecord{
		Address:  o.Address,
		Name:     o.Name,
		RSSI:     o.RSSI,
		LastSeen: l.opts.Now(),
	})
}

func (l *Link) pruneLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := time.NewTicker(l.opts.PruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}

// Prune drops stale scan records of peers that are not subscribed.
func (l *Link) Prune() []string {
	connected := l.subscribedSet()
	removed := l.scans.Prune(l.opts.Now(), l.opts.Freshness, func(addr string) bool {
		_, ok := connected[addr]
		return ok
	})
	if len(removed) > 0 {
		l.log.Debug("ble: pruned stale devices", zap.Strings("addrs", removed))
	}
	return removed
}

// ── radio power ───────────────────────────────────────────────────────────

func (l *Link) followPower(ch <-chan bool) {
	for {
		select {
		case <-l.powerStop:
			return
		case on, ok := <-ch:
			if !ok {
				return
			}
			l.SetRadioEnabled(on)
		}
	}
}

// SetRadioEnabled applies an adapter power change. Switching off closes
// every tracked link at once and moves to StateOff; switching on moves to
// StateDisconnected without reconnecting anything.
func (l *Link) SetRadioEnabled(on bool) {
	l.mu.Lock()
	if l.radioOn == on {
		l.mu.Unlock()
		return
	}
	l.radioOn = on
	var conns []Peripheral
	var scanCancel context.CancelFunc
	if !on {
		scanCancel = l.scanCancel
		l.scanCancel = nil
		conns = l.dropAllLocked()
		l.abandoned = false
	}
	l.refreshState()
	l.mu.Unlock()

	if scanCancel != nil {
		scanCancel()
	}
	for _, c := range conns {
		c.Close() //nolint:errcheck
	}
	if on {
		l.log.Info("ble: radio on")
	} else {
		l.log.Warn("ble: radio off, all links closed", zap.Int("closed", len(conns)))
	}
}

func (l *Link) RadioEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.radioOn
}

// ── introspection ─────────────────────────────────────────────────────────

// Peers returns every tracked peer sorted by address.
func (l *Link) Peers() []PeerInfo {
	l.mu.Lock()
	out := make([]PeerInfo, 0, len(l.peers))
	for _, p := range l.peers {
		out = append(out, PeerInfo{Address: p.address, Phase: p.phase, MTU: p.mtu, Since: p.since})
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Connected reports whether address is subscribed.
func (l *Link) Connected(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[address]
	return ok && p.phase == PhaseSubscribed
}

// InFlight reports whether a connect attempt for address is running.
func (l *Link) InFlight(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.attempts[address]
	return ok
}

func (l *Link) subscribedSet() map[string]struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]struct{}, len(l.peers))
	for addr, p := range l.peers {
		if p.phase == PhaseSubscribed {
			out[addr] = struct{}{}
		}
	}
	return out
}

// ── internal ──────────────────────────────────────────────────────────────

func (l *Link) linkedLocked() bool {
	for _, p := range l.peers {
		if p.phase == PhaseSubscribed {
			return true
		}
	}
	return false
}

// dropAllLocked cancels every attempt and forgets every peer, returning the
// handles the caller must close outside the lock.
func (l *Link) dropAllLocked() []Peripheral {
	for addr, cancel := range l.attempts {
		cancel()
		delete(l.attempts, addr)
	}
	for addr := range l.retries {
		delete(l.retries, addr)
	}
	conns := make([]Peripheral, 0, len(l.peers))
	for addr, p := range l.peers {
		if p.safety != nil {
			p.safety.Stop()
		}
		p.cancel()
		if p.conn != nil {
			conns = append(conns, p.conn)
		}
		delete(l.peers, addr)
	}
	return conns
}

// refreshState derives the aggregate state. Callers hold l.mu.
func (l *Link) refreshState() {
	var s link.State
	switch {
	case !l.radioOn:
		s = link.StateOff
	case l.linkedLocked():
		s = link.StateConnected
	case len(l.attempts) > 0:
		s = link.StateConnecting
	case l.abandoned:
		s = link.StateError
	default:
		s = link.StateDisconnected
	}
	if l.state.Store(s) {
		l.log.Debug("ble: state", zap.Stringer("state", s))
	}
}
