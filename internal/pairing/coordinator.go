// Package pairing walks a projector pair from BLE discovery to blending:
// each side is assigned a BLE address, reports its Wi-Fi address over the
// sync link, gets a remote-control session, and is finally told to blend.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/ble"
	"github.com/geeluba/ai-blending-control-demo/internal/events"
	"github.com/geeluba/ai-blending-control-demo/internal/link"
	"github.com/geeluba/ai-blending-control-demo/internal/protocol"
)

// WifiRequest is the generic request a projector answers with
// "REQUEST_WIFI_IP:<address>".
const WifiRequest = "REQUEST_WIFI_IP"

// UnknownName stands in when the right projector never advertised a name.
const UnknownName = "Unknown Projector"

var (
	ErrUnknownSide     = errors.New("pairing: side must be left or right")
	ErrNoAddresses     = errors.New("pairing: no projector address known yet")
	ErrNotLinked       = errors.New("pairing: sync link not up")
	ErrPairingRejected = errors.New("pairing: projectors reported a failed peer connection")
)

type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(s)) {
	case SideLeft:
		return SideLeft, nil
	case SideRight:
		return SideRight, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSide, s)
}

// Radio is what the coordinator needs from the BLE link.
type Radio interface {
	Connect(address string) error
	Disconnect(address string)
	ScanResults() []ble.ScanRecord
}

// Dispatcher is what the coordinator needs from the sync link manager.
type Dispatcher interface {
	Role() link.Role
	Configure(role link.Role, target string) error
	DispatchRequest(name string) (string, bool)
	AddListener(l link.Listener)
	RemoveListener(l link.Listener) bool
}

// Projector is what the coordinator needs from a remote-control client.
type Projector interface {
	Connect(host string) error
	Disconnect() error
	State() link.State
	SubscribeState() (<-chan link.State, func())
	Subscribe() (<-chan protocol.Message, func())
	StartDiscovery(targetName string) (string, error)
	BlendingMode(mode protocol.BlendingMode, isController bool) (string, error)
}

// Slot is the known state of one side.
type Slot struct {
	Address string `json:"address,omitempty"`
	IP      string `json:"ip,omitempty"`
}

// Snapshot is the coordinator state at one instant.
type Snapshot struct {
	Left     Slot                  `json:"left"`
	Right    Slot                  `json:"right"`
	Ready    bool                  `json:"ready"`
	Paired   bool                  `json:"paired"`
	Blending protocol.BlendingMode `json:"blending"`
}

type Options struct {
	// DisconnectDelay lets the NONE blending request reach both projectors
	// before their sessions are closed.
	DisconnectDelay time.Duration
}

func DefaultOptions() Options {
	return Options{DisconnectDelay: 300 * time.Millisecond}
}

type Coordinator struct {
	radio    Radio
	sync     Dispatcher
	left     Projector
	right    Projector
	opts     Options
	log      *zap.Logger
	listener link.Listener
	bus      *events.Bus[Snapshot]

	mu    sync.Mutex
	state Snapshot
}

// New registers a sync listener for address reports. Close removes it.
func New(radio Radio, sync Dispatcher, left, right Projector, opts Options, log *zap.Logger) *Coordinator {
	if opts.DisconnectDelay == 0 {
		opts.DisconnectDelay = DefaultOptions().DisconnectDelay
	}
	c := &Coordinator{
		radio: radio,
		sync:  sync,
		left:  left,
		right: right,
		opts:  opts,
		log:   log,
		bus:   events.NewBus[Snapshot](),
		state: Snapshot{Blending: protocol.BlendingNone},
	}
	c.listener = link.NewListener(c.onCommand)
	sync.AddListener(c.listener)
	return c
}

func (c *Coordinator) Close() {
	c.sync.RemoveListener(c.listener)
	c.bus.Close()
}

// Subscribe streams a Snapshot after every change.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) { return c.bus.Subscribe() }

func (c *Coordinator) Sides() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Assign binds address to side and connects to it over BLE. An address
// moves away from the other side if it was assigned there; a changed
// address forgets the side's Wi-Fi address.
func (c *Coordinator) Assign(side Side, address string) error {
	if address == "" {
		return fmt.Errorf("pairing: assign %s: empty address", side)
	}
	c.mu.Lock()
	mine, other := c.slots(side)
	if mine == nil {
		c.mu.Unlock()
		return ErrUnknownSide
	}
	if other.Address == address {
		*other = Slot{}
	}
	if mine.Address != address {
		mine.IP = ""
	}
	mine.Address = address
	c.refreshLocked()
	snap := c.state
	c.mu.Unlock()

	c.log.Info("pairing: assigned", zap.String("side", string(side)), zap.String("addr", address))
	c.bus.Publish(snap)

	// The first assignment brings the sync link up; later ones add peers.
	var err error
	if c.sync.Role() == link.RoleNone {
		err = c.sync.Configure(link.RoleInitiator, address)
	} else {
		err = c.radio.Connect(address)
	}
	if err != nil {
		return fmt.Errorf("pairing: connect %s projector: %w", side, err)
	}
	return nil
}

// Reset disconnects both assigned projectors and forgets them.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	addrs := []string{c.state.Left.Address, c.state.Right.Address}
	c.state = Snapshot{Blending: protocol.BlendingNone}
	snap := c.state
	c.mu.Unlock()

	for _, a := range addrs {
		if a != "" {
			c.radio.Disconnect(a)
		}
	}
	c.bus.Publish(snap)
}

// RequestAddresses asks every linked projector for its Wi-Fi address.
func (c *Coordinator) RequestAddresses() error {
	if _, ok := c.sync.DispatchRequest(WifiRequest); !ok {
		return ErrNotLinked
	}
	c.log.Info("pairing: requested projector addresses")
	return nil
}

func (c *Coordinator) onCommand(command, senderID string) {
	ip, ok := strings.CutPrefix(command, WifiRequest+":")
	if !ok || ip == "" {
		return
	}
	c.mu.Lock()
	var side Side
	switch senderID {
	case c.state.Left.Address:
		c.state.Left.IP, side = ip, SideLeft
	case c.state.Right.Address:
		c.state.Right.IP, side = ip, SideRight
	default:
		c.mu.Unlock()
		c.log.Debug("pairing: address from unassigned peer", zap.String("sender", senderID), zap.String("ip", ip))
		return
	}
	c.refreshLocked()
	snap := c.state
	c.mu.Unlock()

	c.log.Info("pairing: projector address", zap.String("side", string(side)), zap.String("ip", ip))
	c.bus.Publish(snap)
}

// RightName is the advertised name of the right projector.
func (c *Coordinator) RightName() string {
	addr := c.Sides().Right.Address
	for _, r := range c.radio.ScanResults() {
		if r.Address == addr && r.Name != "" {
			return r.Name
		}
	}
	return UnknownName
}

// ConnectProjectors opens remote-control sessions to every side whose
// Wi-Fi address is known.
func (c *Coordinator) ConnectProjectors() error {
	s := c.Sides()
	if s.Left.IP == "" && s.Right.IP == "" {
		return ErrNoAddresses
	}
	var errs []error
	if s.Left.IP != "" {
		errs = append(errs, c.left.Connect(s.Left.IP))
	}
	if s.Right.IP != "" {
		errs = append(errs, c.right.Connect(s.Right.IP))
	}
	return errors.Join(errs...)
}

// DisconnectProjectors closes both remote-control sessions.
func (c *Coordinator) DisconnectProjectors() error {
	err := errors.Join(c.left.Disconnect(), c.right.Disconnect())
	c.mu.Lock()
	c.state.Paired = false
	c.state.Blending = protocol.BlendingNone
	snap := c.state
	c.mu.Unlock()
	c.bus.Publish(snap)
	return err
}

// StartBlending waits for both sessions, has the left projector discover
// and link to rightName, waits for it to confirm, then puts both projectors
// in STANDBY before switching them to mode, left as controller. An empty
// rightName uses RightName.
func (c *Coordinator) StartBlending(ctx context.Context, mode protocol.BlendingMode, rightName string) error {
	if rightName == "" {
		rightName = c.RightName()
	}
	for _, p := range []Projector{c.left, c.right} {
		if err := waitConnected(ctx, p); err != nil {
			return fmt.Errorf("pairing: waiting for projector sessions: %w", err)
		}
	}

	events, unsub := c.left.Subscribe()
	defer unsub()

	if _, err := c.left.StartDiscovery(rightName); err != nil {
		return fmt.Errorf("pairing: start discovery: %w", err)
	}
	c.log.Info("pairing: left projector discovering", zap.String("target", rightName))

	if err := waitPeerDone(ctx, events); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.Paired = true
	c.mu.Unlock()

	steps := []protocol.BlendingMode{protocol.BlendingStandby}
	if mode != protocol.BlendingStandby {
		steps = append(steps, mode)
	}
	for _, m := range steps {
		if _, err := c.left.BlendingMode(m, true); err != nil {
			return fmt.Errorf("pairing: blending mode %s (left): %w", m, err)
		}
		if _, err := c.right.BlendingMode(m, false); err != nil {
			return fmt.Errorf("pairing: blending mode %s (right): %w", m, err)
		}
	}

	c.mu.Lock()
	c.state.Blending = mode
	snap := c.state
	c.mu.Unlock()
	c.bus.Publish(snap)
	c.log.Info("pairing: blending", zap.String("mode", string(mode)))
	return nil
}

// StopBlending tells both projectors to stop blending and closes their
// sessions after DisconnectDelay.
func (c *Coordinator) StopBlending(ctx context.Context) error {
	if _, err := c.left.BlendingMode(protocol.BlendingNone, true); err != nil {
		c.log.Warn("pairing: stop blending (left)", zap.Error(err))
	}
	if _, err := c.right.BlendingMode(protocol.BlendingNone, false); err != nil {
		c.log.Warn("pairing: stop blending (right)", zap.Error(err))
	}

	t := time.NewTimer(c.opts.DisconnectDelay)
	select {
	case <-ctx.Done():
		t.Stop()
	case <-t.C:
	}
	return c.DisconnectProjectors()
}

// ── internal ──────────────────────────────────────────────────────────────

func (c *Coordinator) slots(side Side) (mine, other *Slot) {
	switch side {
	case SideLeft:
		return &c.state.Left, &c.state.Right
	case SideRight:
		return &c.state.Right, &c.state.Left
	}
	return nil, nil
}

func (c *Coordinator) refreshLocked() {
	c.state.Ready = c.state.Left.IP != "" && c.state.Right.IP != ""
}

func waitConnected(ctx context.Context, p Projector) error {
	states, unsub := p.SubscribeState()
	defer unsub()
	if p.State() == link.StateConnected {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-states:
			if !ok {
				return link.ErrReleased
			}
			if s == link.StateConnected {
				return nil
			}
		}
	}
}

func waitPeerDone(ctx context.Context, events <-chan protocol.Message) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing: waiting for peer connection: %w", ctx.Err())
		case m, ok := <-events:
			if !ok {
				return link.ErrReleased
			}
			done, ok := m.(protocol.NotifyPeerConnectionDone)
			if !ok {
				continue
			}
			if !done.Succeeded() {
				return fmt.Errorf("%w: status %v", ErrPairingRejected, done.Status)
			}
			return nil
		}
	}
}
