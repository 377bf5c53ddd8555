package link

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/protocol"
)

// Direction tags journal entries.
type Direction string

const (
	Inbound  Direction = "in"
	Outbound Direction = "out"
)

// Tap observes every message the manager decodes or sends.
type Tap func(dir Direction, peer string, msg protocol.Message)

// DomainHandler receives decoded messages that are not generic sync traffic.
type DomainHandler func(senderID string, msg protocol.Message)

type Option func(*Manager)

// WithCodec replaces the default protocol.Sync codec.
func WithCodec(c *protocol.Codec) Option { return func(m *Manager) { m.codec = c } }

// WithDomainHandler routes non-generic inbound messages to fn.
func WithDomainHandler(fn DomainHandler) Option { return func(m *Manager) { m.domain = fn } }

// WithTap installs a traffic observer.
func WithTap(fn Tap) Option { return func(m *Manager) { m.tap = fn } }

// Manager drives one Transport: it owns the role, encodes outbound generic
// traffic and routes decoded inbound traffic to listeners.
type Manager struct {
	name      string
	transport Transport
	codec     *protocol.Codec
	ids       protocol.RequestIDs
	listeners *Registry
	domain    DomainHandler
	tap       Tap
	log       *zap.Logger

	mu       sync.Mutex
	role     Role
	target   string
	released bool
}

// NewManager wraps t. name identifies the link in logs and journal rows.
func NewManager(name string, t Transport, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		name:      name,
		transport: t,
		codec:     protocol.Sync,
		log:       log.With(zap.String("link", name)),
	}
	m.listeners = NewRegistry(m.log)
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Name() string { return m.name }

func (m *Manager) Role() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *Manager) Target() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.target
}

func (m *Manager) State() State { return m.transport.State() }

func (m *Manager) SubscribeState() (<-chan State, func()) { return m.transport.SubscribeState() }

// Configure selects a role and starts the transport. While the link is
// connecting or connected it does nothing; call Teardown first to switch.
func (m *Manager) Configure(role Role, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.released {
		return ErrReleased
	}
	if role == RoleNone {
		m.role, m.target = RoleNone, ""
		return nil
	}
	if role == RoleInitiator && target == "" {
		return ErrNoTarget
	}
	if st := m.transport.State(); st == StateConnecting || st == StateConnected {
		m.log.Debug("link: already active, configure ignored",
			zap.Stringer("state", st),
			zap.Stringer("role", role),
			zap.String("target", target),
		)
		return nil
	}

	if err := m.transport.Open(role, target, m.HandleInbound); err != nil {
		return fmt.Errorf("link: %s: open as %s: %w", m.name, role, err)
	}
	m.role, m.target = role, target
	m.log.Info("link: configured", zap.Stringer("role", role), zap.String("target", target))
	return nil
}

// DispatchCommand sends a GeneralCommand. An initiator sends to its linked
// peer, a responder broadcasts to every attached peer. Without a role or a
// link the command is logged and dropped; the return value says whether it
// reached the transport.
func (m *Manager) DispatchCommand(name string) bool {
	msg := protocol.GeneralCommand{Command: name}
	switch m.Role() {
	case RoleInitiator:
		if !m.transport.Linked() {
			m.log.Warn("link: not linked, command dropped", zap.String("command", name))
			return false
		}
		return m.write(msg, m.transport.Send)
	case RoleResponder:
		return m.write(msg, m.transport.Broadcast)
	default:
		m.log.Warn("link: no role configured, command dropped", zap.String("command", name))
		return false
	}
}

// DispatchRequest sends a GeneralRequest stamped with a fresh request id.
// Only an initiator may issue requests.
func (m *Manager) DispatchRequest(name string) (requestID string, ok bool) {
	if role := m.Role(); role != RoleInitiator {
		m.log.Warn("link: requests need the initiator role, dropped",
			zap.String("command", name), zap.Stringer("role", role))
		return "", false
	}
	if !m.transport.Linked() {
		m.log.Warn("link: not linked, request dropped", zap.String("command", name))
		return "", false
	}
	id := m.ids.Next()
	if !m.write(protocol.GeneralRequest{Command: name, RequestID: id}, m.transport.Send) {
		return "", false
	}
	return id, true
}

// Respond answers a request from peer. It needs a transport that can
// address single peers.
func (m *Manager) Respond(peer, command, value, requestID string) error {
	r, ok := m.transport.(Replier)
	if !ok {
		return fmt.Errorf("link: %s: %w", m.name, ErrRoleUnsupported)
	}
	msg := protocol.GeneralResponse{Command: command, Value: value, RequestID: requestID}
	payload, err := m.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := r.SendTo(peer, payload); err != nil {
		return fmt.Errorf("link: %s: respond to %s: %w", m.name, peer, err)
	}
	m.observe(Outbound, peer, msg)
	return nil
}

func (m *Manager) AddListener(l Listener) { m.listeners.Add(l) }

func (m *Manager) RemoveListener(l Listener) bool { return m.listeners.Remove(l) }

func (m *Manager) ListenerCount() int { return m.listeners.Len() }

// HandleInbound decodes one frame and routes it. Undecodable frames are
// logged and dropped.
func (m *Manager) HandleInbound(senderID string, payload []byte) {
	msg, err := m.codec.Decode(payload)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			m.log.Warn("link: dropping undecodable frame",
				zap.String("sender", senderID),
				zap.ByteString("payload", de.Payload),
				zap.Error(err),
			)
		}
		return
	}
	m.observe(Inbound, senderID, msg)

	if text, ok := protocol.Text(msg); ok {
		m.listeners.Broadcast(text, senderID)
		return
	}
	if m.domain != nil {
		m.domain(senderID, msg)
		return
	}
	m.log.Debug("link: no handler for message",
		zap.String("sender", senderID), zap.String("type", msg.MessageType()))
}

// Teardown stops the transport and forgets the role. Listeners survive so
// the manager can be configured again.
func (m *Manager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.released {
		return ErrReleased
	}
	m.role, m.target = RoleNone, ""
	if err := m.transport.Close(); err != nil {
		return fmt.Errorf("link: %s: teardown: %w", m.name, err)
	}
	m.log.Info("link: torn down")
	return nil
}

// Release tears down, drops every listener and frees the transport. The
// manager cannot be used afterwards.
func (m *Manager) Release() error {
	m.mu.Lock()
	if m.released {
		m.mu.Unlock()
		return nil
	}
	m.released = true
	m.role, m.target = RoleNone, ""
	m.mu.Unlock()

	err := m.transport.Close()
	if r, ok := m.transport.(Releaser); ok {
		err = multierr.Append(err, r.Release())
	}
	m.listeners.Clear()
	m.log.Info("link: released")
	return err
}

func (m *Manager) write(msg protocol.Message, send func([]byte) error) bool {
	payload, err := m.codec.Encode(msg)
	if err != nil {
		m.log.Error("link: encode", zap.Error(err))
		return false
	}
	if err := send(payload); err != nil {
		m.log.Warn("link: send failed",
			zap.String("type", msg.MessageType()), zap.Error(err))
		return false
	}
	m.observe(Outbound, m.Target(), msg)
	return true
}

func (m *Manager) observe(dir Direction, peer string, msg protocol.Message) {
	if m.tap != nil {
		m.tap(dir, peer, msg)
	}
}
