// Package remote is the websocket client for a projector's remote-control
// endpoint. Once told to connect it keeps retrying until Disconnect.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/events"
	"github.com/geeluba/ai-blending-control-demo/internal/link"
	"github.com/geeluba/ai-blending-control-demo/internal/protocol"
)

// ErrNotConnected is returned by Send while no session is live. The message
// is dropped, not queued.
var ErrNotConnected = errors.New("remote: not connected")

type Options struct {
	Port          int
	Path          string
	RetryInterval time.Duration
	Keepalive     time.Duration
	DialTimeout   time.Duration
	WriteTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		Port:          9877,
		Path:          "/remote",
		RetryInterval: 5 * time.Second,
		Keepalive:     20 * time.Second,
		DialTimeout:   5 * time.Second,
		WriteTimeout:  10 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Port == 0 {
		o.Port = d.Port
	}
	if o.Path == "" {
		o.Path = d.Path
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = d.RetryInterval
	}
	if o.Keepalive == 0 {
		o.Keepalive = d.Keepalive
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = d.DialTimeout
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	return o
}

type Option func(*Client)

// WithTap observes every message sent or received.
func WithTap(fn link.Tap) Option { return func(c *Client) { c.tap = fn } }

// Client talks to one projector at a time.
type Client struct {
	name   string
	opts   Options
	log    *zap.Logger
	dialer *websocket.Dialer
	state  *link.StateCell
	events *events.Bus[protocol.Message]
	ids    protocol.RequestIDs
	tap    link.Tap

	mu       sync.Mutex
	host     string
	cancel   context.CancelFunc
	done     chan struct{}
	conn     *websocket.Conn
	released bool

	sendMu sync.Mutex
}

// New returns an idle client. name tags its logs and journal rows.
func New(name string, opts Options, log *zap.Logger, options ...Option) *Client {
	opts = opts.withDefaults()
	c := &Client{
		name:   name,
		opts:   opts,
		log:    log.With(zap.String("link", name)),
		dialer: &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
		state:  link.NewStateCell(),
		events: events.NewBus[protocol.Message](),
	}
	for _, o := range options {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Host returns the host the retry loop targets, or "" when idle.
func (c *Client) Host() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

func (c *Client) State() link.State { return c.state.Load() }

func (c *Client) SubscribeState() (<-chan link.State, func()) { return c.state.Subscribe() }

// Subscribe returns every decoded inbound message. Call the returned func
// to unsubscribe.
func (c *Client) Subscribe() (<-chan protocol.Message, func()) { return c.events.Subscribe() }

// Connect starts the retry loop for host. If a loop is already running, for
// any host, it does nothing.
func (c *Client) Connect(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return link.ErrReleased
	}
	if c.cancel != nil {
		c.log.Debug("remote: already connecting, ignored",
			zap.String("host", c.host), zap.String("requested", host))
		return nil
	}
	u, err := endpoint(host, c.opts.Port, c.opts.Path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.host = host
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state.Store(link.StateConnecting)
	go c.run(ctx, u, c.done)
	return nil
}

// Disconnect cancels the retry loop, closes the live session and waits for
// the loop to exit. It is the only thing that stops retrying.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel, c.done, c.host = nil, nil, ""
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if conn != nil {
		conn.Close() //nolint:errcheck
	}
	<-done
	c.state.Store(link.StateDisconnected)
	c.log.Info("remote: disconnected")
	return nil
}

// Release disconnects and closes the event streams for good.
func (c *Client) Release() error {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.mu.Unlock()

	err := c.Disconnect()
	c.events.Close()
	c.state.Close()
	return err
}

// Send encodes msg and writes it to the live session. Without one the
// message is dropped with a warning. A failed write closes the session so
// the retry loop takes over.
func (c *Client) Send(msg protocol.Message) error {
	payload, err := protocol.Remote.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.log.Warn("remote: not connected, message dropped", zap.String("type", msg.MessageType()))
		return ErrNotConnected
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)) //nolint:errcheck
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("remote: write failed, closing session", zap.Error(err))
		conn.Close() //nolint:errcheck
		return fmt.Errorf("remote: send %s: %w", msg.MessageType(), err)
	}
	if c.tap != nil {
		c.tap(link.Outbound, c.Host(), msg)
	}
	return nil
}

// Request stamps req with a fresh request id, sends it and returns the id.
// The matching response arrives on the event stream.
func (c *Client) Request(req protocol.Request) (string, error) {
	msg, id := c.ids.Stamp(req)
	if err := c.Send(msg); err != nil {
		return "", err
	}
	return id, nil
}

// ── retry loop ────────────────────────────────────────────────────────────

func (c *Client) run(ctx context.Context, u string, done chan struct{}) {
	defer close(done)
	defer func() {
		if p := recover(); p != nil {
			c.log.Error("remote: connection loop panicked", zap.Any("panic", p))
			c.state.Store(link.StateError)
		}
	}()

	for {
		c.state.Store(link.StateConnecting)
		conn, _, err := c.dialer.DialContext(ctx, u, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.state.Store(link.StateError)
			c.log.Warn("remote: dial failed",
				zap.String("url", u),
				zap.Duration("retry_in", c.opts.RetryInterval),
				zap.Error(err),
			)
		} else {
			c.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			c.state.Store(link.StateDisconnected)
			c.log.Info("remote: session ended, reconnecting",
				zap.Duration("retry_in", c.opts.RetryInterval))
		}

		t := time.NewTimer(c.opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// serve owns one session until it ends.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		conn.Close() //nolint:errcheck
		return
	}
	c.conn = conn
	host := c.host
	c.mu.Unlock()

	c.state.Store(link.StateConnected)
	c.log.Info("remote: connected", zap.String("host", host))

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close() //nolint:errcheck
	}()

	go c.keepalive(ctx, conn, stop)

	readWait := 2 * c.opts.Keepalive
	conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("remote: read", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck
		msg, err := protocol.Remote.Decode(data)
		if err != nil {
			c.log.Warn("remote: dropping undecodable frame",
				zap.ByteString("payload", data), zap.Error(err))
			continue
		}
		if c.tap != nil {
			c.tap(link.Inbound, host, msg)
		}
		c.events.Publish(msg)
	}
}

func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close() //nolint:errcheck
			return
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("remote: ping failed", zap.Error(err))
				conn.Close() //nolint:errcheck
				return
			}
		}
	}
}

// endpoint builds ws://host:port/path. A host that already carries a port
// keeps it.
func endpoint(host string, port int, path string) (string, error) {
	if host == "" {
		return "", fmt.Errorf("remote: %w", link.ErrNoTarget)
	}
	hostport := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		hostport = net.JoinHostPort(host, strconv.Itoa(port))
	}
	u := url.URL{Scheme: "ws", Host: hostport, Path: path}
	return u.String(), nil
}
