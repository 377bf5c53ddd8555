// Package gateway implements the controller service. It owns the
// short-range link, the optional sync socket, both projector
// remote-control clients, the pairing coordinator, the journal and the
// local API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/api"
	"github.com/geeluba/ai-blending-control-demo/internal/ble"
	"github.com/geeluba/ai-blending-control-demo/internal/config"
	"github.com/geeluba/ai-blending-control-demo/internal/discovery"
	"github.com/geeluba/ai-blending-control-demo/internal/link"
	"github.com/geeluba/ai-blending-control-demo/internal/pairing"
	"github.com/geeluba/ai-blending-control-demo/internal/protocol"
	"github.com/geeluba/ai-blending-control-demo/internal/radiowatch"
	"github.com/geeluba/ai-blending-control-demo/internal/remote"
	"github.com/geeluba/ai-blending-control-demo/internal/store"
	"github.com/geeluba/ai-blending-control-demo/internal/wslink"
)

// Link names used in events and the journal.
const (
	LinkBLE   = "ble"
	LinkSync  = "sync"
	LinkLeft  = "left"
	LinkRight = "right"
	LinkSound = "sound"
)

type Option func(*Gateway)

// WithSoundCodec enables discovery over sound when the configuration asks
// for it. Without a codec discovery stays off.
func WithSoundCodec(c discovery.Codec) Option { return func(g *Gateway) { g.codec = c } }

// Gateway is the central application service.
type Gateway struct {
	cfg   *config.Config
	db    *store.DB
	log   *zap.Logger
	bus   *EventBus
	codec discovery.Codec

	radio    ble.Radio
	ble      *ble.Link
	bleMgr   *link.Manager
	syncT    *wslink.Transport
	sync     *link.Manager
	left     *remote.Client
	right    *remote.Client
	pairing  *pairing.Coordinator
	sound    *discovery.Discoverer
	streams  []io.Closer
	retainer *store.Retainer
	watcher  *radiowatch.Watcher
	server   *http.Server
}

// New constructs a Gateway without starting it.
func New(cfg *config.Config, db *store.DB, radio ble.Radio, log *zap.Logger, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:   cfg,
		db:    db,
		log:   log,
		bus:   newEventBus(),
		radio: radio,
	}
	for _, o := range opts {
		o(g)
	}

	bc := cfg.Bluetooth
	g.ble = ble.New(radio, ble.Options{
		ServiceUUID:       bc.ServiceUUID,
		WriteUUID:         bc.WriteUUID,
		NotifyUUID:        bc.NotifyUUID,
		MTU:               bc.MTU,
		MaxRetries:        bc.MaxRetries,
		RetryDelay:        bc.RetryDelay(),
		SettleDelay:       bc.SettleDelay(),
		ConnectTimeout:    bc.ConnectTimeout(),
		DisconnectTimeout: bc.DisconnectTimeout(),
		PruneInterval:     bc.PruneInterval(),
		Freshness:         bc.Freshness(),
	}, log.Named("ble"))
	g.bleMgr = link.NewManager(LinkBLE, g.ble, log.Named("ble"),
		link.WithTap(g.journal(LinkBLE, protocol.Sync)))

	if cfg.Sync.Enabled {
		g.syncT = wslink.New(wslink.Options{
			ListenAddr: cfg.Sync.ListenAddr,
			Keepalive:  cfg.Remote.Keepalive(),
		}, log.Named("sync"))
		g.sync = link.NewManager(LinkSync, g.syncT, log.Named("sync"),
			link.WithTap(g.journal(LinkSync, protocol.Sync)))
	}

	ro := remote.Options{
		Port:          cfg.Remote.Port,
		Path:          cfg.Remote.Path,
		RetryInterval: cfg.Remote.RetryInterval(),
		Keepalive:     cfg.Remote.Keepalive(),
	}
	g.left = remote.New(LinkLeft, ro, log.Named(LinkLeft), remote.WithTap(g.journal(LinkLeft, protocol.Remote)))
	g.right = remote.New(LinkRight, ro, log.Named(LinkRight), remote.WithTap(g.journal(LinkRight, protocol.Remote)))

	g.pairing = pairing.New(g.ble, g.bleMgr, g.left, g.right, pairing.DefaultOptions(), log.Named("pairing"))

	if err := g.setupSound(); err != nil {
		g.release() //nolint:errcheck
		return nil, err
	}

	g.retainer = store.NewRetainer(db, cfg.Store.Retention(), time.Hour, log.Named("store"))

	if bc.WatchHotplug && bc.Backend == "bluez" {
		g.watcher = radiowatch.New(bc.Adapter, g.onRadioChange, log.Named("radiowatch"))
	}

	router := api.NewRouter(api.Deps{
		BLE:         g.ble,
		BLEManager:  g.bleMgr,
		Sync:        g.sync,
		SyncPeers:   g.syncPeers,
		Left:        g.left,
		Right:       g.right,
		Pairing:     g.pairing,
		Sound:       g.sound,
		DB:          db,
		Subscribe:   g.bus.Subscribe,
		Subscribers: g.bus.Len,
	}, log.Named("api"))

	g.server = &http.Server{
		Addr:              cfg.Gateway.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return g, nil
}

// Bus exposes the event stream.
func (g *Gateway) Bus() *EventBus { return g.bus }

// Start launches all subsystems and blocks until ctx is cancelled.
// Every manager and client is released before it returns.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.cfg.Gateway.ListenAddr)
	if err != nil {
		g.release() //nolint:errcheck
		return fmt.Errorf("gateway: listen %s: %w", g.cfg.Gateway.ListenAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					g.log.Error("gateway: task panicked", zap.String("task", name), zap.Any("panic", p))
				}
			}()
			fn(ctx)
		}()
	}

	g.ingest(ctx, run)
	run("retainer", func(ctx context.Context) {
		g.retainer.Start(ctx) //nolint:errcheck
	})
	if g.sound != nil {
		run("discovery", g.listenForSound)
	}
	if g.watcher != nil {
		g.watcher.Start(ctx) //nolint:errcheck
	}
	if g.sync != nil {
		g.configureSync()
	}

	g.log.Info("gateway: HTTP listening", zap.String("addr", ln.Addr().String()))
	srvErr := make(chan error, 1)
	go func() {
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		g.log.Info("gateway: context cancelled, shutting down")
	case runErr = <-srvErr:
		g.log.Error("gateway: HTTP server failed", zap.Error(runErr))
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	err := multierr.Append(runErr, g.server.Shutdown(shutCtx))

	cancel()
	err = multierr.Append(err, g.release())
	wg.Wait()
	g.bus.Close()
	return err
}

func (g *Gateway) configureSync() {
	role, _ := link.ParseRole(strings.ToUpper(g.cfg.Sync.Role))
	target := g.cfg.Sync.Target
	if role == link.RoleResponder {
		target = g.cfg.Sync.ListenAddr
	}
	if err := g.sync.Configure(role, target); err != nil {
		g.log.Warn("gateway: sync link not started", zap.Error(err))
	}
}

func (g *Gateway) syncPeers() []string {
	if g.syncT == nil {
		return nil
	}
	return g.syncT.Peers()
}

func (g *Gateway) onRadioChange(enabled bool) {
	g.ble.SetRadioEnabled(enabled)
	g.bus.Publish(Event{Type: EventRadio, Link: LinkBLE, Data: map[string]bool{"enabled": enabled}})
}

// release tears every component down and aggregates the errors.
func (g *Gateway) release() error {
	if g.watcher != nil {
		g.watcher.Stop()
	}
	if g.pairing != nil {
		g.pairing.Close()
	}
	var err error
	for _, c := range []*remote.Client{g.left, g.right} {
		if c != nil {
			err = multierr.Append(err, c.Release())
		}
	}
	if g.sync != nil {
		err = multierr.Append(err, g.sync.Release())
	}
	if g.bleMgr != nil {
		err = multierr.Append(err, g.bleMgr.Release())
	}
	for _, s := range g.streams {
		err = multierr.Append(err, s.Close())
	}
	g.streams = nil
	return err
}

// ── discovery over sound ──────────────────────────────────────────────────

func (g *Gateway) setupSound() error {
	dc := g.cfg.Discovery
	if !dc.Enabled {
		return nil
	}
	if g.codec == nil {
		g.log.Warn("gateway: discovery enabled but no sound codec is available, staying off")
		return nil
	}

	var (
		src  discovery.SampleSource
		sink discovery.SampleSink
	)
	if dc.Input != "" {
		// O_RDWR keeps opening a FIFO from blocking until a writer appears.
		f, err := os.OpenFile(dc.Input, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("gateway: open sound input: %w", err)
		}
		g.streams = append(g.streams, f)
		src = discovery.NewPCMSource(f, 0)
	}
	if dc.Output != "" {
		f, err := os.OpenFile(dc.Output, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("gateway: open sound output: %w", err)
		}
		g.streams = append(g.streams, f)
		sink = discovery.NewPCMSink(f)
	}
	g.sound = discovery.New(g.codec, src, sink, discovery.Options{Debounce: dc.Debounce()}, g.log.Named("discovery"))
	return nil
}

func (g *Gateway) listenForSound(ctx context.Context) {
	err := g.sound.Run(ctx, func(text string) {
		g.recordSound(text)
	})
	switch {
	case err == nil, errors.Is(err, discovery.ErrNoSource):
	default:
		g.log.Error("gateway: discovery stopped", zap.Error(err))
	}
}
