package ble

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/link"
)

// Connect starts a fresh connection attempt to address with a reset retry
// counter. It does nothing if address is already subscribed or an attempt
// for it is in flight.
func (l *Link) Connect(address string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.released:
		return link.ErrReleased
	case !l.radioOn:
		return ErrRadioOff
	}
	if p, ok := l.peers[address]; ok && p.phase == PhaseSubscribed {
		l.log.Debug("ble: already connected", zap.String("addr", address))
		return nil
	}
	if _, ok := l.attempts[address]; ok {
		l.log.Debug("ble: connect already in flight", zap.String("addr", address))
		return nil
	}

	ctx, cancel := context.WithCancel(l.ctx)
	l.attempts[address] = cancel
	l.retries[address] = 0
	l.abandoned = false
	l.refreshState()

	l.wg.Add(1)
	go l.connectLoop(ctx, address)
	return nil
}

// connectLoop runs attempts for one address until it is subscribed, the
// retry budget is spent or the attempt is cancelled.
func (l *Link) connectLoop(ctx context.Context, address string) {
	defer l.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("ble: connect task panicked", zap.String("addr", address), zap.Any("panic", p))
			l.endAttempt(ctx, address, false)
		}
	}()

	for {
		err := l.attempt(ctx, address)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			l.endAttempt(ctx, address, false)
			return
		}

		l.mu.Lock()
		n := l.retries[address]
		if n >= l.opts.MaxRetries {
			l.mu.Unlock()
			l.log.Error("ble: connect abandoned",
				zap.String("addr", address), zap.Int("retries", n), zap.Error(err))
			l.endAttempt(ctx, address, true)
			return
		}
		l.retries[address] = n + 1
		l.mu.Unlock()

		l.log.Warn("ble: connect failed",
			zap.String("addr", address),
			zap.Int("retry", n+1),
			zap.Duration("retry_in", l.opts.RetryDelay),
			zap.Error(err),
		)
		if sleep(ctx, l.opts.RetryDelay) != nil {
			l.endAttempt(ctx, address, false)
			return
		}
	}
}

// endAttempt removes address from the in-flight set unless a newer attempt
// has replaced it. abandoned also clears the retry counter.
func (l *Link) endAttempt(ctx context.Context, address string, abandoned bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cancel, ok := l.attempts[address]; ok && l.ownsAttempt(ctx) {
		cancel()
		delete(l.attempts, address)
		delete(l.retries, address)
		if abandoned {
			l.abandoned = true
		}
	}
	l.refreshState()
}

// ownsAttempt is false once Close or Disconnect cancelled ctx, in which
// case the in-flight entry already belongs to someone else or is gone.
func (l *Link) ownsAttempt(ctx context.Context) bool { return ctx.Err() == nil }

// attempt performs one settle → dial → negotiate pass.
func (l *Link) attempt(ctx context.Context, address string) error {
	if err := sleep(ctx, l.opts.SettleDelay); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
	defer cancel()

	l.log.Debug("ble: dialing", zap.String("addr", address))
	conn, err := l.radio.Dial(dctx, address)
	if err != nil {
		l.fail(ctx, address, nil)
		return fmt.Errorf("ble: dial %s: %w", address, err)
	}

	session, err := l.track(ctx, address, conn)
	if err != nil {
		conn.Close() //nolint:errcheck
		return err
	}
	if err := l.negotiate(ctx, dctx, session, address, conn); err != nil {
		conn.Close() //nolint:errcheck
		if !l.fail(ctx, address, conn) {
			l.forget(address, conn)
		}
		return err
	}
	return nil
}

// track registers a freshly dialed handle and watches it for loss. The
// returned context lives as long as the peer entry.
func (l *Link) track(ctx context.Context, address string, conn Peripheral) (context.Context, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if old, ok := l.peers[address]; ok && old.conn != nil && old.conn != conn {
		// A stale handle from an earlier session; the new one wins.
		old.cancel()
		old.conn.Close() //nolint:errcheck
	}
	session, cancel := context.WithCancel(l.ctx)
	l.peers[address] = &peer{
		address: address,
		phase:   PhaseConnecting,
		conn:    conn,
		cancel:  cancel,
		since:   l.opts.Now(),
	}
	l.wg.Add(1)
	go l.watch(address, conn)
	return session, nil
}

func (l *Link) watch(address string, conn Peripheral) {
	defer l.wg.Done()
	<-conn.Done()
	l.forget(address, conn)
}

func (l *Link) negotiate(ctx, dctx, session context.Context, address string, conn Peripheral) error {
	if err := sleep(dctx, l.opts.DiscoveryDelay); err != nil {
		return err
	}
	l.setPhase(address, conn, PhaseServiceDiscovery)
	if err := conn.DiscoverService(dctx, l.opts.ServiceUUID); err != nil {
		return fmt.Errorf("ble: %s: discover %s: %w", address, l.opts.ServiceUUID, err)
	}

	if err := sleep(dctx, l.opts.MTUDelay); err != nil {
		return err
	}
	l.setPhase(address, conn, PhaseMTUNegotiation)
	mtu, err := conn.RequestMTU(dctx, l.opts.MTU)
	if err != nil {
		return fmt.Errorf("ble: %s: request mtu %d: %w", address, l.opts.MTU, err)
	}

	write, err := conn.Characteristic(l.opts.ServiceUUID, l.opts.WriteUUID)
	if err != nil {
		return fmt.Errorf("ble: %s: write characteristic: %w", address, err)
	}
	notify, err := conn.Characteristic(l.opts.ServiceUUID, l.opts.NotifyUUID)
	if err != nil {
		return fmt.Errorf("ble: %s: notify characteristic: %w", address, err)
	}
	// The subscription lives as long as the peer entry, not the dial.
	if err := notify.Subscribe(session, func(b []byte) { l.deliver(address, b) }); err != nil {
		return fmt.Errorf("ble: %s: subscribe: %w", address, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.peers[address]
	if ctx.Err() != nil || !ok || p.conn != conn {
		return errors.Join(errors.New("ble: link lost during negotiation"), ctx.Err())
	}
	p.phase = PhaseSubscribed
	p.write = write
	p.mtu = mtu
	p.since = l.opts.Now()
	if cancel, ok := l.attempts[address]; ok {
		cancel()
		delete(l.attempts, address)
	}
	delete(l.retries, address)
	l.refreshState()
	l.log.Info("ble: connected", zap.String("addr", address), zap.Int("mtu", mtu))
	return nil
}

func (l *Link) setPhase(address string, conn Peripheral, phase Phase) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.peers[address]; ok && p.conn == conn {
		p.phase = phase
	}
}

// fail parks address in PhaseError after a failed attempt. conn is the
// attempt's handle, or nil if the dial itself failed; a live entry for a
// different handle is left alone. It reports false if the attempt was
// cancelled and nothing was parked.
func (l *Link) fail(ctx context.Context, address string, conn Peripheral) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	if p, ok := l.peers[address]; ok {
		if p.conn != conn {
			return true
		}
		if p.safety != nil {
			p.safety.Stop()
		}
		p.cancel()
	}
	l.peers[address] = &peer{
		address: address,
		phase:   PhaseError,
		cancel:  func() {},
		since:   l.opts.Now(),
	}
	l.refreshState()
	return true
}

// forget removes the peer entry for conn, if it is still the current one.
func (l *Link) forget(address string, conn Peripheral) {
	l.mu.Lock()
	p, ok := l.peers[address]
	if !ok || p.conn != conn {
		l.mu.Unlock()
		return
	}
	if p.safety != nil {
		p.safety.Stop()
	}
	p.cancel()
	wasLinked := p.phase == PhaseSubscribed
	delete(l.peers, address)
	l.refreshState()
	l.mu.Unlock()

	if wasLinked {
		l.log.Info("ble: disconnected", zap.String("addr", address))
	}
}

// Disconnect asks address to close gracefully. If the stack has not
// reported the close within DisconnectTimeout the link is force-closed.
// An in-flight attempt for address is cancelled instead.
func (l *Link) Disconnect(address string) {
	l.mu.Lock()
	if cancel, ok := l.attempts[address]; ok {
		cancel()
		delete(l.attempts, address)
		delete(l.retries, address)
	}
	p, ok := l.peers[address]
	if !ok || p.conn == nil {
		if ok && p.phase == PhaseError {
			delete(l.peers, address)
		}
		l.refreshState()
		l.mu.Unlock()
		return
	}
	conn := p.conn
	if p.safety == nil {
		p.safety = time.AfterFunc(l.opts.DisconnectTimeout, func() {
			l.log.Warn("ble: disconnect not confirmed, forcing close",
				zap.String("addr", address), zap.Duration("timeout", l.opts.DisconnectTimeout))
			conn.Close() //nolint:errcheck
			l.forget(address, conn)
		})
	}
	l.refreshState()
	l.mu.Unlock()

	if err := conn.Disconnect(); err != nil {
		l.log.Warn("ble: graceful disconnect failed", zap.String("addr", address), zap.Error(err))
		conn.Close() //nolint:errcheck
		l.forget(address, conn)
	}
}

// deliver hands a notification to the manager tagged with its sender.
func (l *Link) deliver(address string, b []byte) {
	l.mu.Lock()
	fn := l.inbound
	l.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("ble: inbound handler panicked", zap.String("addr", address), zap.Any("panic", p))
		}
	}()
	fn(address, append([]byte(nil), b...))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
