// Package radiowatch follows Bluetooth adapter hotplug and rfkill changes
// through udev netlink events and reports them as radio on/off.
package radiowatch

import (
	"context"
	"path"
	"sync"

	"github.com/pilebones/go-udev/netlink"
	"go.uber.org/zap"
)

// Watcher listens for kernel uevents about one Bluetooth adapter.
type Watcher struct {
	adapter  string
	log      *zap.Logger
	onChange func(enabled bool)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// New watches adapter (for example "hci0"); an empty adapter accepts
// events for any controller. onChange runs on the watcher goroutine.
func New(adapter string, onChange func(enabled bool), log *zap.Logger) *Watcher {
	return &Watcher{adapter: adapter, log: log, onChange: onChange}
}

// Start opens the netlink socket. Failing to open it is not fatal: the
// radio backend still reports power changes it sees itself.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		w.log.Warn("radiowatch: netlink unavailable, hotplug not followed", zap.Error(err))
		return nil
	}
	w.conn = conn
	w.quit = make(chan struct{})
	w.running = true

	go w.loop(ctx, conn, w.quit)
	w.log.Info("radiowatch: started", zap.String("adapter", w.adapter))
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	close(w.quit)
	w.conn.Close() //nolint:errcheck
	w.conn, w.quit, w.running = nil, nil, false
	w.log.Info("radiowatch: stopped")
}

func (w *Watcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, matcher())
	defer close(monitorQuit)

	for {
		select {
		case <-ctx.Done():
			return
		case <-quit:
			return
		case ev := <-queue:
			w.handle(ev)
		case err := <-errs:
			w.log.Warn("radiowatch: monitor error", zap.Error(err))
		}
	}
}

func (w *Watcher) handle(ev netlink.UEvent) {
	name, enabled, ok := radioState(ev)
	if !ok {
		return
	}
	if w.adapter != "" && name != w.adapter {
		w.log.Debug("radiowatch: other adapter", zap.String("adapter", name))
		return
	}
	w.log.Info("radiowatch: radio changed",
		zap.String("adapter", name),
		zap.String("action", string(ev.Action)),
		zap.Bool("enabled", enabled),
	)
	if w.onChange != nil {
		w.onChange(enabled)
	}
}

// matcher accepts controller hotplug and rfkill switch changes.
func matcher() netlink.Matcher {
	hotplug := "add|remove"
	switched := "change"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &hotplug,
		Env:    map[string]string{"SUBSYSTEM": "bluetooth", "DEVTYPE": "host"},
	})
	rules.AddRule(netlink.RuleDefinition{
		Action: &switched,
		Env:    map[string]string{"SUBSYSTEM": "rfkill", "RFKILL_TYPE": "bluetooth"},
	})
	return rules
}

// radioState maps a uevent to the adapter it concerns and its new power
// state. An rfkill state of 1 is unblocked; 0 and 2 are soft and hard
// blocked.
func radioState(ev netlink.UEvent) (adapter string, enabled, ok bool) {
	switch ev.Env["SUBSYSTEM"] {
	case "bluetooth":
		if ev.Env["DEVTYPE"] != "host" {
			return "", false, false
		}
		adapter = path.Base(ev.Env["DEVPATH"])
		switch ev.Action {
		case netlink.ADD:
			return adapter, true, true
		case netlink.REMOVE:
			return adapter, false, true
		}
	case "rfkill":
		if ev.Env["RFKILL_TYPE"] != "bluetooth" || ev.Action != netlink.CHANGE {
			return "", false, false
		}
		switch ev.Env["RFKILL_STATE"] {
		case "1":
			return ev.Env["RFKILL_NAME"], true, true
		case "0", "2":
			return ev.Env["RFKILL_NAME"], false, true
		}
	}
	return "", false, false
}
