// Package bluez drives the host Bluetooth adapter through BlueZ on the
// system D-Bus. It satisfies ble.Radio.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/geeluba/ai-blending-control-demo/internal/ble"
)

const (
	busName          = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattServiceIface = "org.bluez.GattService1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	propsIface       = "org.freedesktop.DBus.Properties"
	propsSignal      = propsIface + ".PropertiesChanged"
	objManagerIface  = "org.freedesktop.DBus.ObjectManager"
	ifacesAdded      = objManagerIface + ".InterfacesAdded"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Radio is one BlueZ adapter, e.g. hci0.
type Radio struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	log         *zap.Logger

	signals chan *dbus.Signal
	power   chan bool
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	found    func(ble.Observation)
	scanUUID string
	scanGen  int
	matching map[dbus.ObjectPath]bool // devices advertising the scanned service
	links    map[dbus.ObjectPath]*Peripheral
	notify   map[dbus.ObjectPath]func([]byte)
}

var _ ble.Radio = (*Radio)(nil)

// Open connects to the system bus and follows adapter, device and
// characteristic property changes below /org/bluez.
func Open(adapter string, log *zap.Logger) (*Radio, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: list bus names: %w", err)
	}
	if !contains(names, busName) {
		conn.Close()
		return nil, errors.New("bluez: org.bluez not on the system bus, is bluetooth.service running?")
	}

	for _, rule := range []string{
		"type='signal',sender='" + busName + "',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'",
		"type='signal',sender='" + busName + "',interface='" + objManagerIface + "',member='InterfacesAdded'",
	} {
		if call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule); call.Err != nil {
			conn.Close()
			return nil, fmt.Errorf("bluez: add match: %w", call.Err)
		}
	}

	r := &Radio{
		conn:        conn,
		adapterPath: adapterObjectPath(adapter),
		log:         log.With(zap.String("adapter", adapter)),
		signals:     make(chan *dbus.Signal, 64),
		power:       make(chan bool, 8),
		closed:      make(chan struct{}),
		matching:    make(map[dbus.ObjectPath]bool),
		links:       make(map[dbus.ObjectPath]*Peripheral),
		notify:      make(map[dbus.ObjectPath]func([]byte)),
	}
	conn.Signal(r.signals)
	go r.dispatch()
	return r, nil
}

// Close stops signal handling and drops the bus connection.
func (r *Radio) Close() error {
	var err error
	r.once.Do(func() {
		close(r.closed)
		r.conn.RemoveSignal(r.signals)
		err = r.conn.Close()
	})
	return err
}

func (r *Radio) Enabled() bool {
	on, err := r.getBool(r.adapterPath, adapterIface, "Powered")
	if err != nil {
		r.log.Warn("bluez: read Powered", zap.Error(err))
		return false
	}
	return on
}

func (r *Radio) PowerEvents() <-chan bool { return r.power }

// StartScan sets an LE discovery filter for serviceUUID, starts discovery,
// reports devices BlueZ already knows and then every advertisement until
// ctx ends.
func (r *Radio) StartScan(ctx context.Context, serviceUUID string, found func(ble.Observation)) error {
	adapter := r.conn.Object(busName, r.adapterPath)
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"UUIDs":     dbus.MakeVariant([]string{serviceUUID}),
	}
	if call := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("bluez: set discovery filter: %w", call.Err)
	}

	r.mu.Lock()
	r.found = found
	r.scanUUID = serviceUUID
	r.matching = make(map[dbus.ObjectPath]bool)
	r.scanGen++
	gen := r.scanGen
	r.mu.Unlock()

	if call := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		r.stopReporting(gen)
		return fmt.Errorf("bluez: start discovery: %w", call.Err)
	}

	objects, err := r.managedObjects()
	if err != nil {
		r.log.Warn("bluez: list known devices", zap.Error(err))
	}
	for path, ifaces := range objects {
		if props, ok := ifaces[deviceIface]; ok && r.underAdapter(path) {
			r.observe(path, props)
		}
	}

	go func() {
		<-ctx.Done()
		r.stopReporting(gen)
	}()
	return nil
}

func (r *Radio) StopScan() error {
	r.stopReporting(-1)
	call := r.conn.Object(busName, r.adapterPath).Call(adapterIface+".StopDiscovery", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: stop discovery: %w", call.Err)
	}
	return nil
}

// stopReporting clears the scan callback if gen is still the current scan.
// A negative gen always clears.
func (r *Radio) stopReporting(gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen < 0 || gen == r.scanGen {
		r.found = nil
	}
}

// Dial asks BlueZ to connect to address. The device must already be known
// to the adapter, typically from a scan.
func (r *Radio) Dial(ctx context.Context, address string) (ble.Peripheral, error) {
	path := deviceObjectPath(r.adapterPath, address)
	call := r.conn.Object(busName, path).CallWithContext(ctx, deviceIface+".Connect", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: connect %s: %w", address, call.Err)
	}

	p := &Peripheral{
		r:       r,
		address: address,
		path:    path,
		done:    make(chan struct{}),
	}
	r.mu.Lock()
	if old, ok := r.links[path]; ok {
		old.markGone()
	}
	r.links[path] = p
	r.mu.Unlock()
	return p, nil
}

// ── signals ───────────────────────────────────────────────────────────────

func (r *Radio) dispatch() {
	for {
		select {
		case <-r.closed:
			return
		case sig, ok := <-r.signals:
			if !ok {
				return
			}
			r.handle(sig)
		}
	}
}

func (r *Radio) handle(sig *dbus.Signal) {
	switch sig.Name {
	case propsSignal:
		iface, changed, ok := parsePropertiesChanged(sig)
		if !ok {
			return
		}
		switch iface {
		case adapterIface:
			if sig.Path != r.adapterPath {
				return
			}
			if on, ok := variantBool(changed, "Powered"); ok {
				select {
				case r.power <- on:
				default:
					r.log.Warn("bluez: power event dropped, consumer is behind", zap.Bool("powered", on))
				}
			}
		case deviceIface:
			r.deviceChanged(sig.Path, changed)
		case gattCharIface:
			v, ok := changed["Value"]
			if !ok {
				return
			}
			b, ok := v.Value().([]byte)
			if !ok {
				return
			}
			r.mu.Lock()
			fn := r.notify[sig.Path]
			r.mu.Unlock()
			if fn != nil {
				fn(b)
			}
		}
	case ifacesAdded:
		path, ifaces, ok := parseInterfacesAdded(sig)
		if !ok || !r.underAdapter(path) {
			return
		}
		if props, ok := ifaces[deviceIface]; ok {
			r.observe(path, props)
		}
	}
}

func (r *Radio) deviceChanged(path dbus.ObjectPath, changed map[string]dbus.Variant) {
	if connected, ok := variantBool(changed, "Connected"); ok && !connected {
		r.mu.Lock()
		p := r.links[path]
		delete(r.links, path)
		r.mu.Unlock()
		if p != nil {
			p.markGone()
		}
	}

	_, rssi := changed["RSSI"]
	_, name := changed["Name"]
	if !rssi && !name {
		return
	}
	r.mu.Lock()
	found := r.found
	known := r.matching[path]
	r.mu.Unlock()
	if found == nil || !known {
		return
	}
	obs := observationFrom(changed)
	obs.Address = addressFromPath(r.adapterPath, path)
	found(obs)
}

// observe reports a device if it advertises the scanned service.
func (r *Radio) observe(path dbus.ObjectPath, props map[string]dbus.Variant) {
	r.mu.Lock()
	found := r.found
	uuid := r.scanUUID
	if found != nil && advertises(props, uuid) {
		r.matching[path] = true
	} else {
		found = nil
	}
	r.mu.Unlock()
	if found == nil {
		return
	}
	obs := observationFrom(props)
	if obs.Address == "" {
		obs.Address = addressFromPath(r.adapterPath, path)
	}
	found(obs)
}

// ── property helpers ──────────────────────────────────────────────────────

func (r *Radio) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := r.conn.Object(busName, path).Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (r *Radio) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := r.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	b, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: %s.%s is %T, not bool", iface, prop, v.Value())
	}
	return b, nil
}

func (r *Radio) managedObjects() (managedObjects, error) {
	var objects managedObjects
	if err := r.conn.Object(busName, "/").Call(objManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", err)
	}
	return objects, nil
}

func (r *Radio) underAdapter(path dbus.ObjectPath) bool {
	return strings.HasPrefix(string(path), string(r.adapterPath)+"/")
}

// ── Peripheral ────────────────────────────────────────────────────────────

// Peripheral is one BlueZ device connection.
type Peripheral struct {
	r       *Radio
	address string
	path    dbus.ObjectPath
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	chars map[string]dbus.ObjectPath // lower-case uuid
	svc   string
}

func (p *Peripheral) Address() string { return p.address }

// DiscoverService waits for BlueZ to resolve services, then indexes the
// characteristics of uuid.
func (p *Peripheral) DiscoverService(ctx context.Context, uuid string) error {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		resolved, err := p.r.getBool(p.path, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("bluez: %s: services not resolved: %w", p.address, ctx.Err())
		case <-p.done:
			return fmt.Errorf("bluez: %s: link lost during discovery", p.address)
		case <-ticker.C:
		}
	}

	objects, err := p.r.managedObjects()
	if err != nil {
		return err
	}
	chars, ok := indexCharacteristics(objects, p.path, uuid)
	if !ok {
		return ble.ErrServiceNotFound
	}
	p.mu.Lock()
	p.chars = chars
	p.svc = strings.ToLower(uuid)
	p.mu.Unlock()
	return nil
}

// RequestMTU reports the MTU BlueZ negotiated on connect, capped at mtu.
// BlueZ offers no call to request a size, so the request is advisory.
func (p *Peripheral) RequestMTU(_ context.Context, mtu int) (int, error) {
	p.mu.Lock()
	var path dbus.ObjectPath
	for _, c := range p.chars {
		path = c
		break
	}
	p.mu.Unlock()
	if path == "" {
		return 0, ble.ErrCharacteristicNotFound
	}
	v, err := p.r.getProp(path, gattCharIface, "MTU")
	if err != nil {
		// Older BlueZ lacks the property; the default ATT MTU applies.
		return min(mtu, 23), nil
	}
	got, ok := v.Value().(uint16)
	if !ok {
		return 0, fmt.Errorf("bluez: MTU is %T", v.Value())
	}
	return min(mtu, int(got)), nil
}

func (p *Peripheral) Characteristic(serviceUUID, uuid string) (ble.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.svc != strings.ToLower(serviceUUID) {
		return nil, ble.ErrServiceNotFound
	}
	path, ok := p.chars[strings.ToLower(uuid)]
	if !ok {
		return nil, ble.ErrCharacteristicNotFound
	}
	return &characteristic{p: p, uuid: uuid, path: path}, nil
}

// Disconnect requests a graceful disconnect. Done closes once BlueZ reports
// Connected=false.
func (p *Peripheral) Disconnect() error {
	call := p.r.conn.Object(busName, p.path).Call(deviceIface+".Disconnect", 0)
	if call.Err != nil {
		return fmt.Errorf("bluez: disconnect %s: %w", p.address, call.Err)
	}
	return nil
}

// Close fires a disconnect without waiting and releases the handle.
func (p *Peripheral) Close() error {
	p.r.conn.Object(busName, p.path).Go(deviceIface+".Disconnect", dbus.FlagNoReplyExpected, nil)
	p.r.mu.Lock()
	if p.r.links[p.path] == p {
		delete(p.r.links, p.path)
	}
	p.r.mu.Unlock()
	p.markGone()
	return nil
}

func (p *Peripheral) Done() <-chan struct{} { return p.done }

func (p *Peripheral) markGone() { p.once.Do(func() { close(p.done) }) }

type characteristic struct {
	p    *Peripheral
	uuid string
	path dbus.ObjectPath
}

func (c *characteristic) UUID() string { return c.uuid }

// Write is a write without response.
func (c *characteristic) Write(data []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	call := c.p.r.conn.Object(busName, c.path).Call(gattCharIface+".WriteValue", 0, data, opts)
	if call.Err != nil {
		return fmt.Errorf("bluez: write %s: %w", c.uuid, call.Err)
	}
	return nil
}

// Subscribe enables notifications. fn runs on the signal goroutine until
// ctx ends or the link is gone.
func (c *characteristic) Subscribe(ctx context.Context, fn func([]byte)) error {
	r := c.p.r
	r.mu.Lock()
	r.notify[c.path] = fn
	r.mu.Unlock()

	if call := r.conn.Object(busName, c.path).CallWithContext(ctx, gattCharIface+".StartNotify", 0); call.Err != nil {
		r.mu.Lock()
		delete(r.notify, c.path)
		r.mu.Unlock()
		return fmt.Errorf("bluez: start notify %s: %w", c.uuid, call.Err)
	}

	go func() {
		gone := false
		select {
		case <-ctx.Done():
		case <-c.p.done:
			gone = true
		case <-r.closed:
			return
		}
		r.mu.Lock()
		delete(r.notify, c.path)
		r.mu.Unlock()
		if !gone {
			r.conn.Object(busName, c.path).Go(gattCharIface+".StopNotify", dbus.FlagNoReplyExpected, nil)
		}
	}()
	return nil
}
