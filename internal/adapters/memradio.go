// Package adapters holds infrastructure stand-ins that satisfy the
// interfaces the core packages declare for themselves.
package adapters

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/geeluba/ai-blending-control-demo/internal/ble"
)

// ErrNoDevice is returned when dialing an address that was never added.
var ErrNoDevice = errors.New("memradio: no such device")

// Device describes a simulated projector.
type Device struct {
	Address string
	Name    string
	RSSI    int16
	// FailDials makes that many upcoming dials fail.
	FailDials int
	// MissingService makes service discovery fail on every link.
	MissingService bool
	// MTU caps the negotiated transfer unit. Zero grants the request.
	MTU int
	// IgnoreDisconnect makes graceful disconnects never complete.
	IgnoreDisconnect bool
}

// MemRadio is an in-memory radio. It satisfies ble.Radio.
type MemRadio struct {
	mu       sync.Mutex
	enabled  bool
	power    chan bool
	found    func(ble.Observation)
	scanning bool
	scanGen  int
	devices  map[string]*Device
	dials    map[string]int
	links    map[string]*MemPeripheral
}

func NewMemRadio() *MemRadio {
	return &MemRadio{
		enabled: true,
		power:   make(chan bool, 16),
		devices: make(map[string]*Device),
		dials:   make(map[string]int),
		links:   make(map[string]*MemPeripheral),
	}
}

// AddDevice makes d dialable, replacing any device with the same address.
func (r *MemRadio) AddDevice(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.Address] = &d
}

// Advertise emits one observation of address if a scan is running.
func (r *MemRadio) Advertise(address string) bool {
	r.mu.Lock()
	d, ok := r.devices[address]
	found := r.found
	scanning := r.scanning
	var obs ble.Observation
	if ok {
		obs = ble.Observation{Address: d.Address, Name: d.Name, RSSI: d.RSSI}
	}
	r.mu.Unlock()
	if !ok || !scanning || found == nil {
		return false
	}
	found(obs)
	return true
}

// SetPowered flips the adapter and reports it on PowerEvents.
func (r *MemRadio) SetPowered(on bool) {
	r.mu.Lock()
	r.enabled = on
	r.mu.Unlock()
	select {
	case r.power <- on:
	default:
	}
}

// Dials returns how many times address was dialed.
func (r *MemRadio) Dials(address string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials[address]
}

// Peripheral returns the latest link dialed to address.
func (r *MemRadio) Peripheral(address string) *MemPeripheral {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[address]
}

func (r *MemRadio) Scanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

// ── ble.Radio ─────────────────────────────────────────────────────────────

func (r *MemRadio) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *MemRadio) StartScan(ctx context.Context, _ string, found func(ble.Observation)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.enabled {
		return ble.ErrRadioOff
	}
	r.found = found
	r.scanning = true
	r.scanGen++
	gen := r.scanGen
	go func() {
		<-ctx.Done()
		r.mu.Lock()
		if r.scanGen == gen {
			r.scanning = false
		}
		r.mu.Unlock()
	}()
	return nil
}

func (r *MemRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanning = false
	r.found = nil
	return nil
}

func (r *MemRadio) Dial(ctx context.Context, address string) (ble.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials[address]++
	if !r.enabled {
		return nil, ble.ErrRadioOff
	}
	d, ok := r.devices[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDevice, address)
	}
	if d.FailDials > 0 {
		d.FailDials--
		return nil, fmt.Errorf("memradio: dial %s: simulated failure", address)
	}
	p := &MemPeripheral{dev: *d, done: make(chan struct{})}
	r.links[address] = p
	return p, nil
}

func (r *MemRadio) PowerEvents() <-chan bool { return r.power }

// ── MemPeripheral ─────────────────────────────────────────────────────────

// MemPeripheral is one simulated link.
type MemPeripheral struct {
	dev  Device
	done chan struct{}
	once sync.Once

	mu          sync.Mutex
	notify      func([]byte)
	writes      [][]byte
	mtu         int
	disconnects int
}

func (p *MemPeripheral) Address() string { return p.dev.Address }

func (p *MemPeripheral) DiscoverService(ctx context.Context, uuid string) error {
	if err := p.alive(ctx); err != nil {
		return err
	}
	if p.dev.MissingService || uuid != ble.ServiceUUID {
		return ble.ErrServiceNotFound
	}
	return nil
}

func (p *MemPeripheral) RequestMTU(ctx context.Context, mtu int) (int, error) {
	if err := p.alive(ctx); err != nil {
		return 0, err
	}
	if p.dev.MTU > 0 && p.dev.MTU < mtu {
		mtu = p.dev.MTU
	}
	p.mu.Lock()
	p.mtu = mtu
	p.mu.Unlock()
	return mtu, nil
}

func (p *MemPeripheral) Characteristic(serviceUUID, uuid string) (ble.Characteristic, error) {
	if serviceUUID != ble.ServiceUUID || (uuid != ble.WriteUUID && uuid != ble.NotifyUUID) {
		return nil, ble.ErrCharacteristicNotFound
	}
	return &memCharacteristic{p: p, uuid: uuid}, nil
}

func (p *MemPeripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
	if !p.dev.IgnoreDisconnect {
		go p.Close() //nolint:errcheck
	}
	return nil
}

func (p *MemPeripheral) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func (p *MemPeripheral) Done() <-chan struct{} { return p.done }

// Notify pushes a value from the projector. It reports false when nobody
// is subscribed.
func (p *MemPeripheral) Notify(payload []byte) bool {
	p.mu.Lock()
	fn := p.notify
	p.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(payload)
	return true
}

// Writes returns a copy of everything written to the write characteristic.
func (p *MemPeripheral) Writes() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.writes))
	copy(out, p.writes)
	return out
}

// DisconnectRequests counts graceful disconnect calls.
func (p *MemPeripheral) DisconnectRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// Closed reports whether the link is gone.
func (p *MemPeripheral) Closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *MemPeripheral) alive(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.Closed() {
		return errors.New("memradio: link closed")
	}
	return nil
}

type memCharacteristic struct {
	p    *MemPeripheral
	uuid string
}

func (c *memCharacteristic) UUID() string { return c.uuid }

func (c *memCharacteristic) Write(data []byte) error {
	if c.uuid != ble.WriteUUID {
		return fmt.Errorf("memradio: %s is not writable", c.uuid)
	}
	if c.p.Closed() {
		return errors.New("memradio: link closed")
	}
	c.p.mu.Lock()
	c.p.writes = append(c.p.writes, append([]byte(nil), data...))
	c.p.mu.Unlock()
	return nil
}

func (c *memCharacteristic) Subscribe(ctx context.Context, fn func([]byte)) error {
	if c.uuid != ble.NotifyUUID {
		return fmt.Errorf("memradio: %s does not notify", c.uuid)
	}
	if err := c.p.alive(ctx); err != nil {
		return err
	}
	c.p.mu.Lock()
	c.p.notify = fn
	c.p.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
		case <-c.p.done:
		}
		c.p.mu.Lock()
		c.p.notify = nil
		c.p.mu.Unlock()
	}()
	return nil
}
