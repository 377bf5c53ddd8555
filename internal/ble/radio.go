// Package ble implements the short-range link: filtered scanning with
// freshness pruning, connect-with-retry to any number of peers, GATT
// service/MTU/characteristic negotiation and notification fan-in.
//
// The radio itself sits behind the Radio interface. The bluez subpackage
// drives a real adapter over D-Bus; internal/adapters provides an in-memory
// radio for tests and simulation.
package ble

import (
	"context"
	"errors"
)

// Well-known identifiers of the projector sync service.
const (
	ServiceUUID = "a9422624-7662-471d-bba5-706b53e78ac6"
	// WriteUUID is written by this side (peer → center in the projector's
	// terms).
	WriteUUID = "a9422625-7662-471d-bba5-706b53e78ac6"
	// NotifyUUID carries notifications from the projector.
	NotifyUUID = "a9422626-7662-471d-bba5-706b53e78ac6"
	// CCCDUUID is the client characteristic configuration descriptor written
	// to enable notifications.
	CCCDUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

var (
	ErrRadioOff               = errors.New("ble: radio is off")
	ErrServiceNotFound        = errors.New("ble: service not found")
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")
)

// Observation is one advertisement seen while scanning.
type Observation struct {
	Address string
	Name    string
	RSSI    int16
}

// Radio is the local adapter.
type Radio interface {
	// Enabled reports whether the adapter is powered.
	Enabled() bool
	// StartScan begins discovery filtered to serviceUUID and calls found for
	// every advertisement until StopScan or ctx is done.
	StartScan(ctx context.Context, serviceUUID string, found func(Observation)) error
	StopScan() error
	// Dial opens a raw link to address. It must honour ctx.
	Dial(ctx context.Context, address string) (Peripheral, error)
	// PowerEvents reports adapter power changes. It may return nil.
	PowerEvents() <-chan bool
}

// Peripheral is one raw link returned by Dial.
type Peripheral interface {
	Address() string
	// DiscoverService resolves the GATT database and fails with
	// ErrServiceNotFound when uuid is absent.
	DiscoverService(ctx context.Context, uuid string) error
	// RequestMTU negotiates the transfer unit and returns the agreed value.
	RequestMTU(ctx context.Context, mtu int) (int, error)
	Characteristic(serviceUUID, uuid string) (Characteristic, error)
	// Disconnect asks the stack for a graceful close; Done fires when it
	// completes. Some stacks never report completion.
	Disconnect() error
	// Close releases the link immediately.
	Close() error
	// Done is closed once the link is gone, whatever the cause.
	Done() <-chan struct{}
}

// Characteristic is a resolved GATT characteristic.
type Characteristic interface {
	UUID() string
	// Write sends data without waiting for a response.
	Write(data []byte) error
	// Subscribe enables notifications and calls fn for each value until ctx
	// is done or the link drops.
	Subscribe(ctx context.Context, fn func([]byte)) error
}
