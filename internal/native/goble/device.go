// Package goble is the native.Central backed by github.com/go-ble/ble.
//
// go-ble exposes blocking calls; every call runs on its own named goroutine
// and reports its outcome as a native.Event.
package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Advertisement is the part of ble.Advertisement the driver reads.
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	TxPowerLevel() int
	Connectable() bool
	RSSI() int
	Addr() ble.Addr
}

// Client is the part of ble.Client the driver uses.
type Client interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Device is the adapter-level surface: scanning and dialing.
type Device interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
	Dial(ctx context.Context, addr ble.Addr) (Client, error)
	Stop() error
}

// bleDevice adapts a ble.Device to Device.
type bleDevice struct {
	dev ble.Device
}

func (d *bleDevice) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	return d.dev.Scan(ctx, allowDup, func(a ble.Advertisement) { h(a) })
}

func (d *bleDevice) Dial(ctx context.Context, addr ble.Addr) (Client, error) {
	client, err := d.dev.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *bleDevice) Stop() error {
	return d.dev.Stop()
}

// DeviceFactory opens the platform adapter. Tests replace it.
//
//nolint:revive // kept as a variable for test injection
var DeviceFactory = func() (Device, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, err
	}
	return &bleDevice{dev: dev}, nil
}
