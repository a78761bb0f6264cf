// Package tinyble is the native.Central backed by tinygo.org/x/bluetooth.
//
// It is the narrow backend: no descriptor access, and scan results carry
// only the services the caller asked about.
package tinyble

import (
	"encoding/binary"

	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/native"
	"tinygo.org/x/bluetooth"
)

// Result is one scan report.
type Result struct {
	Advertisement *native.Advertisement
	// HasService reports whether the advertisement lists the canonical UUID.
	HasService func(uuid string) bool
}

// Adapter is the part of bluetooth.Adapter the driver uses.
type Adapter interface {
	Enable() error
	Scan(onResult func(Result)) error
	StopScan() error
	Connect(id string) (Peripheral, error)
	OnDisconnect(fn func(id string))
}

// Peripheral is a connected device.
type Peripheral interface {
	DiscoverServices() ([]Service, error)
	Disconnect() error
}

type Service interface {
	UUID() string
	DiscoverCharacteristics() ([]Characteristic, error)
}

type Characteristic interface {
	UUID() string
	Read() ([]byte, error)
	Write(value []byte) error
	WriteWithoutResponse(value []byte) error
	// EnableNotifications registers fn; a nil fn disables notifications.
	EnableNotifications(fn func([]byte)) error
}

// AdapterFactory returns the adapter to drive. Tests replace it.
//
//nolint:revive // kept as a variable for test injection
var AdapterFactory = func() Adapter {
	return &tinyAdapter{adapter: bluetooth.DefaultAdapter}
}

// maxReadSize is the largest attribute value (ATT MTU 512).
const maxReadSize = 512

type tinyAdapter struct {
	adapter *bluetooth.Adapter
}

func (t *tinyAdapter) Enable() error {
	return t.adapter.Enable()
}

func (t *tinyAdapter) Scan(onResult func(Result)) error {
	return t.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		adv := &native.Advertisement{
			DeviceID:    r.Address.String(),
			Name:        r.LocalName(),
			RSSI:        int(r.RSSI),
			Raw:         r.Bytes(),
			Connectable: true,
		}
		if md := r.ManufacturerData(); len(md) > 0 {
			data := binary.LittleEndian.AppendUint16(nil, md[0].CompanyID)
			adv.ManufacturerData = append(data, md[0].Data...)
		}
		if sd := r.ServiceData(); len(sd) > 0 {
			adv.ServiceData = make(map[string][]byte, len(sd))
			for _, e := range sd {
				if uuid, err := bledb.Canonical(e.UUID.String()); err == nil {
					adv.ServiceData[uuid] = append([]byte(nil), e.Data...)
				}
			}
		}
		onResult(Result{
			Advertisement: adv,
			HasService: func(uuid string) bool {
				u, err := bluetooth.ParseUUID(uuid)
				return err == nil && r.HasServiceUUID(u)
			},
		})
	})
}

func (t *tinyAdapter) StopScan() error {
	return t.adapter.StopScan()
}

func (t *tinyAdapter) Connect(id string) (Peripheral, error) {
	var addr bluetooth.Address
	addr.Set(id)
	dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinyPeripheral{dev: dev}, nil
}

func (t *tinyAdapter) OnDisconnect(fn func(id string)) {
	t.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if !connected {
			fn(dev.Address.String())
		}
	})
}

type tinyPeripheral struct {
	dev bluetooth.Device
}

func (p *tinyPeripheral) DiscoverServices() ([]Service, error) {
	services, err := p.dev.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Service, 0, len(services))
	for _, s := range services {
		out = append(out, &tinyService{svc: s})
	}
	return out, nil
}

func (p *tinyPeripheral) Disconnect() error {
	return p.dev.Disconnect()
}

type tinyService struct {
	svc bluetooth.DeviceService
}

func (s *tinyService) UUID() string {
	return s.svc.UUID().String()
}

func (s *tinyService) DiscoverCharacteristics() ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, err
	}
	out := make([]Characteristic, 0, len(chars))
	for _, c := range chars {
		out = append(out, &tinyCharacteristic{char: c})
	}
	return out, nil
}

type tinyCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *tinyCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxReadSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *tinyCharacteristic) Write(value []byte) error {
	_, err := c.char.Write(value)
	return err
}

func (c *tinyCharacteristic) WriteWithoutResponse(value []byte) error {
	_, err := c.char.WriteWithoutResponse(value)
	return err
}

func (c *tinyCharacteristic) EnableNotifications(fn func([]byte)) error {
	return c.char.EnableNotifications(fn)
}
