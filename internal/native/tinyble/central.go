package tinyble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/native"
)

// Name is the backend identifier used in configuration.
const Name = "tinygo"

type link struct {
	id         string
	mu         sync.Mutex
	peripheral Peripheral
	cancelled  bool
	services   map[string]Service
	chars      map[string]Characteristic
}

// Central drives tinygo bluetooth.
type Central struct {
	logger *logrus.Logger

	mu       sync.Mutex
	adapter  Adapter
	handler  native.Handler
	scanDone chan struct{}
	stopping bool
	links    map[string]*link
}

func New(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{logger: logger, links: make(map[string]*link)}
}

func (c *Central) Name() string { return Name }

func (c *Central) Capabilities() native.Capabilities {
	return native.Capabilities{RawAdvertisement: true}
}

// Open enables the default adapter.
func (c *Central) Open(handler native.Handler) error {
	adapter := AdapterFactory()
	if err := adapter.Enable(); err != nil {
		return normalizeError(err)
	}
	adapter.OnDisconnect(func(id string) {
		if c.release(id) {
			c.emit(native.Event{Kind: native.EventDisconnected, DeviceID: id})
		}
	})

	c.mu.Lock()
	c.adapter = adapter
	c.handler = handler
	c.mu.Unlock()

	c.emit(native.Event{Kind: native.EventAdapterState, Powered: true})
	return nil
}

func (c *Central) Close() error {
	_ = c.StopScan()

	c.mu.Lock()
	links := c.links
	c.links = make(map[string]*link)
	c.adapter = nil
	c.mu.Unlock()

	for _, l := range links {
		l.mu.Lock()
		p := l.peripheral
		l.mu.Unlock()
		if p != nil {
			_ = p.Disconnect()
		}
	}
	return nil
}

func (c *Central) emit(ev native.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Central) getAdapter() (Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapter == nil {
		return nil, device.ErrNotInitialized
	}
	return c.adapter, nil
}

// StartScan scans until StopScan. Advertisements list only the requested
// services that they carry, since tinygo does not enumerate them.
func (c *Central) StartScan(params native.ScanParams) error {
	adapter, err := c.getAdapter()
	if err != nil {
		return err
	}
	c.mu.Lock()
	if prev := c.scanDone; prev != nil {
		if !c.stopping {
			c.mu.Unlock()
			return fmt.Errorf("tinygo scan: %w", device.ErrAlreadyScanning)
		}
		// A stopped scan may still be unwinding.
		c.mu.Unlock()
		<-prev
		c.mu.Lock()
		if c.scanDone != nil {
			c.mu.Unlock()
			return fmt.Errorf("tinygo scan: %w", device.ErrAlreadyScanning)
		}
	}
	done := make(chan struct{})
	c.stopping = false
	c.scanDone = done
	c.mu.Unlock()

	groutine.Go(context.Background(), "tinygo-scan", func(context.Context) {
		defer close(done)
		err := adapter.Scan(func(r Result) {
			adv := r.Advertisement
			for _, uuid := range params.Services {
				if r.HasService != nil && r.HasService(uuid) {
					adv.Services = append(adv.Services, uuid)
				}
			}
			c.emit(native.Event{Kind: native.EventDiscovered, DeviceID: adv.DeviceID, Advertisement: adv})
		})
		c.mu.Lock()
		if c.scanDone == done {
			c.scanDone = nil
		}
		c.mu.Unlock()
		if err != nil {
			c.logger.WithField("error", err).Warn("tinygo scan ended with error")
		}
	})
	return nil
}

// StopScan asks the adapter to stop. It does not wait, since it may be
// called from inside the scan callback.
func (c *Central) StopScan() error {
	c.mu.Lock()
	adapter := c.adapter
	active := c.scanDone != nil && !c.stopping
	if active {
		c.stopping = true
	}
	c.mu.Unlock()
	if adapter == nil || !active {
		return nil
	}
	return normalizeError(adapter.StopScan())
}

func (c *Central) Connect(id string) error {
	adapter, err := c.getAdapter()
	if err != nil {
		return err
	}
	l := &link{id: id, services: make(map[string]Service), chars: make(map[string]Characteristic)}

	c.mu.Lock()
	if _, busy := c.links[id]; busy {
		c.mu.Unlock()
		return device.ErrAlreadyConnected
	}
	c.links[id] = l
	c.mu.Unlock()

	groutine.Go(context.Background(), "tinygo-connect", func(context.Context) {
		p, err := adapter.Connect(id)
		if err != nil {
			c.release(id)
			c.emit(native.Event{Kind: native.EventConnectFailed, DeviceID: id, Err: normalizeError(err)})
			return
		}

		l.mu.Lock()
		cancelled := l.cancelled
		l.peripheral = p
		l.mu.Unlock()

		// tinygo cannot abort a pending connect; close the link it produced.
		if cancelled {
			_ = p.Disconnect()
			c.release(id)
			c.emit(native.Event{Kind: native.EventConnectFailed, DeviceID: id, Err: device.ErrCancelled})
			return
		}
		c.emit(native.Event{Kind: native.EventConnected, DeviceID: id})
	})
	return nil
}

// release forgets the link and reports whether it was still known.
func (c *Central) release(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.links[id]; !ok {
		return false
	}
	delete(c.links, id)
	return true
}

func (c *Central) getLink(id string) (*link, Peripheral, error) {
	c.mu.Lock()
	l, ok := c.links[id]
	c.mu.Unlock()
	if !ok {
		return nil, nil, device.ErrNotConnected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l, l.peripheral, nil
}

func (c *Central) CancelConnection(id string) error {
	l, p, err := c.getLink(id)
	if err != nil {
		return err
	}
	if p == nil {
		l.mu.Lock()
		l.cancelled = true
		l.mu.Unlock()
		return nil
	}
	groutine.Go(context.Background(), "tinygo-disconnect", func(context.Context) {
		if err := p.Disconnect(); err != nil {
			c.logger.WithFields(logrus.Fields{"device": id, "error": err}).Warn("tinygo disconnect failed")
			return
		}
		if c.release(id) {
			c.emit(native.Event{Kind: native.EventDisconnected, DeviceID: id})
		}
	})
	return nil
}

func (c *Central) DiscoverServices(id string) error {
	l, p, err := c.getLink(id)
	if err != nil {
		return err
	}
	if p == nil {
		return device.ErrNotConnected
	}
	groutine.Go(context.Background(), "tinygo-discover-services", func(context.Context) {
		services, err := p.DiscoverServices()
		ev := native.Event{Kind: native.EventServicesDiscovered, DeviceID: id, Err: normalizeError(err)}
		l.mu.Lock()
		for _, s := range services {
			uuid := canonical(s.UUID())
			l.services[uuid] = s
			ev.Services = append(ev.Services, uuid)
		}
		l.mu.Unlock()
		c.emit(ev)
	})
	return nil
}

// DiscoverCharacteristics reports characteristics without properties; tinygo
// does not expose them portably.
func (c *Central) DiscoverCharacteristics(id, service string) error {
	l, _, err := c.getLink(id)
	if err != nil {
		return err
	}
	l.mu.Lock()
	svc, ok := l.services[service]
	l.mu.Unlock()
	if !ok {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	groutine.Go(context.Background(), "tinygo-discover-characteristics", func(context.Context) {
		chars, err := svc.DiscoverCharacteristics()
		ev := native.Event{Kind: native.EventCharacteristicsDiscovered, DeviceID: id, Service: service, Err: normalizeError(err)}
		l.mu.Lock()
		for _, ch := range chars {
			uuid := canonical(ch.UUID())
			l.chars[service+"|"+uuid] = ch
			ev.Characteristics = append(ev.Characteristics, native.CharacteristicInfo{UUID: uuid})
		}
		l.mu.Unlock()
		c.emit(ev)
	})
	return nil
}

func (c *Central) DiscoverDescriptors(string, string, string) error {
	return device.ErrUnsupported
}

func (c *Central) characteristic(id, service, characteristic string) (Characteristic, error) {
	l, _, err := c.getLink(id)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.chars[service+"|"+characteristic]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return ch, nil
}

func (c *Central) ReadCharacteristic(id, service, characteristic string) error {
	ch, err := c.characteristic(id, service, characteristic)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "tinygo-read", func(context.Context) {
		value, err := ch.Read()
		c.emit(native.Event{
			Kind:           native.EventValue,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Value:          value,
			Err:            normalizeError(err),
		})
	})
	return nil
}

func (c *Central) WriteCharacteristic(id, service, characteristic string, value []byte, withResponse bool) error {
	ch, err := c.characteristic(id, service, characteristic)
	if err != nil {
		return err
	}
	if !withResponse {
		return normalizeError(ch.WriteWithoutResponse(value))
	}
	groutine.Go(context.Background(), "tinygo-write", func(context.Context) {
		err := ch.Write(value)
		c.emit(native.Event{
			Kind:           native.EventWritten,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Err:            normalizeError(err),
		})
	})
	return nil
}

func (c *Central) SetNotify(id, service, characteristic string, enable bool) error {
	ch, err := c.characteristic(id, service, characteristic)
	if err != nil {
		return err
	}
	groutine.Go(context.Background(), "tinygo-set-notify", func(context.Context) {
		var fn func([]byte)
		if enable {
			fn = func(data []byte) {
				c.emit(native.Event{
					Kind:           native.EventValue,
					DeviceID:       id,
					Service:        service,
					Characteristic: characteristic,
					Value:          append([]byte(nil), data...),
				})
			}
		}
		err := ch.EnableNotifications(fn)
		c.emit(native.Event{
			Kind:           native.EventNotifyState,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Notifying:      enable && err == nil,
			Err:            normalizeError(err),
		})
	})
	return nil
}

func (c *Central) ReadDescriptor(string, string, string, string) error {
	return device.ErrUnsupported
}

func (c *Central) WriteDescriptor(string, string, string, string, []byte) error {
	return device.ErrUnsupported
}

func canonical(uuid string) string {
	if c, err := bledb.Canonical(uuid); err == nil {
		return c
	}
	return strings.ToLower(uuid)
}

func normalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "powered off"), strings.Contains(msg, "not powered"), strings.Contains(msg, "bluetooth is off"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	default:
		return err
	}
}

var _ native.Central = (*Central)(nil)
