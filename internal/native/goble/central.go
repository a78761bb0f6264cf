package goble

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/native"
)

// Name is the backend identifier used in configuration.
const Name = "goble"

// connection is the driver-side state of one device link.
type connection struct {
	id         string
	cancelDial context.CancelFunc

	// op serializes GATT requests on the client.
	op sync.Mutex

	mu       sync.Mutex
	client   Client
	services map[string]*ble.Service
	chars    map[string]*ble.Characteristic
	descs    map[string]*ble.Descriptor
}

func (c *connection) getClient() Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// Central drives go-ble.
type Central struct {
	logger *logrus.Logger

	mu         sync.Mutex
	dev        Device
	handler    native.Handler
	scanCancel context.CancelFunc
	conns      map[string]*connection
}

func New(logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	return &Central{logger: logger, conns: make(map[string]*connection)}
}

func (c *Central) Name() string { return Name }

func (c *Central) Capabilities() native.Capabilities {
	return native.Capabilities{Descriptors: true, RichScan: true}
}

// Open creates the platform device and reports it powered on.
func (c *Central) Open(handler native.Handler) error {
	dev, err := DeviceFactory()
	if err != nil {
		return NormalizeError(err)
	}

	c.mu.Lock()
	c.dev = dev
	c.handler = handler
	c.mu.Unlock()

	c.emit(native.Event{Kind: native.EventAdapterState, Powered: true})
	return nil
}

// Close cancels the scan and every link, then stops the device.
func (c *Central) Close() error {
	c.mu.Lock()
	dev := c.dev
	cancelScan := c.scanCancel
	conns := c.conns
	c.dev = nil
	c.scanCancel = nil
	c.conns = make(map[string]*connection)
	c.mu.Unlock()

	if cancelScan != nil {
		cancelScan()
	}
	for _, conn := range conns {
		conn.cancelDial()
		if client := conn.getClient(); client != nil {
			if err := client.CancelConnection(); err != nil {
				c.logger.WithFields(logrus.Fields{"device": conn.id, "error": err}).Debug("Cancel on close failed")
			}
		}
	}
	if dev == nil {
		return nil
	}
	return NormalizeError(dev.Stop())
}

func (c *Central) emit(ev native.Event) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (c *Central) device() (Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev == nil {
		return nil, device.ErrNotInitialized
	}
	return c.dev, nil
}

// StartScan runs a go-ble scan until StopScan. Service filtering is left to
// the caller; go-ble scans unfiltered.
func (c *Central) StartScan(params native.ScanParams) error {
	dev, err := c.device()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.scanCancel != nil {
		c.scanCancel()
	}
	c.scanCancel = cancel
	c.mu.Unlock()

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		err := dev.Scan(ctx, params.AllowDuplicates, func(a Advertisement) {
			adv := convertAdvertisement(a)
			c.emit(native.Event{Kind: native.EventDiscovered, DeviceID: adv.DeviceID, Advertisement: adv})
		})
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			c.logger.WithField("error", err).Warn("go-ble scan ended with error")
		}
	})
	return nil
}

func (c *Central) StopScan() error {
	c.mu.Lock()
	cancel := c.scanCancel
	c.scanCancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Connect dials id in the background.
func (c *Central) Connect(id string) error {
	dev, err := c.device()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &connection{
		id:         id,
		cancelDial: cancel,
		services:   make(map[string]*ble.Service),
		chars:      make(map[string]*ble.Characteristic),
		descs:      make(map[string]*ble.Descriptor),
	}

	c.mu.Lock()
	if _, busy := c.conns[id]; busy {
		c.mu.Unlock()
		cancel()
		return device.ErrAlreadyConnected
	}
	c.conns[id] = conn
	c.mu.Unlock()

	groutine.Go(ctx, "goble-dial", func(ctx context.Context) {
		client, err := dev.Dial(ctx, ble.NewAddr(id))
		if err != nil {
			c.drop(conn)
			c.emit(native.Event{Kind: native.EventConnectFailed, DeviceID: id, Err: NormalizeError(err)})
			return
		}

		conn.mu.Lock()
		conn.client = client
		conn.mu.Unlock()

		c.emit(native.Event{Kind: native.EventConnected, DeviceID: id})
		c.monitor(conn, client)
	})
	return nil
}

// monitor waits for the link to drop and reports it.
func (c *Central) monitor(conn *connection, client Client) {
	groutine.Go(context.Background(), "goble-link-monitor", func(context.Context) {
		<-client.Disconnected()
		c.drop(conn)
		c.logger.WithField("device", conn.id).Debug("go-ble reported disconnection")
		c.emit(native.Event{Kind: native.EventDisconnected, DeviceID: conn.id})
	})
}

func (c *Central) drop(conn *connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conns[conn.id] == conn {
		delete(c.conns, conn.id)
	}
}

func (c *Central) conn(id string) (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[id]
	if !ok {
		return nil, device.ErrNotConnected
	}
	return conn, nil
}

// linked returns the connection and its client, failing while still dialing.
func (c *Central) linked(id string) (*connection, Client, error) {
	conn, err := c.conn(id)
	if err != nil {
		return nil, nil, err
	}
	client := conn.getClient()
	if client == nil {
		return nil, nil, device.ErrNotConnected
	}
	return conn, client, nil
}

// CancelConnection aborts a pending dial or closes an established link.
func (c *Central) CancelConnection(id string) error {
	conn, err := c.conn(id)
	if err != nil {
		return err
	}
	client := conn.getClient()
	if client == nil {
		conn.cancelDial()
		return nil
	}
	groutine.Go(context.Background(), "goble-cancel", func(context.Context) {
		if err := client.CancelConnection(); err != nil {
			c.logger.WithFields(logrus.Fields{"device": id, "error": err}).Warn("go-ble cancel connection failed")
		}
	})
	return nil
}

// request runs fn on a background goroutine with GATT access serialized.
func (c *Central) request(conn *connection, name string, fn func()) {
	groutine.Go(context.Background(), name, func(context.Context) {
		conn.op.Lock()
		defer conn.op.Unlock()
		fn()
	})
}

func (c *Central) DiscoverServices(id string) error {
	conn, client, err := c.linked(id)
	if err != nil {
		return err
	}
	c.request(conn, "goble-discover-services", func() {
		services, err := client.DiscoverServices(nil)
		ev := native.Event{Kind: native.EventServicesDiscovered, DeviceID: id, Err: NormalizeError(err)}
		conn.mu.Lock()
		for _, s := range services {
			uuid := canonical(s.UUID)
			conn.services[uuid] = s
			ev.Services = append(ev.Services, uuid)
		}
		conn.mu.Unlock()
		c.emit(ev)
	})
	return nil
}

func (c *Central) DiscoverCharacteristics(id, service string) error {
	conn, client, err := c.linked(id)
	if err != nil {
		return err
	}
	conn.mu.Lock()
	svc, ok := conn.services[service]
	conn.mu.Unlock()
	if !ok {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}

	c.request(conn, "goble-discover-characteristics", func() {
		chars, err := client.DiscoverCharacteristics(nil, svc)
		ev := native.Event{Kind: native.EventCharacteristicsDiscovered, DeviceID: id, Service: service, Err: NormalizeError(err)}
		conn.mu.Lock()
		for _, ch := range chars {
			uuid := canonical(ch.UUID)
			conn.chars[service+"|"+uuid] = ch
			ev.Characteristics = append(ev.Characteristics, native.CharacteristicInfo{
				UUID:       uuid,
				Properties: convertProperties(ch.Property),
			})
		}
		conn.mu.Unlock()
		c.emit(ev)
	})
	return nil
}

func (c *Central) DiscoverDescriptors(id, service, characteristic string) error {
	conn, client, ch, err := c.characteristic(id, service, characteristic)
	if err != nil {
		return err
	}
	c.request(conn, "goble-discover-descriptors", func() {
		descs, err := client.DiscoverDescriptors(nil, ch)
		ev := native.Event{
			Kind:           native.EventDescriptorsDiscovered,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Err:            NormalizeError(err),
		}
		conn.mu.Lock()
		for _, d := range descs {
			uuid := canonical(d.UUID)
			conn.descs[service+"|"+characteristic+"|"+uuid] = d
			ev.Descriptors = append(ev.Descriptors, uuid)
		}
		conn.mu.Unlock()
		c.emit(ev)
	})
	return nil
}

func (c *Central) characteristic(id, service, characteristic string) (*connection, Client, *ble.Characteristic, error) {
	conn, client, err := c.linked(id)
	if err != nil {
		return nil, nil, nil, err
	}
	conn.mu.Lock()
	ch, ok := conn.chars[service+"|"+characteristic]
	conn.mu.Unlock()
	if !ok {
		return nil, nil, nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	return conn, client, ch, nil
}

func (c *Central) descriptor(id, service, characteristic, descriptor string) (*connection, Client, *ble.Descriptor, error) {
	conn, client, err := c.linked(id)
	if err != nil {
		return nil, nil, nil, err
	}
	conn.mu.Lock()
	d, ok := conn.descs[service+"|"+characteristic+"|"+descriptor]
	conn.mu.Unlock()
	if !ok {
		return nil, nil, nil, &device.NotFoundError{Resource: "descriptor", UUIDs: []string{service, characteristic, descriptor}}
	}
	return conn, client, d, nil
}

func (c *Central) ReadCharacteristic(id, service, characteristic string) error {
	conn, client, ch, err := c.characteristic(id, service, characteristic)
	if err != nil {
		return err
	}
	c.request(conn, "goble-read", func() {
		value, err := client.ReadCharacteristic(ch)
		c.emit(native.Event{
			Kind:           native.EventValue,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Value:          value,
			Err:            NormalizeError(err),
		})
	})
	return nil
}

// WriteCharacteristic writes value. A write without response is performed
// synchronously and its error returned directly.
func (c *Central) WriteCharacteristic(id, service, characteristic string, value []byte, withResponse bool) error {
	conn, client, ch, err := c.characteristic(id, service, characteristic)
	if err != nil {
		return err
	}
	if !withResponse {
		conn.op.Lock()
		defer conn.op.Unlock()
		return NormalizeError(client.WriteCharacteristic(ch, value, true))
	}
	c.request(conn, "goble-write", func() {
		err := client.WriteCharacteristic(ch, value, false)
		c.emit(native.Event{
			Kind:           native.EventWritten,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Err:            NormalizeError(err),
		})
	})
	return nil
}

// SetNotify subscribes or unsubscribes. Indications are used when the
// characteristic does not support notifications.
func (c *Central) SetNotify(id, service, characteristic string, enable bool) error {
	conn, client, ch, err := c.characteristic(id, service, characteristic)
	if err != nil {
		return err
	}
	indicate := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0

	c.request(conn, "goble-set-notify", func() {
		var err error
		if enable {
			err = client.Subscribe(ch, indicate, func(data []byte) {
				c.emit(native.Event{
					Kind:           native.EventValue,
					DeviceID:       id,
					Service:        service,
					Characteristic: characteristic,
					Value:          append([]byte(nil), data...),
				})
			})
		} else {
			err = client.Unsubscribe(ch, indicate)
		}
		c.emit(native.Event{
			Kind:           native.EventNotifyState,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Notifying:      enable && err == nil,
			Err:            NormalizeError(err),
		})
	})
	return nil
}

func (c *Central) ReadDescriptor(id, service, characteristic, descriptor string) error {
	conn, client, d, err := c.descriptor(id, service, characteristic, descriptor)
	if err != nil {
		return err
	}
	c.request(conn, "goble-read-descriptor", func() {
		value, err := client.ReadDescriptor(d)
		c.emit(native.Event{
			Kind:           native.EventDescriptorValue,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Descriptor:     descriptor,
			Value:          value,
			Err:            NormalizeError(err),
		})
	})
	return nil
}

func (c *Central) WriteDescriptor(id, service, characteristic, descriptor string, value []byte) error {
	conn, client, d, err := c.descriptor(id, service, characteristic, descriptor)
	if err != nil {
		return err
	}
	c.request(conn, "goble-write-descriptor", func() {
		err := client.WriteDescriptor(d, value)
		c.emit(native.Event{
			Kind:           native.EventDescriptorWritten,
			DeviceID:       id,
			Service:        service,
			Characteristic: characteristic,
			Descriptor:     descriptor,
			Err:            NormalizeError(err),
		})
	})
	return nil
}

var _ native.Central = (*Central)(nil)
