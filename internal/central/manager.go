// Package central owns the native adapter: power state, the single scanner,
// the known-device table and the per-device session cache.
package central

import (
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/internal/pending"
	"github.com/srg/blelink/internal/scanner"
	"github.com/srg/blelink/internal/session"
)

// Config configures a Manager.
type Config struct {
	Labels  scanner.Labels
	Session session.Config
}

// Manager is the entry point over one native.Central.
type Manager struct {
	central native.Central
	cfg     Config
	logger  *logrus.Logger
	scanner *scanner.Scanner

	initialized atomic.Bool
	powered     atomic.Bool

	listeners    *hashmap.Map[uint64, func(powered bool)]
	nextListener atomic.Uint64

	devices  *hashmap.Map[string, *device.Device]
	sessions *hashmap.Map[string, *session.Session]
}

// New creates a manager. picker may be nil when interactive selection is not used.
func New(central native.Central, picker scanner.Picker, cfg Config, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	m := &Manager{
		central:   central,
		cfg:       cfg,
		logger:    logger,
		listeners: hashmap.New[uint64, func(bool)](),
		devices:   hashmap.New[string, *device.Device](),
		sessions:  hashmap.New[string, *session.Session](),
	}
	m.scanner = scanner.New(central, picker, scanner.Config{
		Labels:      cfg.Labels,
		IsConnected: m.isConnected,
		Narrow:      !central.Capabilities().RichScan,
	}, logger)
	return m
}

// Backend returns the driver name.
func (m *Manager) Backend() string { return m.central.Name() }

func (m *Manager) Capabilities() native.Capabilities { return m.central.Capabilities() }

// Initialize opens the native adapter. Calling it again is a no-op.
func (m *Manager) Initialize() error {
	if m.initialized.Load() {
		return nil
	}
	if err := m.central.Open(m.handleEvent); err != nil {
		if errors.Is(err, device.ErrBluetoothOff) || errors.Is(err, device.ErrUnsupported) {
			return err
		}
		return device.NewNativeError("initialize", err)
	}
	m.initialized.Store(true)
	m.logger.WithField("backend", m.central.Name()).Info("BLE adapter initialized")
	return nil
}

// Close stops scanning, drops all sessions and closes the adapter.
func (m *Manager) Close() error {
	if !m.initialized.CompareAndSwap(true, false) {
		return nil
	}
	m.scanner.Stop()
	m.sessions.Range(func(id string, s *session.Session) bool {
		s.Close()
		m.sessions.Del(id)
		return true
	})
	return m.central.Close()
}

// IsEnabled reports the last known adapter power state.
func (m *Manager) IsEnabled() bool {
	return m.powered.Load()
}

// SubscribeState registers fn for power state changes and returns its handle.
func (m *Manager) SubscribeState(fn func(powered bool)) uint64 {
	id := m.nextListener.Add(1)
	m.listeners.Set(id, fn)
	return id
}

// UnsubscribeState removes a power state listener.
func (m *Manager) UnsubscribeState(id uint64) bool {
	return m.listeners.Del(id)
}

func (m *Manager) checkInitialized() error {
	if !m.initialized.Load() {
		return device.ErrNotInitialized
	}
	return nil
}

// StartScan validates the request UUIDs and starts the scanner. An active
// scan is stopped first and the request fails with device.ErrAlreadyScanning.
func (m *Manager) StartScan(req scanner.Request) error {
	if err := m.checkInitialized(); err != nil {
		return err
	}
	if m.scanner.StopConflicting() {
		return device.ErrAlreadyScanning
	}
	if len(req.Filters.Services) > 0 {
		services, err := device.ValidateUUID("services", req.Filters.Services...)
		if err != nil {
			return err
		}
		req.Filters.Services = services
	}
	for i, f := range req.Filters.ServiceData {
		uuid, err := device.ValidateUUID("serviceData", f.UUID)
		if err != nil {
			return err
		}
		req.Filters.ServiceData[i].UUID = uuid[0]
	}
	return m.scanner.Start(req)
}

// StopScan stops the active scan, if any.
func (m *Manager) StopScan() {
	m.scanner.Stop()
}

func (m *Manager) IsScanning() bool {
	return m.scanner.IsScanning()
}

// Devices returns every device seen since initialization, sorted by id.
func (m *Manager) Devices() []device.Info {
	var list []device.Info
	m.devices.Range(func(_ string, d *device.Device) bool {
		list = append(list, d.Info())
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Device returns the known-device entry for id.
func (m *Manager) Device(id string) (*device.Device, bool) {
	return m.devices.Get(id)
}

// Session returns the cached session for id.
func (m *Manager) Session(id string) (*session.Session, bool) {
	return m.sessions.Get(id)
}

func (m *Manager) isConnected(id string) bool {
	s, ok := m.sessions.Get(id)
	return ok && s.IsConnected()
}

// sessionFor returns the cached session for id, creating it on first use.
func (m *Manager) sessionFor(id string) *session.Session {
	if s, ok := m.sessions.Get(id); ok {
		return s
	}
	created := session.New(id, m.central, m.cfg.Session, m.logger)
	s, loaded := m.sessions.GetOrInsert(id, created)
	if loaded {
		created.Close()
	}
	return s
}

// existing returns the session of a device that has been connected before.
func (m *Manager) existing(id string) (*session.Session, error) {
	if err := m.checkInitialized(); err != nil {
		return nil, err
	}
	s, ok := m.sessions.Get(id)
	if !ok {
		return nil, &device.NotFoundError{Resource: "device", UUIDs: []string{id}}
	}
	return s, nil
}

// Connect connects to id and enumerates its GATT table. An id that was never
// discovered gets a known-device entry of its own.
func (m *Manager) Connect(id string, timeout time.Duration, onDisconnect func(reason error), cb pending.Callback) {
	if err := m.checkInitialized(); err != nil {
		cb(nil, err)
		return
	}
	if id == "" {
		cb(nil, &device.InvalidInputError{Field: "deviceId", Err: errors.New("device id is required")})
		return
	}
	if _, ok := m.devices.Get(id); !ok {
		m.devices.GetOrInsert(id, device.NewDevice(id))
	}
	m.sessionFor(id).Connect(timeout, onDisconnect, cb)
}

// Disconnect closes the link to id and evicts its session once the link is down.
func (m *Manager) Disconnect(id string, timeout time.Duration, cb pending.Callback) {
	if err := m.checkInitialized(); err != nil {
		cb(nil, err)
		return
	}
	s, ok := m.sessions.Get(id)
	if !ok {
		cb(nil, nil)
		return
	}
	s.Disconnect(timeout, func(value []byte, err error) {
		if err == nil && m.sessions.Del(id) {
			s.Close()
		}
		cb(value, err)
	})
}

// Read reads a characteristic of a connected device.
func (m *Manager) Read(id, service, characteristic string, timeout time.Duration, cb pending.Callback) {
	s, uuids, err := m.target(id, service, characteristic)
	if err != nil {
		cb(nil, err)
		return
	}
	s.Read(uuids[0], uuids[1], timeout, cb)
}

// Write writes a characteristic of a connected device.
func (m *Manager) Write(id, service, characteristic string, value []byte, withResponse bool, timeout time.Duration, cb pending.Callback) {
	s, uuids, err := m.target(id, service, characteristic)
	if err != nil {
		cb(nil, err)
		return
	}
	s.Write(uuids[0], uuids[1], value, withResponse, timeout, cb)
}

// SetNotifications enables or disables notifications on a characteristic.
func (m *Manager) SetNotifications(id, service, characteristic string, enable bool, onValue session.NotifyFunc, timeout time.Duration, cb pending.Callback) {
	s, uuids, err := m.target(id, service, characteristic)
	if err != nil {
		cb(nil, err)
		return
	}
	s.SetNotifications(uuids[0], uuids[1], enable, onValue, timeout, cb)
}

// RemoveNotification drops the standing notification receiver.
func (m *Manager) RemoveNotification(id, service, characteristic string) error {
	s, uuids, err := m.target(id, service, characteristic)
	if err != nil {
		return err
	}
	s.RemoveNotification(uuids[0], uuids[1])
	return nil
}

// ReadDescriptor reads a descriptor of a connected device.
func (m *Manager) ReadDescriptor(id, service, characteristic, descriptor string, timeout time.Duration, cb pending.Callback) {
	s, uuids, err := m.target(id, service, characteristic, descriptor)
	if err != nil {
		cb(nil, err)
		return
	}
	s.ReadDescriptor(uuids[0], uuids[1], uuids[2], timeout, cb)
}

// WriteDescriptor writes a descriptor of a connected device.
func (m *Manager) WriteDescriptor(id, service, characteristic, descriptor string, value []byte, timeout time.Duration, cb pending.Callback) {
	s, uuids, err := m.target(id, service, characteristic, descriptor)
	if err != nil {
		cb(nil, err)
		return
	}
	s.WriteDescriptor(uuids[0], uuids[1], uuids[2], value, timeout, cb)
}

// Services returns the discovered GATT table of id.
func (m *Manager) Services(id string) ([]session.Service, error) {
	s, err := m.existing(id)
	if err != nil {
		return nil, err
	}
	return s.Services(), nil
}

func (m *Manager) target(id string, uuids ...string) (*session.Session, []string, error) {
	s, err := m.existing(id)
	if err != nil {
		return nil, nil, err
	}
	fields := []string{"service", "characteristic", "descriptor"}
	canonical := make([]string, len(uuids))
	for i, u := range uuids {
		c, err := device.ValidateUUID(fields[i], u)
		if err != nil {
			return nil, nil, err
		}
		canonical[i] = c[0]
	}
	return s, canonical, nil
}

func (m *Manager) handleEvent(ev native.Event) {
	switch ev.Kind {
	case native.EventAdapterState:
		m.setPowered(ev.Powered)
	case native.EventDiscovered:
		m.handleDiscovered(ev.Advertisement)
	default:
		s, ok := m.sessions.Get(ev.DeviceID)
		if !ok {
			m.logger.WithFields(logrus.Fields{
				"device": ev.DeviceID,
				"event":  ev.Kind.String(),
			}).Warn("Event for unknown device, dropping")
			return
		}
		s.HandleEvent(ev)
	}
}

func (m *Manager) setPowered(powered bool) {
	if m.powered.Swap(powered) == powered {
		return
	}
	m.logger.WithField("powered", powered).Info("Adapter state changed")
	if !powered {
		m.scanner.Stop()
	}
	m.listeners.Range(func(_ uint64, fn func(bool)) bool {
		fn(powered)
		return true
	})
}

func (m *Manager) handleDiscovered(adv *native.Advertisement) {
	if adv == nil || adv.DeviceID == "" {
		return
	}
	d, ok := m.devices.Get(adv.DeviceID)
	if !ok {
		d, _ = m.devices.GetOrInsert(adv.DeviceID, device.NewDevice(adv.DeviceID))
	}
	d.Update(adv.Name, adv.Services, adv.RSSI)
	m.scanner.HandleAdvertisement(adv)
}
