// Package session tracks the connection lifecycle of one remote device and
// turns the asynchronous native event stream into request/response calls.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/groutine"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/internal/pending"
)

var (
	connectKey    = pending.Key(pending.OpConnect)
	disconnectKey = pending.Key(pending.OpDisconnect)
	teardownKey   = pending.Key(pending.OpTeardown)
)

// NotifyFunc receives characteristic values pushed by the peripheral.
type NotifyFunc func(value []byte)

// Config tunes a Session.
type Config struct {
	// TeardownTimeout bounds the link cancellation issued after a failed connect.
	TeardownTimeout time.Duration `default:"5s"`
	// NotificationBuffer is the capacity of the notification ring. The oldest
	// value is overwritten when a consumer falls behind.
	NotificationBuffer uint32 `default:"256"`
}

// Characteristic is a discovered characteristic.
type Characteristic struct {
	UUID        string
	Properties  native.Property
	Descriptors []string
}

// Service is a discovered service.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

type serviceEntry struct {
	chars map[string]*Characteristic
}

type notification struct {
	key   string
	value []byte
}

// Session is the connection of one device. Event handling and user calls may
// arrive on any goroutine.
type Session struct {
	id      string
	central native.Central
	caps    native.Capabilities
	cfg     Config
	pending *pending.Registry
	logger  *logrus.Logger

	mu           sync.Mutex
	state        device.State
	linked       bool // a native link exists
	established  bool // connect succeeded on the current link
	onDisconnect func(reason error)
	services     map[string]*serviceEntry
	pendingChars int
	pendingDescs int

	notifications *hashmap.Map[string, NotifyFunc]
	queue         mpmc.RichOverlappedRingBuffer[notification]
	signal        chan struct{}
	stop          chan struct{}
	closeOnce     sync.Once
}

// New creates a disconnected session for device id and starts its
// notification delivery goroutine.
func New(id string, central native.Central, cfg Config, logger *logrus.Logger) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.NotificationBuffer == 0 {
		cfg.NotificationBuffer = 256
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}

	s := &Session{
		id:            id,
		central:       central,
		caps:          central.Capabilities(),
		cfg:           cfg,
		pending:       pending.NewRegistry(logger),
		logger:        logger,
		services:      make(map[string]*serviceEntry),
		notifications: hashmap.New[string, NotifyFunc](),
		queue:         mpmc.NewOverlappedRingBuffer[notification](cfg.NotificationBuffer),
		signal:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
	}
	groutine.Go(context.Background(), "notify-"+id, s.deliverNotifications)
	return s
}

func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() device.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsConnected() bool {
	return s.State() == device.StateConnected
}

// Services returns the discovered GATT table sorted by UUID.
func (s *Session) Services() []Service {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Service, 0, len(s.services))
	for uuid, svc := range s.services {
		entry := Service{UUID: uuid}
		for _, c := range svc.chars {
			cc := *c
			cc.Descriptors = append([]string(nil), c.Descriptors...)
			entry.Characteristics = append(entry.Characteristics, cc)
		}
		sort.Slice(entry.Characteristics, func(i, j int) bool {
			return entry.Characteristics[i].UUID < entry.Characteristics[j].UUID
		})
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UUID < out[j].UUID })
	return out
}

// Pending reports the number of in-flight operations.
func (s *Session) Pending() int {
	return s.pending.Len()
}

// Close stops notification delivery. The session must not be used afterwards.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.stop) })
}

// Connect opens the link and enumerates services, characteristics and, when
// the backend supports it, descriptors. cb is settled once enumeration
// completes. onDisconnect fires once when an established link later drops.
func (s *Session) Connect(timeout time.Duration, onDisconnect func(reason error), cb pending.Callback) {
	s.mu.Lock()
	switch s.state {
	case device.StateConnected:
		s.mu.Unlock()
		cb(nil, device.ErrAlreadyConnected)
		return
	case device.StateConnecting:
		s.mu.Unlock()
		cb(nil, &device.ConnectionError{State: device.AlreadyConnected, Msg: "connection in progress"})
		return
	}
	// The confirmation of a forced teardown must not land on a new link.
	if s.pending.Has(teardownKey) {
		s.mu.Unlock()
		cb(nil, &device.ConnectionError{State: device.Disconnecting, Msg: "teardown in progress"})
		return
	}
	s.state = device.StateConnecting
	s.established = false
	s.onDisconnect = onDisconnect
	s.services = make(map[string]*serviceEntry)
	s.pendingChars, s.pendingDescs = 0, 0
	s.mu.Unlock()

	s.logger.WithField("device", s.id).Info("Connecting...")
	s.pending.Register(connectKey, timeout, cb, pending.OnTimeout(s.forceTeardown))

	if err := s.central.Connect(s.id); err != nil {
		s.abortConnect(device.NewNativeError("connect", err), false)
	}
}

// Disconnect closes the link. Without a link it succeeds immediately.
func (s *Session) Disconnect(timeout time.Duration, cb pending.Callback) {
	s.mu.Lock()
	idle := !s.linked && s.state != device.StateConnecting
	s.mu.Unlock()
	if idle {
		cb(nil, nil)
		return
	}

	s.logger.WithField("device", s.id).Info("Disconnecting...")
	s.pending.Register(disconnectKey, timeout, cb)
	if err := s.central.CancelConnection(s.id); err != nil {
		s.pending.Reject(disconnectKey, device.NewNativeError("disconnect", err))
	}
}

// forceTeardown runs when the connect timer wins. The link is cancelled
// without surfacing a user-visible disconnect.
func (s *Session) forceTeardown() {
	s.mu.Lock()
	s.state = device.StateDisconnected
	s.established = false
	s.mu.Unlock()

	s.logger.WithField("device", s.id).Warn("Connect timed out, tearing down the link")
	s.cancelLink()
}

func (s *Session) cancelLink() {
	s.pending.Register(teardownKey, s.cfg.TeardownTimeout, func(_ []byte, err error) {
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"device": s.id,
				"error":  err,
			}).Debug("Link teardown did not complete")
		}
	})
	if err := s.central.CancelConnection(s.id); err != nil {
		s.pending.Reject(teardownKey, err)
	}
}

// abortConnect fails a connect that is still in progress.
func (s *Session) abortConnect(err error, cancelLink bool) {
	s.mu.Lock()
	if s.state != device.StateConnecting {
		s.mu.Unlock()
		return
	}
	s.state = device.StateDisconnected
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device": s.id,
		"error":  err,
	}).Warn("Connect failed")
	s.pending.Reject(connectKey, err)
	if cancelLink {
		s.cancelLink()
	}
}

// HandleEvent applies one native event addressed to this device.
func (s *Session) HandleEvent(ev native.Event) {
	switch ev.Kind {
	case native.EventConnected:
		s.handleConnected()
	case native.EventConnectFailed:
		err := ev.Err
		if err == nil {
			err = device.ErrNotConnected
		}
		s.abortConnect(device.NewNativeError("connect", err), false)
		s.pending.TryResolve(disconnectKey, nil)
	case native.EventDisconnected:
		s.handleDisconnected(ev.Err)
	case native.EventServicesDiscovered:
		s.handleServices(ev)
	case native.EventCharacteristicsDiscovered:
		s.handleCharacteristics(ev)
	case native.EventDescriptorsDiscovered:
		s.handleDescriptors(ev)
	case native.EventValue:
		s.handleValue(ev)
	case native.EventWritten:
		s.settle(pending.Key(pending.OpWrite, ev.Service, ev.Characteristic), "write", ev)
	case native.EventDescriptorValue:
		s.settle(pending.Key(pending.OpReadDescriptor, ev.Service, ev.Characteristic, ev.Descriptor), "read descriptor", ev)
	case native.EventDescriptorWritten:
		s.settle(pending.Key(pending.OpWriteDescriptor, ev.Service, ev.Characteristic, ev.Descriptor), "write descriptor", ev)
	case native.EventNotifyState:
		s.settle(pending.Key(pending.OpSetNotifications, ev.Service, ev.Characteristic), "set notifications", ev)
	default:
		s.logger.WithFields(logrus.Fields{
			"device": s.id,
			"event":  ev.Kind.String(),
		}).Debug("Ignoring event")
	}
}

func (s *Session) settle(key, op string, ev native.Event) {
	if ev.Err != nil {
		s.pending.Reject(key, device.NewNativeError(op, ev.Err))
		return
	}
	s.pending.Resolve(key, ev.Value)
}

func (s *Session) handleConnected() {
	s.mu.Lock()
	state := s.state
	if state == device.StateConnecting {
		s.linked = true
	}
	s.mu.Unlock()

	switch state {
	case device.StateConnecting:
	case device.StateDisconnected:
		// The connect was abandoned before the link came up.
		s.logger.WithField("device", s.id).Warn("Late connection, cancelling")
		if err := s.central.CancelConnection(s.id); err != nil {
			s.logger.WithField("error", err).Warn("Failed to cancel late connection")
		}
		return
	default:
		return
	}

	s.logger.WithField("device", s.id).Debug("Link up, discovering services")
	if err := s.central.DiscoverServices(s.id); err != nil {
		s.abortConnect(device.NewNativeError("discover services", err), true)
	}
}

func (s *Session) handleServices(ev native.Event) {
	if ev.Err != nil {
		s.abortConnect(device.NewNativeError("discover services", ev.Err), true)
		return
	}

	s.mu.Lock()
	if s.state != device.StateConnecting {
		s.mu.Unlock()
		return
	}
	for _, uuid := range ev.Services {
		s.services[uuid] = &serviceEntry{chars: make(map[string]*Characteristic)}
	}
	s.pendingChars = len(ev.Services)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":   s.id,
		"services": len(ev.Services),
	}).Debug("Services discovered")

	if len(ev.Services) == 0 {
		s.finishDiscovery()
		return
	}
	for _, uuid := range ev.Services {
		if err := s.central.DiscoverCharacteristics(s.id, uuid); err != nil {
			s.abortConnect(device.NewNativeError("discover characteristics", err), true)
			return
		}
	}
}

func (s *Session) handleCharacteristics(ev native.Event) {
	if ev.Err != nil {
		s.abortConnect(device.NewNativeError("discover characteristics", ev.Err), true)
		return
	}

	s.mu.Lock()
	svc, ok := s.services[ev.Service]
	if s.state != device.StateConnecting || !ok {
		s.mu.Unlock()
		return
	}
	for _, c := range ev.Characteristics {
		svc.chars[c.UUID] = &Characteristic{UUID: c.UUID, Properties: c.Properties}
	}
	s.pendingChars--
	if s.caps.Descriptors {
		s.pendingDescs += len(ev.Characteristics)
	}
	s.mu.Unlock()

	if s.caps.Descriptors {
		for _, c := range ev.Characteristics {
			if err := s.central.DiscoverDescriptors(s.id, ev.Service, c.UUID); err != nil {
				s.abortConnect(device.NewNativeError("discover descriptors", err), true)
				return
			}
		}
	}
	s.finishDiscovery()
}

func (s *Session) handleDescriptors(ev native.Event) {
	if ev.Err != nil {
		s.abortConnect(device.NewNativeError("discover descriptors", ev.Err), true)
		return
	}

	s.mu.Lock()
	if s.state != device.StateConnecting {
		s.mu.Unlock()
		return
	}
	if svc, ok := s.services[ev.Service]; ok {
		if c, ok := svc.chars[ev.Characteristic]; ok {
			c.Descriptors = append([]string(nil), ev.Descriptors...)
			sort.Strings(c.Descriptors)
		}
	}
	s.pendingDescs--
	s.mu.Unlock()

	s.finishDiscovery()
}

// finishDiscovery resolves connect once the last enumeration has arrived.
func (s *Session) finishDiscovery() {
	s.mu.Lock()
	if s.state != device.StateConnecting || s.pendingChars > 0 || s.pendingDescs > 0 {
		s.mu.Unlock()
		return
	}
	s.state = device.StateConnected
	s.established = true
	services := len(s.services)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"device":   s.id,
		"services": services,
	}).Info("Connected")
	s.pending.Resolve(connectKey, nil)
}

func (s *Session) handleDisconnected(reason error) {
	s.mu.Lock()
	wasEstablished := s.established
	onDisconnect := s.onDisconnect
	s.state = device.StateDisconnected
	s.linked = false
	s.established = false
	if wasEstablished {
		s.onDisconnect = nil
	}
	s.services = make(map[string]*serviceEntry)
	s.pendingChars, s.pendingDescs = 0, 0
	s.mu.Unlock()

	s.notifications.Range(func(key string, _ NotifyFunc) bool {
		s.notifications.Del(key)
		return true
	})

	s.pending.TryResolve(teardownKey, nil)
	userInitiated := s.pending.TryResolve(disconnectKey, nil)
	if n := s.pending.RejectAll(device.ErrNotConnected); n > 0 {
		s.logger.WithFields(logrus.Fields{
			"device":    s.id,
			"cancelled": n,
		}).Debug("Rejected pending operations on disconnect")
	}

	s.logger.WithFields(logrus.Fields{
		"device":         s.id,
		"user_initiated": userInitiated,
		"reason":         reason,
	}).Info("Disconnected")

	if wasEstablished && onDisconnect != nil {
		if userInitiated {
			onDisconnect(nil)
		} else {
			onDisconnect(device.NewNativeError("disconnect", reason))
		}
	}
}

func (s *Session) handleValue(ev native.Event) {
	readKey := pending.Key(pending.OpRead, ev.Service, ev.Characteristic)
	if ev.Err != nil {
		if !s.pending.TryReject(readKey, device.NewNativeError("read", ev.Err)) {
			s.logger.WithFields(logrus.Fields{
				"device":         s.id,
				"characteristic": ev.Characteristic,
				"error":          ev.Err,
			}).Debug("Value error without a pending read")
		}
		return
	}
	s.pending.TryResolve(readKey, ev.Value)

	notifyKey := pending.Key(pending.OpNotification, ev.Service, ev.Characteristic)
	if _, ok := s.notifications.Get(notifyKey); !ok {
		return
	}
	if overwrites, err := s.queue.EnqueueM(notification{key: notifyKey, value: ev.Value}); err != nil {
		s.logger.WithField("error", err).Warn("Failed to queue notification")
		return
	} else if overwrites > 0 {
		s.logger.WithFields(logrus.Fields{
			"device":  s.id,
			"dropped": overwrites,
		}).Warn("Notification consumer is slow, dropped oldest values")
	}
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Session) deliverNotifications(ctx context.Context) {
	for {
		select {
		case <-s.stop:
			return
		case <-s.signal:
		}
		for !s.queue.IsEmpty() {
			rec, err := s.queue.Dequeue()
			if err != nil {
				break
			}
			if fn, ok := s.notifications.Get(rec.key); ok {
				fn(rec.value)
			}
		}
	}
}
