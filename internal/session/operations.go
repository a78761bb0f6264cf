package session

import (
	"time"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/pending"
)

// lookup verifies the session is connected and that the target exists in the
// discovered table. descriptor may be empty.
func (s *Session) lookup(service, characteristic, descriptor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != device.StateConnected {
		return device.ErrNotConnected
	}
	svc, ok := s.services[service]
	if !ok {
		return &device.NotFoundError{Resource: "service", UUIDs: []string{service}}
	}
	c, ok := svc.chars[characteristic]
	if !ok {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{service, characteristic}}
	}
	if descriptor == "" {
		return nil
	}
	for _, d := range c.Descriptors {
		if d == descriptor {
			return nil
		}
	}
	return &device.NotFoundError{Resource: "descriptor", UUIDs: []string{service, characteristic, descriptor}}
}

// Read fetches the current characteristic value.
func (s *Session) Read(service, characteristic string, timeout time.Duration, cb pending.Callback) {
	if err := s.lookup(service, characteristic, ""); err != nil {
		cb(nil, err)
		return
	}
	key := pending.Key(pending.OpRead, service, characteristic)
	s.pending.Register(key, timeout, cb)
	if err := s.central.ReadCharacteristic(s.id, service, characteristic); err != nil {
		s.pending.Reject(key, device.NewNativeError("read", err))
	}
}

// Write stores value. Without a response the callback is settled as soon as
// the native call returns.
func (s *Session) Write(service, characteristic string, value []byte, withResponse bool, timeout time.Duration, cb pending.Callback) {
	if err := s.lookup(service, characteristic, ""); err != nil {
		cb(nil, err)
		return
	}
	if !withResponse {
		err := s.central.WriteCharacteristic(s.id, service, characteristic, value, false)
		cb(nil, device.NewNativeError("write", err))
		return
	}
	key := pending.Key(pending.OpWrite, service, characteristic)
	s.pending.Register(key, timeout, cb)
	if err := s.central.WriteCharacteristic(s.id, service, characteristic, value, true); err != nil {
		s.pending.Reject(key, device.NewNativeError("write", err))
	}
}

// ReadDescriptor fetches a descriptor value.
func (s *Session) ReadDescriptor(service, characteristic, descriptor string, timeout time.Duration, cb pending.Callback) {
	if !s.caps.Descriptors {
		cb(nil, device.ErrUnsupported)
		return
	}
	if err := s.lookup(service, characteristic, descriptor); err != nil {
		cb(nil, err)
		return
	}
	key := pending.Key(pending.OpReadDescriptor, service, characteristic, descriptor)
	s.pending.Register(key, timeout, cb)
	if err := s.central.ReadDescriptor(s.id, service, characteristic, descriptor); err != nil {
		s.pending.Reject(key, device.NewNativeError("read descriptor", err))
	}
}

// WriteDescriptor stores a descriptor value.
func (s *Session) WriteDescriptor(service, characteristic, descriptor string, value []byte, timeout time.Duration, cb pending.Callback) {
	if !s.caps.Descriptors {
		cb(nil, device.ErrUnsupported)
		return
	}
	if err := s.lookup(service, characteristic, descriptor); err != nil {
		cb(nil, err)
		return
	}
	key := pending.Key(pending.OpWriteDescriptor, service, characteristic, descriptor)
	s.pending.Register(key, timeout, cb)
	if err := s.central.WriteDescriptor(s.id, service, characteristic, descriptor, value); err != nil {
		s.pending.Reject(key, device.NewNativeError("write descriptor", err))
	}
}

// SetNotifications enables or disables value pushes. When enabling, onValue
// is registered as the standing receiver before the native request so no
// early value is lost; a failed enable removes it again. A successful disable
// removes it.
func (s *Session) SetNotifications(service, characteristic string, enable bool, onValue NotifyFunc, timeout time.Duration, cb pending.Callback) {
	if err := s.lookup(service, characteristic, ""); err != nil {
		cb(nil, err)
		return
	}

	notifyKey := pending.Key(pending.OpNotification, service, characteristic)
	if enable && onValue != nil {
		s.notifications.Set(notifyKey, onValue)
	}

	key := pending.Key(pending.OpSetNotifications, service, characteristic)
	s.pending.Register(key, timeout, func(value []byte, err error) {
		if (enable && err != nil) || (!enable && err == nil) {
			s.notifications.Del(notifyKey)
		}
		cb(value, err)
	})
	if err := s.central.SetNotify(s.id, service, characteristic, enable); err != nil {
		s.pending.Reject(key, device.NewNativeError("set notifications", err))
	}
}

// RemoveNotification discards the standing receiver without touching the
// peripheral.
func (s *Session) RemoveNotification(service, characteristic string) bool {
	return s.notifications.Del(pending.Key(pending.OpNotification, service, characteristic))
}

// HasNotification reports whether a standing receiver is registered.
func (s *Session) HasNotification(service, characteristic string) bool {
	_, ok := s.notifications.Get(pending.Key(pending.OpNotification, service, characteristic))
	return ok
}
