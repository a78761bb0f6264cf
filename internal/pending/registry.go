// Package pending correlates asynchronous native completions with the request
// that is waiting for them.
//
// Each in-flight operation is stored under a composite key together with a
// timeout timer. Native completion, native failure and timer expiry race for
// the entry; whichever removes it first fires the callback, the others become
// logged no-ops.
package pending

import (
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/device"
)

// Op is the operation-kind component of a key.
type Op string

const (
	OpConnect          Op = "connect"
	OpDisconnect       Op = "disconnect"
	OpTeardown         Op = "teardown"
	OpRead             Op = "read"
	OpWrite            Op = "write"
	OpReadDescriptor   Op = "readDescriptor"
	OpWriteDescriptor  Op = "writeDescriptor"
	OpSetNotifications Op = "setNotifications"
	OpNotification     Op = "notification"
)

// Key builds a composite key such as "read|<service>|<characteristic>".
func Key(op Op, uuids ...string) string {
	if len(uuids) == 0 {
		return string(op)
	}
	return string(op) + "|" + strings.Join(uuids, "|")
}

// OpOf returns the operation component of a key.
func OpOf(key string) string {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i]
	}
	return key
}

// Callback receives the outcome of an operation: a value on success, or an error.
type Callback func(value []byte, err error)

// Option customizes a registration.
type Option func(*entry)

// OnTimeout installs a hook that runs when the timer wins, before the callback
// is rejected.
func OnTimeout(fn func()) Option {
	return func(e *entry) {
		e.onTimeout = fn
	}
}

type entry struct {
	cb        Callback
	timer     *time.Timer
	onTimeout func()
}

// Registry holds at most one pending operation per key.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  *logrus.Logger
}

// NewRegistry creates an empty registry. A nil logger gets a default one.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
	}
}

// Register stores cb under key. A timeout <= 0 disables the timer. A live entry
// under the same key is superseded and rejected with device.ErrSuperseded.
func (r *Registry) Register(key string, timeout time.Duration, cb Callback, opts ...Option) {
	e := &entry{cb: cb}
	for _, opt := range opts {
		opt(e)
	}

	r.mu.Lock()
	old := r.entries[key]
	if old != nil && old.timer != nil {
		old.timer.Stop()
	}
	r.entries[key] = e
	if timeout > 0 {
		e.timer = time.AfterFunc(timeout, func() { r.expire(key, e) })
	}
	r.mu.Unlock()

	if old != nil {
		r.logger.WithField("key", key).Warn("Pending operation superseded by a new request")
		old.cb(nil, device.ErrSuperseded)
	}
}

// Resolve settles key successfully. An absent key is logged and ignored.
func (r *Registry) Resolve(key string, value []byte) bool {
	e := r.take(key)
	if e == nil {
		r.logger.WithField("key", key).Warn("Resolve for unknown or already settled operation")
		return false
	}
	e.cb(value, nil)
	return true
}

// TryResolve is Resolve without the warning, for events that may legitimately
// have no waiter.
func (r *Registry) TryResolve(key string, value []byte) bool {
	e := r.take(key)
	if e == nil {
		return false
	}
	e.cb(value, nil)
	return true
}

// Reject settles key with err. An absent key is logged and ignored.
func (r *Registry) Reject(key string, err error) bool {
	e := r.take(key)
	if e == nil {
		r.logger.WithFields(logrus.Fields{
			"key":   key,
			"error": err,
		}).Warn("Reject for unknown or already settled operation")
		return false
	}
	e.cb(nil, err)
	return true
}

// TryReject is Reject without the warning.
func (r *Registry) TryReject(key string, err error) bool {
	e := r.take(key)
	if e == nil {
		return false
	}
	e.cb(nil, err)
	return true
}

// RejectAll rejects every pending operation except the listed keys.
func (r *Registry) RejectAll(err error, except ...string) int {
	keep := make(map[string]struct{}, len(except))
	for _, k := range except {
		keep[k] = struct{}{}
	}

	r.mu.Lock()
	var victims []*entry
	for k, e := range r.entries {
		if _, ok := keep[k]; ok {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(r.entries, k)
		victims = append(victims, e)
	}
	r.mu.Unlock()

	for _, e := range victims {
		e.cb(nil, err)
	}
	return len(victims)
}

// Has reports whether key is pending.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// Len returns the number of pending operations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) take(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(r.entries, key)
	return e
}

// expire runs on the timer goroutine. It only fires if e is still the entry
// registered under key.
func (r *Registry) expire(key string, e *entry) {
	r.mu.Lock()
	if r.entries[key] != e {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	op := OpOf(key)
	r.logger.WithField("key", key).Debug("Pending operation timed out")

	if e.onTimeout != nil {
		e.onTimeout()
	}
	e.cb(nil, &device.TimeoutError{Op: op})
}
