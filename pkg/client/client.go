// Package client is the blocking, context-aware BLE API over the central
// manager. Byte payloads are []byte; hex strings appear only in ScanResult.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/central"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/internal/native/goble"
	"github.com/srg/blelink/internal/native/tinyble"
	"github.com/srg/blelink/internal/pending"
	"github.com/srg/blelink/internal/scanner"
	"github.com/srg/blelink/internal/session"
	"github.com/srg/blelink/pkg/config"
)

type (
	Picker         = scanner.Picker
	Labels         = scanner.Labels
	DeviceInfo     = device.Info
	Service        = session.Service
	Characteristic = session.Characteristic
)

// Client wraps one adapter.
type Client struct {
	cfg     *config.Config
	logger  *logrus.Logger
	picker  Picker
	manager *central.Manager
}

// NewCentral creates the native driver named by backend.
func NewCentral(backend string, logger *logrus.Logger) (native.Central, error) {
	switch backend {
	case config.BackendGoBLE, "":
		return goble.New(logger), nil
	case config.BackendTinyGo:
		return tinyble.New(logger), nil
	default:
		return nil, &device.InvalidInputError{Field: "backend", Value: backend, Err: device.ErrUnsupported}
	}
}

// New creates a client on the backend selected by cfg. picker may be nil, in
// which case RequestDevice always picks the first match.
func New(cfg *config.Config, picker Picker, logger *logrus.Logger) (*Client, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	c, err := NewCentral(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	return NewWithCentral(c, cfg, picker, logger), nil
}

// NewWithCentral creates a client over an existing driver.
func NewWithCentral(c native.Central, cfg *config.Config, picker Picker, logger *logrus.Logger) *Client {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		cfg:     cfg,
		logger:  logger,
		picker:  picker,
		manager: central.New(c, picker, cfg.Central(), logger),
	}
}

// Backend returns the driver name.
func (c *Client) Backend() string { return c.manager.Backend() }

// Initialize opens the adapter.
func (c *Client) Initialize() error {
	return c.manager.Initialize()
}

// Close stops scanning and releases the adapter.
func (c *Client) Close() error {
	return c.manager.Close()
}

func (c *Client) IsEnabled() bool {
	return c.manager.IsEnabled()
}

// Listener is a registered event callback.
type Listener struct {
	once   sync.Once
	remove func()
}

// Remove unregisters the listener. Calling it more than once is a no-op.
func (l *Listener) Remove() {
	l.once.Do(l.remove)
}

// OnEnabledChanged calls fn on every adapter power transition.
func (c *Client) OnEnabledChanged(fn func(enabled bool)) *Listener {
	id := c.manager.SubscribeState(fn)
	return &Listener{remove: func() { c.manager.UnsubscribeState(id) }}
}

// GetDevices lists every device seen since Initialize.
func (c *Client) GetDevices() []DeviceInfo {
	return c.manager.Devices()
}

// Services returns the GATT table discovered on connect.
func (c *Client) Services(id string) ([]Service, error) {
	return c.manager.Services(id)
}

// Connect connects and enumerates the GATT table. onDisconnect, when set, is
// called once if an established link goes down; reason is nil for a link
// closed by Disconnect.
func (c *Client) Connect(ctx context.Context, id string, onDisconnect func(reason error)) error {
	_, err := c.await(ctx, "connect", c.cfg.ConnectTimeout, func(timeout time.Duration, cb pending.Callback) {
		c.manager.Connect(id, timeout, onDisconnect, cb)
	})
	return err
}

func (c *Client) Disconnect(ctx context.Context, id string) error {
	_, err := c.await(ctx, "disconnect", c.cfg.DisconnectTimeout, func(timeout time.Duration, cb pending.Callback) {
		c.manager.Disconnect(id, timeout, cb)
	})
	return err
}

func (c *Client) Read(ctx context.Context, id, service, characteristic string) ([]byte, error) {
	return c.await(ctx, "read", c.cfg.OperationTimeout, func(timeout time.Duration, cb pending.Callback) {
		c.manager.Read(id, service, characteristic, timeout, cb)
	})
}

// Write writes with response and waits for the acknowledgement.
func (c *Client) Write(ctx context.Context, id, service, characteristic string, value []byte) error {
	return c.write(ctx, id, service, characteristic, value, true)
}

// WriteWithoutResponse returns once the native stack accepted the value.
func (c *Client) WriteWithoutResponse(ctx context.Context, id, service, characteristic string, value []byte) error {
	return c.write(ctx, id, service, characteristic, value, false)
}

func (c *Client) write(ctx context.Context, id, service, characteristic string, value []byte, withResponse bool) error {
	_, err := c.await(ctx, "write", c.cfg.OperationTimeout, func(timeout time.Duration, cb pending.Callback) {
		c.manager.Write(id, service, characteristic, value, withResponse, timeout, cb)
	})
	return err
}

// StartNotifications enables notifications and routes every pushed value to fn
// until StopNotifications or disconnect.
func (c *Client) StartNotifications(ctx context.Context, id, service, characteristic string, fn func(value []byte)) error {
	if fn == nil {
		return &device.InvalidInputError{Field: "callback", Err: errors.New("notification callback is required")}
	}
	_, err := c.await(ctx, "notify", c.cfg.OperationTimeout, func(timeout time.Duration, cb pending.Callback) {
		c.manager.SetNotifications(id, service, characteristic, true, fn, timeout, cb)
	})
	return err
}

func (c *Client) StopNotifications(ctx context.Context, id, service, characteristic string) error {
	_, err := c.await(ctx, "notify", c.cfg.OperationTimeout, func(timeout time.Duration, cb pending.Callback) {
		c.manager.SetNotifications(id, service, characteristic, false, nil, timeout, cb)
	})
	if err != nil {
		// The receiver goes away even when the peripheral refused the request.
		if rerr := c.manager.RemoveNotification(id, service, characteristic); rerr != nil {
			c.logger.WithField("error", rerr).Debug("Failed to drop notification receiver")
		}
	}
	return err
}

func (c *Client) ReadDescriptor(ctx context.Context, id, service, characteristic, descriptor string) ([]byte, error) {
	return c.await(ctx, "read descriptor", c.cfg.OperationTimeout, func(timeout time.Duration, cb pending.Callback) {
		c.manager.ReadDescriptor(id, service, characteristic, descriptor, timeout, cb)
	})
}

func (c *Client) WriteDescriptor(ctx context.Context, id, service, characteristic, descriptor string, value []byte) error {
	_, err := c.await(ctx, "write descriptor", c.cfg.OperationTimeout, func(timeout time.Duration, cb pending.Callback) {
		c.manager.WriteDescriptor(id, service, characteristic, descriptor, value, timeout, cb)
	})
	return err
}

type result struct {
	value []byte
	err   error
}

// await starts an operation and races its callback against ctx. The
// operation window is the remaining ctx deadline, or fallback when ctx has none.
func (c *Client) await(ctx context.Context, op string, fallback time.Duration, start func(timeout time.Duration, cb pending.Callback)) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := fallback
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, &device.TimeoutError{Op: op}
		}
	} else if fallback > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fallback)
		defer cancel()
	}

	done := make(chan result, 1)
	start(timeout, func(value []byte, err error) {
		done <- result{value: value, err: err}
	})

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		// A result that raced the deadline wins.
		select {
		case r := <-done:
			return r.value, r.err
		default:
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &device.TimeoutError{Op: op}
		}
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}
