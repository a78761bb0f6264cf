package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// NotFoundError represents an error when a BLE resource is not found
type NotFoundError struct {
	Resource string   // "device", "service", "characteristic", "descriptor"
	UUIDs    []string // One or more identifiers, outermost first
}

func (e *NotFoundError) Error() string {
	if len(e.UUIDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.UUIDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.UUIDs[0])
	}
	// For BLE hierarchy: characteristic is in service, descriptor is in characteristic
	parentResource := "service"
	parent := e.UUIDs[0]
	if e.Resource == "descriptor" {
		parentResource = "characteristic"
		parent = e.UUIDs[len(e.UUIDs)-2]
	}
	return fmt.Sprintf("%s %q not found in %s %q", e.Resource, e.UUIDs[len(e.UUIDs)-1], parentResource, parent)
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
	Disconnecting    ConnectionState = "disconnecting"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
	ErrDisconnecting    = &ConnectionError{State: Disconnecting}
)

// Operation errors
var (
	ErrTimeout         = errors.New("timeout")
	ErrUnsupported     = errors.New("unsupported")
	ErrBluetoothOff    = errors.New("bluetooth is turned off")
	ErrCancelled       = errors.New("cancelled")
	ErrAlreadyScanning = errors.New("already scanning, stopping now")
	ErrSuperseded      = errors.New("superseded by a newer request")
)

// TimeoutError is returned when no native response arrived within the operation window.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout", e.Op)
}

// Is makes errors.Is(err, ErrTimeout) hold for every TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// InvalidInputError reports a malformed argument rejected before any native call.
type InvalidInputError struct {
	Field string
	Value string
	Err   error
}

func (e *InvalidInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("invalid %s %q", e.Field, e.Value)
}

func (e *InvalidInputError) Unwrap() error {
	return e.Err
}

// NativeError carries a failure reported by the platform BLE stack. The native
// description is kept verbatim as the message.
type NativeError struct {
	Op  string
	Err error
}

func (e *NativeError) Error() string {
	return e.Err.Error()
}

func (e *NativeError) Unwrap() error {
	return e.Err
}

// NewNativeError wraps err unless it is nil or already a NativeError.
func NewNativeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var nerr *NativeError
	if errors.As(err, &nerr) {
		return err
	}
	return &NativeError{Op: op, Err: err}
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// State is the connection lifecycle of a remote device.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Info is a snapshot of what is known about a remote device.
type Info struct {
	ID       string
	Name     string
	Services []string
	RSSI     int
	LastSeen time.Time
}

// DisplayName returns the advertised name, or the identifier when the device is unnamed.
func (i Info) DisplayName() string {
	if i.Name != "" {
		return i.Name
	}
	return i.ID
}

// Device is an entry of the known-device table. Duplicate advertisements update
// the same entry in place.
type Device struct {
	mu   sync.RWMutex
	info Info
}

// NewDevice creates a device entry from an identifier (ad-hoc construction).
func NewDevice(id string) *Device {
	return &Device{info: Info{ID: id}}
}

// ID returns the platform-stable identifier.
func (d *Device) ID() string {
	return d.info.ID
}

// Info returns a copy of the current device snapshot.
func (d *Device) Info() Info {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info := d.info
	info.Services = append([]string(nil), d.info.Services...)
	return info
}

// Update refreshes the entry from an advertisement-derived snapshot. Empty names
// never overwrite a known name; advertised services are merged.
func (d *Device) Update(name string, services []string, rssi int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name != "" {
		d.info.Name = name
	}
	d.info.RSSI = rssi
	d.info.LastSeen = time.Now()

	needsSort := false
	for _, svc := range services {
		if !containsFold(d.info.Services, svc) {
			d.info.Services = append(d.info.Services, svc)
			needsSort = true
		}
	}
	if needsSort {
		sort.Strings(d.info.Services)
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
