// Package native defines the event-driven contract between the BLE core and a
// platform driver.
//
// Every driver method returns as soon as the request has been handed to the
// platform stack. Completions, failures and unsolicited changes (discoveries,
// link drops, value updates) arrive later as Events on the Handler passed to
// Open, possibly from several goroutines and possibly before the method that
// triggered them returns. All UUIDs crossing this boundary are canonical
// lowercase dashed 128-bit strings.
package native

import "fmt"

// EventKind enumerates the asynchronous callbacks a driver can deliver.
type EventKind int

const (
	EventAdapterState EventKind = iota
	EventDiscovered
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventDescriptorsDiscovered
	// EventValue is both a read completion and a notification.
	EventValue
	EventWritten
	EventDescriptorValue
	EventDescriptorWritten
	EventNotifyState
)

var eventKindNames = map[EventKind]string{
	EventAdapterState:              "adapter-state",
	EventDiscovered:                "discovered",
	EventConnected:                 "connected",
	EventConnectFailed:             "connect-failed",
	EventDisconnected:              "disconnected",
	EventServicesDiscovered:        "services-discovered",
	EventCharacteristicsDiscovered: "characteristics-discovered",
	EventDescriptorsDiscovered:     "descriptors-discovered",
	EventValue:                     "value",
	EventWritten:                   "written",
	EventDescriptorValue:           "descriptor-value",
	EventDescriptorWritten:         "descriptor-written",
	EventNotifyState:               "notify-state",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Property flags of a discovered characteristic.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
)

// Has reports whether all bits of p2 are set.
func (p Property) Has(p2 Property) bool {
	return p&p2 == p2
}

func (p Property) String() string {
	var out []byte
	add := func(bit Property, s string) {
		if p.Has(bit) {
			if len(out) > 0 {
				out = append(out, ',')
			}
			out = append(out, s...)
		}
	}
	add(PropRead, "read")
	add(PropWriteWithoutResponse, "write-without-response")
	add(PropWrite, "write")
	add(PropNotify, "notify")
	add(PropIndicate, "indicate")
	return string(out)
}

// CharacteristicInfo describes a discovered characteristic.
type CharacteristicInfo struct {
	UUID       string
	Properties Property
}

// Advertisement is a single discovery callback payload.
type Advertisement struct {
	DeviceID string
	Name     string
	RSSI     int
	TxPower  *int
	// ManufacturerData is the raw manufacturer-specific field: a 2-byte
	// little-endian company identifier followed by the payload.
	ManufacturerData []byte
	ServiceData      map[string][]byte
	Services         []string
	Raw              []byte
	Connectable      bool
}

// Event is delivered by a driver to the Handler registered with Open.
type Event struct {
	Kind           EventKind
	DeviceID       string
	Service        string
	Characteristic string
	Descriptor     string

	Value     []byte
	Powered   bool
	Notifying bool

	Advertisement   *Advertisement
	Services        []string
	Characteristics []CharacteristicInfo
	Descriptors     []string

	// Err is set when the native stack reported a failure for the operation.
	Err error
}

// Handler receives driver events.
type Handler func(Event)

// Capabilities declares optional driver features.
type Capabilities struct {
	// Descriptors is set when descriptor discovery and I/O are available.
	Descriptors bool
	// RichScan is set when manufacturer and service data are reported and
	// duplicate reporting can be requested.
	RichScan bool
	// RawAdvertisement is set when Advertisement.Raw is populated.
	RawAdvertisement bool
}

// ScanParams configures a native scan.
type ScanParams struct {
	AllowDuplicates bool
	// Services narrows the scan at the platform level where supported.
	Services []string
}

// Central is a platform BLE driver.
type Central interface {
	Name() string
	Capabilities() Capabilities

	// Open enables the adapter and starts delivering events to handler.
	Open(handler Handler) error
	Close() error

	StartScan(params ScanParams) error
	StopScan() error

	Connect(id string) error
	CancelConnection(id string) error

	DiscoverServices(id string) error
	DiscoverCharacteristics(id, service string) error
	DiscoverDescriptors(id, service, characteristic string) error

	ReadCharacteristic(id, service, characteristic string) error
	WriteCharacteristic(id, service, characteristic string, value []byte, withResponse bool) error
	SetNotify(id, service, characteristic string, enable bool) error

	ReadDescriptor(id, service, characteristic, descriptor string) error
	WriteDescriptor(id, service, characteristic, descriptor string, value []byte) error
}
