package testutils

import (
	"sort"
	"sync"

	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/native"
	"github.com/stretchr/testify/mock"
)

// FakeCharacteristic is a characteristic of a simulated peripheral.
type FakeCharacteristic struct {
	UUID        string
	Properties  native.Property
	Value       []byte
	Descriptors map[string][]byte
}

// FakeService is a service of a simulated peripheral.
type FakeService struct {
	UUID            string
	Characteristics []FakeCharacteristic
}

// Profile is the GATT table a simulated peripheral exposes.
type Profile struct {
	Services []FakeService
}

// HeartRateProfile is a Heart Rate service with a notifying measurement
// characteristic carrying a CCCD and a user description.
func HeartRateProfile() Profile {
	return Profile{Services: []FakeService{
		{
			UUID: "180d",
			Characteristics: []FakeCharacteristic{
				{
					UUID:       "2a37",
					Properties: native.PropRead | native.PropNotify,
					Value:      []byte{0x00, 0x50},
					Descriptors: map[string][]byte{
						"2902": {0x00, 0x00},
						"2901": []byte("Heart Rate"),
					},
				},
				{UUID: "2a39", Properties: native.PropWrite | native.PropWriteWithoutResponse},
			},
		},
		{
			UUID: "180f",
			Characteristics: []FakeCharacteristic{
				{UUID: "2a19", Properties: native.PropRead | native.PropNotify, Value: []byte{0x64}},
			},
		},
	}}
}

// FakeCentral is a scriptable native.Central built on testify/mock.
//
// Every method is recorded through mock.Called and returns nil by default
// (override with Override). Unless silenced, each request is answered by
// emitting the matching event synchronously, from inside the call, using the
// configured peripheral profiles.
type FakeCentral struct {
	mock.Mock

	caps native.Capabilities

	mu       sync.Mutex
	handler  native.Handler
	profiles map[string]Profile
	silenced map[string]bool
	failures map[string]error
	written  map[string][]byte
}

var fakeMethods = map[string]int{
	"Open":                    0,
	"Close":                   0,
	"StartScan":               1,
	"StopScan":                0,
	"Connect":                 1,
	"CancelConnection":        1,
	"DiscoverServices":        1,
	"DiscoverCharacteristics": 2,
	"DiscoverDescriptors":     3,
	"ReadCharacteristic":      3,
	"WriteCharacteristic":     5,
	"SetNotify":               4,
	"ReadDescriptor":          4,
	"WriteDescriptor":         5,
}

// NewFakeCentral creates a fake with the given capabilities.
func NewFakeCentral(caps native.Capabilities) *FakeCentral {
	f := &FakeCentral{
		caps:     caps,
		profiles: make(map[string]Profile),
		silenced: make(map[string]bool),
		failures: make(map[string]error),
		written:  make(map[string][]byte),
	}
	for method, argc := range fakeMethods {
		f.On(method, anything(argc)...).Return(nil).Maybe()
	}
	return f
}

// Override drops the default expectation for method and returns a fresh one
// accepting any arguments.
func (f *FakeCentral) Override(method string) *mock.Call {
	kept := f.ExpectedCalls[:0]
	for _, c := range f.ExpectedCalls {
		if c.Method != method {
			kept = append(kept, c)
		}
	}
	f.ExpectedCalls = kept
	return f.On(method, anything(fakeMethods[method])...)
}

// WithPeripheral registers the GATT profile of device id.
func (f *FakeCentral) WithPeripheral(id string, p Profile) *FakeCentral {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[id] = p
	return f
}

// Silence makes method accept the request without ever answering it.
func (f *FakeCentral) Silence(method string) *FakeCentral {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silenced[method] = true
	return f
}

// Unsilence restores the default answer of method.
func (f *FakeCentral) Unsilence(method string) *FakeCentral {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.silenced, method)
	return f
}

// Fail makes method answer with an event carrying err.
func (f *FakeCentral) Fail(method string, err error) *FakeCentral {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = err
	return f
}

// Emit delivers an event to the registered handler.
func (f *FakeCentral) Emit(ev native.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Advertise emits a discovery event.
func (f *FakeCentral) Advertise(adv *native.Advertisement) {
	f.Emit(native.Event{Kind: native.EventDiscovered, DeviceID: adv.DeviceID, Advertisement: adv})
}

// Drop simulates an unsolicited link loss.
func (f *FakeCentral) Drop(id string, err error) {
	f.Emit(native.Event{Kind: native.EventDisconnected, DeviceID: id, Err: err})
}

// Written returns the last value written to the characteristic or descriptor path.
func (f *FakeCentral) Written(uuids ...string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[pathKey(uuids...)]
}

func (f *FakeCentral) Name() string                      { return "fake" }
func (f *FakeCentral) Capabilities() native.Capabilities { return f.caps }

func (f *FakeCentral) Open(handler native.Handler) error {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()

	if err := f.Called().Error(0); err != nil {
		return err
	}
	f.respond("Open", native.Event{Kind: native.EventAdapterState, Powered: true})
	return nil
}

func (f *FakeCentral) Close() error {
	return f.Called().Error(0)
}

func (f *FakeCentral) StartScan(params native.ScanParams) error {
	return f.Called(params).Error(0)
}

func (f *FakeCentral) StopScan() error {
	return f.Called().Error(0)
}

func (f *FakeCentral) Connect(id string) error {
	if err := f.Called(id).Error(0); err != nil {
		return err
	}
	if err := f.failure("Connect"); err != nil {
		f.respond("Connect", native.Event{Kind: native.EventConnectFailed, DeviceID: id, Err: err})
		return nil
	}
	f.respond("Connect", native.Event{Kind: native.EventConnected, DeviceID: id})
	return nil
}

func (f *FakeCentral) CancelConnection(id string) error {
	if err := f.Called(id).Error(0); err != nil {
		return err
	}
	f.respond("CancelConnection", native.Event{Kind: native.EventDisconnected, DeviceID: id})
	return nil
}

func (f *FakeCentral) DiscoverServices(id string) error {
	if err := f.Called(id).Error(0); err != nil {
		return err
	}
	var services []string
	for _, s := range f.profile(id).Services {
		services = append(services, bledb.MustCanonical(s.UUID))
	}
	f.respond("DiscoverServices", native.Event{
		Kind:     native.EventServicesDiscovered,
		DeviceID: id,
		Services: services,
		Err:      f.failure("DiscoverServices"),
	})
	return nil
}

func (f *FakeCentral) DiscoverCharacteristics(id, service string) error {
	if err := f.Called(id, service).Error(0); err != nil {
		return err
	}
	var chars []native.CharacteristicInfo
	if svc := f.service(id, service); svc != nil {
		for _, c := range svc.Characteristics {
			chars = append(chars, native.CharacteristicInfo{UUID: bledb.MustCanonical(c.UUID), Properties: c.Properties})
		}
	}
	f.respond("DiscoverCharacteristics", native.Event{
		Kind:            native.EventCharacteristicsDiscovered,
		DeviceID:        id,
		Service:         service,
		Characteristics: chars,
		Err:             f.failure("DiscoverCharacteristics"),
	})
	return nil
}

func (f *FakeCentral) DiscoverDescriptors(id, service, characteristic string) error {
	if err := f.Called(id, service, characteristic).Error(0); err != nil {
		return err
	}
	var descriptors []string
	if c := f.characteristic(id, service, characteristic); c != nil {
		for d := range c.Descriptors {
			descriptors = append(descriptors, bledb.MustCanonical(d))
		}
		sort.Strings(descriptors)
	}
	f.respond("DiscoverDescriptors", native.Event{
		Kind:           native.EventDescriptorsDiscovered,
		DeviceID:       id,
		Service:        service,
		Characteristic: characteristic,
		Descriptors:    descriptors,
		Err:            f.failure("DiscoverDescriptors"),
	})
	return nil
}

func (f *FakeCentral) ReadCharacteristic(id, service, characteristic string) error {
	if err := f.Called(id, service, characteristic).Error(0); err != nil {
		return err
	}
	var value []byte
	if c := f.characteristic(id, service, characteristic); c != nil {
		value = c.Value
	}
	f.respond("ReadCharacteristic", native.Event{
		Kind:           native.EventValue,
		DeviceID:       id,
		Service:        service,
		Characteristic: characteristic,
		Value:          value,
		Err:            f.failure("ReadCharacteristic"),
	})
	return nil
}

func (f *FakeCentral) WriteCharacteristic(id, service, characteristic string, value []byte, withResponse bool) error {
	if err := f.Called(id, service, characteristic, value, withResponse).Error(0); err != nil {
		return err
	}
	f.mu.Lock()
	f.written[pathKey(service, characteristic)] = append([]byte(nil), value...)
	f.mu.Unlock()
	if !withResponse {
		return nil
	}
	f.respond("WriteCharacteristic", native.Event{
		Kind:           native.EventWritten,
		DeviceID:       id,
		Service:        service,
		Characteristic: characteristic,
		Err:            f.failure("WriteCharacteristic"),
	})
	return nil
}

func (f *FakeCentral) SetNotify(id, service, characteristic string, enable bool) error {
	if err := f.Called(id, service, characteristic, enable).Error(0); err != nil {
		return err
	}
	f.respond("SetNotify", native.Event{
		Kind:           native.EventNotifyState,
		DeviceID:       id,
		Service:        service,
		Characteristic: characteristic,
		Notifying:      enable,
		Err:            f.failure("SetNotify"),
	})
	return nil
}

func (f *FakeCentral) ReadDescriptor(id, service, characteristic, descriptor string) error {
	if err := f.Called(id, service, characteristic, descriptor).Error(0); err != nil {
		return err
	}
	var value []byte
	if c := f.characteristic(id, service, characteristic); c != nil {
		for d, v := range c.Descriptors {
			if bledb.MustCanonical(d) == descriptor {
				value = v
			}
		}
	}
	f.respond("ReadDescriptor", native.Event{
		Kind:           native.EventDescriptorValue,
		DeviceID:       id,
		Service:        service,
		Characteristic: characteristic,
		Descriptor:     descriptor,
		Value:          value,
		Err:            f.failure("ReadDescriptor"),
	})
	return nil
}

func (f *FakeCentral) WriteDescriptor(id, service, characteristic, descriptor string, value []byte) error {
	if err := f.Called(id, service, characteristic, descriptor, value).Error(0); err != nil {
		return err
	}
	f.mu.Lock()
	f.written[pathKey(service, characteristic, descriptor)] = append([]byte(nil), value...)
	f.mu.Unlock()
	f.respond("WriteDescriptor", native.Event{
		Kind:           native.EventDescriptorWritten,
		DeviceID:       id,
		Service:        service,
		Characteristic: characteristic,
		Descriptor:     descriptor,
		Err:            f.failure("WriteDescriptor"),
	})
	return nil
}

func (f *FakeCentral) respond(method string, ev native.Event) {
	f.mu.Lock()
	silent := f.silenced[method]
	f.mu.Unlock()
	if !silent {
		f.Emit(ev)
	}
}

func (f *FakeCentral) failure(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures[method]
}

func (f *FakeCentral) profile(id string) Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profiles[id]
}

func (f *FakeCentral) service(id, uuid string) *FakeService {
	p := f.profile(id)
	for i := range p.Services {
		if bledb.MustCanonical(p.Services[i].UUID) == uuid {
			return &p.Services[i]
		}
	}
	return nil
}

func (f *FakeCentral) characteristic(id, service, uuid string) *FakeCharacteristic {
	svc := f.service(id, service)
	if svc == nil {
		return nil
	}
	for i := range svc.Characteristics {
		if bledb.MustCanonical(svc.Characteristics[i].UUID) == uuid {
			return &svc.Characteristics[i]
		}
	}
	return nil
}

func pathKey(uuids ...string) string {
	out := ""
	for i, u := range uuids {
		if i > 0 {
			out += "|"
		}
		out += bledb.MustCanonical(u)
	}
	return out
}

func anything(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = mock.Anything
	}
	return args
}

var _ native.Central = (*FakeCentral)(nil)
