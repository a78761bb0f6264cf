package goble

import (
	"context"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

type mockDevice struct {
	mock.Mock
	adverts []Advertisement
}

func (m *mockDevice) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	args := m.Called(ctx, allowDup)
	for _, a := range m.adverts {
		h(a)
	}
	<-ctx.Done()
	return args.Error(0)
}

func (m *mockDevice) Dial(ctx context.Context, addr ble.Addr) (Client, error) {
	args := m.Called(ctx, addr.String())
	client, _ := args.Get(0).(Client)
	return client, args.Error(1)
}

func (m *mockDevice) Stop() error {
	return m.Called().Error(0)
}

type mockClient struct {
	mock.Mock
	disconnected chan struct{}
	handler      ble.NotificationHandler
}

func newMockClient() *mockClient {
	return &mockClient{disconnected: make(chan struct{})}
}

func (m *mockClient) DiscoverServices(filter []ble.UUID) ([]*ble.Service, error) {
	args := m.Called(filter)
	svcs, _ := args.Get(0).([]*ble.Service)
	return svcs, args.Error(1)
}

func (m *mockClient) DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error) {
	args := m.Called(filter, s)
	chars, _ := args.Get(0).([]*ble.Characteristic)
	return chars, args.Error(1)
}

func (m *mockClient) DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error) {
	args := m.Called(filter, c)
	descs, _ := args.Get(0).([]*ble.Descriptor)
	return descs, args.Error(1)
}

func (m *mockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *mockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *mockClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	args := m.Called(d)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *mockClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	return m.Called(d, v).Error(0)
}

func (m *mockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	m.handler = h
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *mockClient) CancelConnection() error {
	err := m.Called().Error(0)
	if err == nil {
		close(m.disconnected)
	}
	return err
}

func (m *mockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

type fakeAdvertisement struct {
	name        string
	addr        string
	rssi        int
	tx          int
	mfg         []byte
	services    []ble.UUID
	serviceData []ble.ServiceData
}

func (a fakeAdvertisement) LocalName() string              { return a.name }
func (a fakeAdvertisement) ManufacturerData() []byte       { return a.mfg }
func (a fakeAdvertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a fakeAdvertisement) TxPowerLevel() int              { return a.tx }
func (a fakeAdvertisement) Connectable() bool              { return true }
func (a fakeAdvertisement) RSSI() int                      { return a.rssi }
func (a fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }
