package main

import (
	"errors"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/internal/testutils"
	"github.com/stretchr/testify/mock"
)

func (s *CommandTestSuite) TestRead() {
	// GOAL: Verify read connects, prints the value as hex and disconnects
	//
	// TEST SCENARIO: read 180d/2a37 of the heart rate profile → "00 50", CancelConnection issued

	stdout, _, err := s.ExecuteCommand(nil, "read", hrm, "180d", "2a37")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(stdout, "00 50")
	s.central.AssertCalled(s.T(), "CancelConnection", hrm)
}

func (s *CommandTestSuite) TestReadUnknownCharacteristic() {
	_, _, err := s.ExecuteCommand(nil, "read", hrm, "180d", "2a00")

	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)
	s.central.AssertCalled(s.T(), "CancelConnection", hrm)
}

func (s *CommandTestSuite) TestReadResolvesService() {
	stdout, _, err := s.ExecuteCommand(nil, "read", hrm, "2a19")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(stdout, "64")

	_, _, err = s.ExecuteCommand(nil, "read", hrm, "2a00")
	var nf *device.NotFoundError
	s.Require().ErrorAs(err, &nf)
	s.Equal("characteristic", nf.Resource)
}

func (s *CommandTestSuite) TestReadInvalidLogLevel() {
	_, _, err := s.ExecuteCommand(nil, "read", "--log-level", "loud", hrm, "180d", "2a37")
	s.ErrorContains(err, "invalid log level: loud")
	s.central.AssertNotCalled(s.T(), "Connect", mock.Anything)
}

func (s *CommandTestSuite) TestInvalidBackend() {
	_, _, err := s.ExecuteCommand(nil, "read", "--backend", "bluez", hrm, "180d", "2a37")
	s.ErrorContains(err, `unknown backend "bluez"`)
}

func (s *CommandTestSuite) TestWrite() {
	stdout, _, err := s.ExecuteCommand(nil, "write", hrm, "180d", "2a39", "01 02")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(stdout, "Wrote 2 bytes to 2a39")
	s.Equal([]byte{0x01, 0x02}, s.central.Written("180d", "2a39"))
	s.central.AssertCalled(s.T(), "WriteCharacteristic", hrm, heartRateService, heartRateControlPt, []byte{0x01, 0x02}, true)
}

func (s *CommandTestSuite) TestWriteNoResponse() {
	_, _, err := s.ExecuteCommand(nil, "write", "--no-response", hrm, "180d", "2a39", "0x05")
	s.Require().NoError(err)
	s.central.AssertCalled(s.T(), "WriteCharacteristic", hrm, heartRateService, heartRateControlPt, []byte{0x05}, false)
}

func (s *CommandTestSuite) TestWriteInvalidPayload() {
	_, _, err := s.ExecuteCommand(nil, "write", hrm, "180d", "2a39", "zz")
	s.ErrorContains(err, "invalid hex data")
	s.central.AssertNotCalled(s.T(), "Connect", mock.Anything)
}

func (s *CommandTestSuite) TestDescriptorRead() {
	stdout, _, err := s.ExecuteCommand(nil, "descriptor", "read", hrm, "180d", "2a37", "2901")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(stdout, "48 65 61 72 74 20 52 61 74 65\nHeart Rate")

	stdout, _, err = s.ExecuteCommand(nil, "descriptor", "read", hrm, "180d", "2a37", "2902")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(stdout, "00 00\ndisabled")
}

func (s *CommandTestSuite) TestDescriptorWrite() {
	stdout, _, err := s.ExecuteCommand(nil, "descriptor", "write", hrm, "180d", "2a37", "2902", "01 00")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(stdout, "Wrote 2 bytes to descriptor 2902")
	s.Equal([]byte{0x01, 0x00}, s.central.Written("180d", "2a37", "2902"))
}

func (s *CommandTestSuite) TestInspectJSON() {
	stdout, _, err := s.ExecuteCommand(nil, "inspect", "--json", hrm)
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(stdout, `[
		{
			"uuid": "0000180d-0000-1000-8000-00805f9b34fb",
			"name": "Heart Rate",
			"characteristics": [
				{
					"uuid": "00002a37-0000-1000-8000-00805f9b34fb",
					"name": "Heart Rate Measurement",
					"properties": "read,notify",
					"descriptors": [
						"00002901-0000-1000-8000-00805f9b34fb",
						"00002902-0000-1000-8000-00805f9b34fb"
					]
				},
				{
					"uuid": "00002a39-0000-1000-8000-00805f9b34fb",
					"name": "Heart Rate Control Point",
					"properties": "write-without-response,write"
				}
			]
		},
		{
			"uuid": "0000180f-0000-1000-8000-00805f9b34fb",
			"name": "Battery Service",
			"characteristics": [
				{"uuid": "00002a19-0000-1000-8000-00805f9b34fb", "name": "Battery Level", "properties": "read,notify"}
			]
		}
	]`)
}

func (s *CommandTestSuite) TestInspectTable() {
	stdout, _, err := s.ExecuteCommand(nil, "inspect", hrm)
	s.Require().NoError(err)
	s.Contains(stdout, "Device AA:BB:CC:DD:EE:01: 2 services")
	s.Contains(stdout, "- Service 180d Heart Rate")
	s.Contains(stdout, "    - Descriptor 2902 Client Characteristic Configuration")
}

func (s *CommandTestSuite) TestSubscribe() {
	// GOAL: Verify subscribe prints pushed values until the duration elapses
	//
	// TEST SCENARIO: peripheral pushes 00 48 right after enable → printed as hex → notifications disabled

	s.central.Override("SetNotify").Return(nil).Run(func(args mock.Arguments) {
		if args.Bool(3) {
			s.central.Emit(native.Event{
				Kind:           native.EventValue,
				DeviceID:       hrm,
				Service:        heartRateService,
				Characteristic: heartRateMeasure,
				Value:          []byte{0x00, 0x48},
			})
		}
	})

	stdout, _, err := s.ExecuteCommand(nil, "subscribe", "--duration", "200ms", hrm, "180d", "2a37")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(stdout, "00 48")
	s.central.AssertCalled(s.T(), "SetNotify", hrm, heartRateService, heartRateMeasure, false)
}

func (s *CommandTestSuite) TestSubscribeConnectionLost() {
	s.central.Override("SetNotify").Return(nil).Run(func(mock.Arguments) {
		s.central.Drop(hrm, errLinkLost)
	})

	_, _, err := s.ExecuteCommand(nil, "subscribe", hrm, "180d", "2a37")
	s.ErrorIs(err, ErrConnectionLost)
	s.Contains(err.Error(), "link lost", "the native reason MUST be kept")
}

func (s *CommandTestSuite) TestConnectFailure() {
	s.central.Fail("Connect", errors.New("peer unreachable"))

	_, _, err := s.ExecuteCommand(nil, "read", hrm, "180d", "2a37")
	s.EqualError(err, "peer unreachable")
}
