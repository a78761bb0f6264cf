package main

import (
	"strings"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/testutils"
	"github.com/stretchr/testify/mock"
)

func (s *CommandTestSuite) TestScanJSON() {
	// GOAL: Verify scan prints every qualifying device once the duration elapses
	//
	// TEST SCENARIO: one advert passing the manufacturer filter → JSON array with hex manufacturer data

	s.advertiseOnScan(nil)

	stdout, _, err := s.ExecuteCommand(nil, "scan", "--duration", "50ms", "--format", "json", "--manufacturer", "006b:01")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(stdout, `[
		{
			"device": {"deviceId": "AA:BB:CC:DD:EE:01", "name": "Polar H10"},
			"rssi": -58,
			"manufacturerData": {"107": "01"},
			"uuids": ["0000180d-0000-1000-8000-00805f9b34fb"]
		}
	]`)
}

func (s *CommandTestSuite) TestScanTable() {
	s.advertiseOnScan(nil)

	stdout, _, err := s.ExecuteCommand(nil, "scan", "--duration", "50ms", "--services", "180d")
	s.Require().NoError(err)

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	s.Require().Len(lines, 3, "header, separator and one device row MUST be printed")
	s.Contains(lines[0], "NAME")
	s.Contains(lines[2], "Polar H10")
	s.Contains(lines[2], "-58 dBm")
	s.Contains(lines[2], "180d")
	s.Contains(lines[2], "0x006b")
}

func (s *CommandTestSuite) TestScanFiltersOut() {
	s.advertiseOnScan(nil)

	stdout, _, err := s.ExecuteCommand(nil, "scan", "--duration", "50ms", "--name", "Other")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(stdout, "No devices discovered")
}

func (s *CommandTestSuite) TestScanInvalidArguments() {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "format", args: []string{"scan", "--format", "xml"}, wantErr: "invalid format 'xml'"},
		{name: "manufacturer", args: []string{"scan", "--manufacturer", "zz"}, wantErr: "invalid company identifier"},
		{name: "service data", args: []string{"scan", "--service-data", "nope"}, wantErr: "invalid UUID"},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, _, err := s.ExecuteCommand(nil, tt.args...)
			s.ErrorContains(err, tt.wantErr)
		})
	}
	s.central.AssertNotCalled(s.T(), "StartScan", mock.Anything)
}

func (s *CommandTestSuite) TestScanInvalidServiceUUID() {
	_, _, err := s.ExecuteCommand(nil, "scan", "--duration", "50ms", "--services", "xyz")
	var inv *device.InvalidInputError
	s.Require().ErrorAs(err, &inv)
	s.Equal("services", inv.Field)
}

func (s *CommandTestSuite) TestRequestFirst() {
	s.advertiseOnScan(nil)

	stdout, _, err := s.ExecuteCommand(nil, "request", "--first", "--name-prefix", "Polar")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(stdout, "AA:BB:CC:DD:EE:01\tPolar H10\t0000180d-0000-1000-8000-00805f9b34fb")
}

func (s *CommandTestSuite) TestRequestFirstJSON() {
	s.advertiseOnScan(nil)

	stdout, _, err := s.ExecuteCommand(nil, "request", "--first", "--json")
	s.Require().NoError(err)
	testutils.NewJSONAsserter(s.T()).Assert(stdout, `{"deviceId": "AA:BB:CC:DD:EE:01", "name": "Polar H10"}`)
}

func (s *CommandTestSuite) TestRequestPicker() {
	// GOAL: Verify the terminal picker lists devices and returns the typed choice
	//
	// TEST SCENARIO: advert shown → user types "1" and Enter → device printed

	gate := make(chan struct{})
	s.advertiseOnScan(func() { close(gate) })

	stdout, stderr, err := s.ExecuteCommand(&gatedReader{gate: gate, r: strings.NewReader("1\n")}, "request")
	s.Require().NoError(err)

	s.Contains(stdout, "AA:BB:CC:DD:EE:01\tPolar H10")
	s.Contains(stderr, "Scanning...")
	s.Contains(stderr, "Polar H10")
}

func (s *CommandTestSuite) TestRequestPickerCancel() {
	gate := make(chan struct{})
	s.advertiseOnScan(func() { close(gate) })

	_, _, err := s.ExecuteCommand(&gatedReader{gate: gate, r: strings.NewReader("q")}, "request")
	s.ErrorIs(err, device.ErrCancelled)
}
