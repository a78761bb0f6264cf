package scanner_test

import (
	"sync"
	"testing"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/internal/scanfilter"
	"github.com/srg/blelink/internal/scanner"
	"github.com/srg/blelink/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type doneResult struct {
	id  string
	err error
}

type ScannerTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	central   *testutils.FakeCentral
	picker    *testutils.RecordingPicker
	connected map[string]bool
	scanner   *scanner.Scanner
}

func (s *ScannerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.central = testutils.NewFakeCentral(testutils.RichCapabilities)
	s.picker = testutils.NewRecordingPicker()
	s.connected = map[string]bool{}
	s.scanner = s.newScanner(false)
}

func (s *ScannerTestSuite) newScanner(narrow bool) *scanner.Scanner {
	var labels scanner.Labels
	defaults.SetDefaults(&labels)
	return scanner.New(s.central, s.picker, scanner.Config{
		Labels:      labels,
		IsConnected: func(id string) bool { return s.connected[id] },
		Narrow:      narrow,
	}, s.helper.Logger)
}

func (s *ScannerTestSuite) collect(req scanner.Request) (*[]*native.Advertisement, chan doneResult) {
	var mu sync.Mutex
	results := &[]*native.Advertisement{}
	done := make(chan doneResult, 4)
	if req.Mode == scanner.ModeStream {
		req.OnResult = func(adv *native.Advertisement) {
			mu.Lock()
			defer mu.Unlock()
			*results = append(*results, adv)
		}
	}
	req.Done = func(id string, err error) { done <- doneResult{id, err} }
	s.Require().NoError(s.scanner.Start(req))
	return results, done
}

func adv(name, id string) *native.Advertisement {
	return testutils.CreateMockAdvertisement(name, id, -60).Build()
}

func (s *ScannerTestSuite) TestStreamDeduplicatesByDefault() {
	// GOAL: Verify a device is reported once per scan unless duplicates are allowed
	//
	// TEST SCENARIO: Same device advertises three times → one result → stop → Done("", nil)

	results, done := s.collect(scanner.Request{Mode: scanner.ModeStream})

	for range 3 {
		s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	}
	s.scanner.HandleAdvertisement(adv("Other", "AA:02"))

	s.Len(*results, 2, "duplicate advertisements MUST be suppressed")

	s.scanner.Stop()
	r := testutils.Await(s.helper, done, "stream done")
	s.Empty(r.id)
	s.NoError(r.err)
	s.False(s.scanner.IsScanning())
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)
}

func (s *ScannerTestSuite) TestStreamAllowDuplicates() {
	results, _ := s.collect(scanner.Request{Mode: scanner.ModeStream, AllowDuplicates: true})

	for range 3 {
		s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	}
	s.Len(*results, 3, "every advertisement MUST be reported when duplicates are allowed")
	s.central.AssertCalled(s.T(), "StartScan", native.ScanParams{AllowDuplicates: true})
}

func (s *ScannerTestSuite) TestFiltersApply() {
	name := "HRM"
	results, _ := s.collect(scanner.Request{
		Mode: scanner.ModeStream,
		Filters: scanfilter.Filters{
			Name:         &name,
			Manufacturer: []scanfilter.ManufacturerFilter{{CompanyID: 0x004c, Prefix: []byte{0x02}}},
		},
	})

	s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	s.scanner.HandleAdvertisement(testutils.NewAdvertisementBuilder().
		WithName("HRM").WithAddress("AA:02").WithManufacturerData(0x004c, []byte{0x02, 0x15}).Build())
	s.scanner.HandleAdvertisement(testutils.NewAdvertisementBuilder().
		WithName("Other").WithAddress("AA:03").WithManufacturerData(0x004c, []byte{0x02, 0x15}).Build())

	s.Require().Len(*results, 1)
	s.Equal("AA:02", (*results)[0].DeviceID)
}

func (s *ScannerTestSuite) TestConnectedDevicesAreSkipped() {
	s.connected["AA:01"] = true
	results, _ := s.collect(scanner.Request{Mode: scanner.ModeStream})

	s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	s.Empty(*results, "a connected device MUST NOT be surfaced as found")
}

func (s *ScannerTestSuite) TestStartWhileScanningStopsAndFails() {
	// GOAL: Verify a second start stops the active scan and fails
	//
	// TEST SCENARIO: start → start again → ErrAlreadyScanning, exactly one StopScan, idle

	_, done := s.collect(scanner.Request{Mode: scanner.ModeStream})

	err := s.scanner.Start(scanner.Request{Mode: scanner.ModeStream})
	s.ErrorIs(err, device.ErrAlreadyScanning)
	s.False(s.scanner.IsScanning(), "the active scan MUST be stopped")
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)
	s.central.AssertNumberOfCalls(s.T(), "StartScan", 1)

	r := testutils.Await(s.helper, done, "first scan done")
	s.NoError(r.err)
}

func (s *ScannerTestSuite) TestInvalidStartWhileScanningStillStops() {
	// GOAL: Verify a conflicting start stops the active scan even when the new request is invalid
	//
	// TEST SCENARIO: stream scan running → start with an unknown mode → ErrAlreadyScanning, one StopScan, idle

	_, done := s.collect(scanner.Request{Mode: scanner.ModeStream})

	err := s.scanner.Start(scanner.Request{Mode: scanner.Mode(99)})
	s.ErrorIs(err, device.ErrAlreadyScanning)
	s.False(s.scanner.IsScanning(), "the active scan MUST be stopped")
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)

	r := testutils.Await(s.helper, done, "first scan done")
	s.NoError(r.err)

	var invalid *device.InvalidInputError
	s.ErrorAs(s.scanner.Start(scanner.Request{Mode: scanner.Mode(99)}), &invalid, "an idle scanner MUST report the invalid request")
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)
}

func (s *ScannerTestSuite) TestStopWhenIdleIsNoop() {
	s.scanner.Stop()
	s.central.AssertNotCalled(s.T(), "StopScan")
}

func (s *ScannerTestSuite) TestIgnoresAdvertisementsWhenIdle() {
	results, _ := s.collect(scanner.Request{Mode: scanner.ModeStream})
	s.scanner.Stop()
	s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	s.Empty(*results)
}

func (s *ScannerTestSuite) TestStartScanFailureIsNative() {
	s.central.Override("StartScan").Return(assert.AnError)

	err := s.scanner.Start(scanner.Request{Mode: scanner.ModeStream, Done: func(string, error) {}})
	var nerr *device.NativeError
	s.Require().ErrorAs(err, &nerr)
	s.Equal(assert.AnError.Error(), nerr.Error())
	s.False(s.scanner.IsScanning())
}

func (s *ScannerTestSuite) TestFirstModeResolvesWithFirstMatch() {
	_, done := s.collect(scanner.Request{Mode: scanner.ModeFirst})

	s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	s.scanner.HandleAdvertisement(adv("HRM2", "AA:02"))

	r := testutils.Await(s.helper, done, "first match")
	s.Equal("AA:01", r.id)
	s.NoError(r.err)
	s.False(s.scanner.IsScanning())
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)
	s.Empty(done, "Done MUST be called exactly once")
}

func (s *ScannerTestSuite) TestFirstModeWithoutMatchIsNotFound() {
	_, done := s.collect(scanner.Request{Mode: scanner.ModeFirst, Duration: 20 * time.Millisecond})

	r := testutils.Await(s.helper, done, "duration expiry")
	var nf *device.NotFoundError
	s.ErrorAs(r.err, &nf)
	s.Equal("device", nf.Resource)
}

func (s *ScannerTestSuite) TestDurationAutoStops() {
	_, done := s.collect(scanner.Request{Mode: scanner.ModeStream, Duration: 20 * time.Millisecond})

	testutils.Await(s.helper, done, "auto stop")
	s.False(s.scanner.IsScanning())
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)
}

func (s *ScannerTestSuite) TestStaleDurationTimerDoesNotStopNewScan() {
	_, _ = s.collect(scanner.Request{Mode: scanner.ModeStream, Duration: 30 * time.Millisecond})
	s.scanner.Stop()
	_, _ = s.collect(scanner.Request{Mode: scanner.ModeStream})

	time.Sleep(60 * time.Millisecond)
	s.True(s.scanner.IsScanning(), "a timer of a previous scan MUST NOT stop the current one")
}

func (s *ScannerTestSuite) TestPickerSelect() {
	// GOAL: Verify picker mode lists devices in discovery order and resolves with the user's choice
	//
	// TEST SCENARIO: two devices, one re-advertises with a new RSSI → list updated in place → select → Done(id)

	_, done := s.collect(scanner.Request{Mode: scanner.ModePicker, AllowDuplicates: true})
	s.True(s.picker.IsOpen())
	s.Equal("Scanning...", s.picker.Title())

	s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	s.scanner.HandleAdvertisement(adv("", "AA:02"))
	s.scanner.HandleAdvertisement(testutils.CreateMockAdvertisement("", "AA:01", -30).Build())

	list := s.picker.LastList()
	s.Require().Len(list, 2)
	s.Equal("AA:01", list[0].ID)
	s.Equal("HRM", list[0].Name, "an unnamed re-advertisement MUST keep the known name")
	s.Equal(-30, list[0].RSSI, "a re-advertisement MUST update the entry in place")
	s.Equal("AA:02", list[1].DisplayName())

	s.picker.Select("AA:02")
	r := testutils.Await(s.helper, done, "picker selection")
	s.Equal("AA:02", r.id)
	s.NoError(r.err)
	s.False(s.picker.IsOpen())
	s.False(s.scanner.IsScanning())
}

func (s *ScannerTestSuite) TestPickerDeduplicatesUpdatesWithoutAllowDuplicates() {
	_, _ = s.collect(scanner.Request{Mode: scanner.ModePicker})

	s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	s.scanner.HandleAdvertisement(testutils.CreateMockAdvertisement("HRM", "AA:01", -30).Build())

	list := s.picker.LastList()
	s.Require().Len(list, 1)
	s.Equal(-60, list[0].RSSI)
}

func (s *ScannerTestSuite) TestPickerCancel() {
	_, done := s.collect(scanner.Request{Mode: scanner.ModePicker})

	s.picker.Cancel()
	r := testutils.Await(s.helper, done, "picker cancel")
	s.ErrorIs(r.err, device.ErrCancelled)
	s.Equal(1, s.picker.Closed())
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)
}

func (s *ScannerTestSuite) TestPickerStaysOpenAfterStop() {
	_, done := s.collect(scanner.Request{Mode: scanner.ModePicker})
	s.scanner.Stop()

	s.True(s.picker.IsOpen(), "the picker MUST stay open until the user decides")
	s.Equal("No device found", s.picker.Title())
	s.Empty(done)

	s.picker.Select("AA:09")
	r := testutils.Await(s.helper, done, "late selection")
	s.Equal("AA:09", r.id)
	s.central.AssertNumberOfCalls(s.T(), "StopScan", 1)
}

func (s *ScannerTestSuite) TestPickerTitleAfterStopWithDevices() {
	_, _ = s.collect(scanner.Request{Mode: scanner.ModePicker})
	s.scanner.HandleAdvertisement(adv("HRM", "AA:01"))
	s.scanner.Stop()

	s.Equal("Available devices", s.picker.Title())
	s.Len(s.picker.LastList(), 1)
}

func (s *ScannerTestSuite) TestNarrowValidation() {
	narrow := s.newScanner(true)

	tests := []struct {
		name  string
		req   scanner.Request
		field string
	}{
		{name: "stream mode", req: scanner.Request{Mode: scanner.ModeStream}, field: "mode"},
		{
			name:  "manufacturer filter",
			req:   scanner.Request{Mode: scanner.ModeFirst, Filters: scanfilter.Filters{Manufacturer: []scanfilter.ManufacturerFilter{{CompanyID: 1}}}},
			field: "manufacturerData",
		},
		{
			name:  "service data filter",
			req:   scanner.Request{Mode: scanner.ModeFirst, Filters: scanfilter.Filters{ServiceData: []scanfilter.ServiceDataFilter{{UUID: "180d"}}}},
			field: "serviceData",
		},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			err := narrow.Start(tt.req)
			var invalid *device.InvalidInputError
			s.Require().ErrorAs(err, &invalid)
			s.Equal(tt.field, invalid.Field)
			s.ErrorIs(err, device.ErrUnsupported)
		})
	}
	s.central.AssertNotCalled(s.T(), "StartScan", mock.Anything)

	s.NoError(narrow.Start(scanner.Request{Mode: scanner.ModeFirst, Done: func(string, error) {}}))
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "stream", scanner.ModeStream.String())
	assert.Equal(t, "picker", scanner.ModePicker.String())
	assert.Equal(t, "first", scanner.ModeFirst.String())
	require.Equal(t, "mode(7)", scanner.Mode(7).String())
}
