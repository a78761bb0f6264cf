package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/native"
	"github.com/srg/blelink/internal/testutils"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	hrm                = "AA:BB:CC:DD:EE:01"
	heartRateService   = "0000180d-0000-1000-8000-00805f9b34fb"
	heartRateMeasure   = "00002a37-0000-1000-8000-00805f9b34fb"
	heartRateControlPt = "00002a39-0000-1000-8000-00805f9b34fb"
)

// CommandTestSuite runs cobra commands against a fake native central.
type CommandTestSuite struct {
	suite.Suite
	helper          *testutils.TestHelper
	central         *testutils.FakeCentral
	originalCentral func(string, *logrus.Logger) (native.Central, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.central = testutils.NewFakeCentral(testutils.RichCapabilities).WithPeripheral(hrm, testutils.HeartRateProfile())

	s.originalCentral = newCentral
	newCentral = func(string, *logrus.Logger) (native.Central, error) {
		return s.central, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	newCentral = s.originalCentral
}

// ExecuteCommand runs the root command with args and returns stdout and stderr.
func (s *CommandTestSuite) ExecuteCommand(stdin io.Reader, args ...string) (string, string, error) {
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetIn(stdin)
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

// advertiseOnScan makes StartScan report the Polar H10 advertisement, then run after.
func (s *CommandTestSuite) advertiseOnScan(after func()) {
	adv := testutils.CreateMockAdvertisement("Polar H10", hrm, -58).
		WithServices("180d").
		WithManufacturerData(0x006b, []byte{0x01}).
		Build()
	s.central.Override("StartScan").Return(nil).Run(func(mock.Arguments) {
		s.central.Advertise(adv)
		if after != nil {
			after()
		}
	})
}

// gatedReader blocks reads until gate is closed.
type gatedReader struct {
	gate chan struct{}
	r    io.Reader
}

func (g *gatedReader) Read(p []byte) (int, error) {
	<-g.gate
	return g.r.Read(p)
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestFormatVersion(t *testing.T) {
	for in, want := range map[string]string{"1.2.0": "v1.2.0", "dev": "dev", "": ""} {
		if got := formatVersion(in); got != want {
			t.Errorf("formatVersion(%q) = %q, want %q", in, got, want)
		}
	}
}

var errLinkLost = errors.New("link lost")
