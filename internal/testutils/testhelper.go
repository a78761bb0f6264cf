// Package testutils holds shared test doubles and assertion helpers.
package testutils

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blelink/internal/native"
)

// TestHelper bundles the per-test logger and default timeouts.
type TestHelper struct {
	T       *testing.T
	Logger  *logrus.Logger
	Timeout time.Duration
}

// NewTestHelper creates a test helper with a debug-level logger.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	return &TestHelper{
		T:       t,
		Logger:  logger,
		Timeout: 2 * time.Second,
	}
}

// RichCapabilities is what the go-ble backend reports.
var RichCapabilities = native.Capabilities{Descriptors: true, RichScan: true}

// NarrowCapabilities is what the tinygo backend reports.
var NarrowCapabilities = native.Capabilities{RawAdvertisement: true}

// Await waits for ch to deliver or fails the test after the helper timeout.
func Await[T any](h *TestHelper, ch <-chan T, what string) T {
	h.T.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(h.Timeout):
		h.T.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}
