package main

import (
	"errors"
	"fmt"

	"github.com/srg/blelink/internal/device"
)

// FormatUserError renders err for the terminal, replacing library wording
// with actionable hints where one exists.
func FormatUserError(err error) string {
	var (
		notFound *device.NotFoundError
		invalid  *device.InvalidInputError
		timeout  *device.TimeoutError
	)
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off; enable it and retry"
	case errors.Is(err, device.ErrNotInitialized):
		return "BLE adapter is not initialized"
	case errors.Is(err, device.ErrCancelled):
		return "cancelled"
	case errors.As(err, &timeout):
		return fmt.Sprintf("%s timed out; is the device in range?", timeout.Op)
	case errors.As(err, &notFound):
		if notFound.Resource == "device" && len(notFound.UUIDs) == 0 {
			return "no matching device found"
		}
		return err.Error()
	case errors.As(err, &invalid):
		return err.Error()
	case errors.Is(err, device.ErrUnsupported):
		return fmt.Sprintf("%s (not available on this backend)", err)
	default:
		return err.Error()
	}
}

// ErrConnectionLost indicates the BLE connection was unexpectedly lost during operation.
// This is distinct from device.ErrNotConnected, which indicates an attempt to use
// a device that was never connected or was already disconnected.
var ErrConnectionLost = errors.New("connection lost")
