package device

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *NotFoundError
		expected string
	}{
		{"bare resource", &NotFoundError{Resource: "device"}, "device not found"},
		{"device", &NotFoundError{Resource: "device", UUIDs: []string{"AA:BB"}}, `device "AA:BB" not found`},
		{"characteristic", &NotFoundError{Resource: "characteristic", UUIDs: []string{"180d", "2a37"}}, `characteristic "2a37" not found in service "180d"`},
		{"descriptor", &NotFoundError{Resource: "descriptor", UUIDs: []string{"180d", "2a37", "2902"}}, `descriptor "2902" not found in characteristic "2a37"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestConnectionError_Is(t *testing.T) {
	wrapped := fmt.Errorf("read: %w", &ConnectionError{State: NotConnected, Msg: "link dropped"})

	assert.ErrorIs(t, wrapped, ErrNotConnected)
	assert.NotErrorIs(t, wrapped, ErrNotInitialized)
	assert.True(t, IsConnectionState(wrapped, NotConnected))
	assert.False(t, IsConnectionState(errors.New("x"), NotConnected))
	assert.Equal(t, "not_connected: link dropped", errors.Unwrap(wrapped).Error())
	assert.Equal(t, "already_connected", ErrAlreadyConnected.Error())
}

func TestTimeoutError(t *testing.T) {
	err := error(&TimeoutError{Op: "read"})
	assert.Equal(t, "read timeout", err.Error())
	assert.ErrorIs(t, err, ErrTimeout, "every TimeoutError MUST match ErrTimeout")
}

func TestNativeError_PreservesDescription(t *testing.T) {
	base := errors.New("Peer removed pairing information")

	err := NewNativeError("connect", base)
	assert.Equal(t, "Peer removed pairing information", err.Error())
	assert.ErrorIs(t, err, base)

	assert.Same(t, err, NewNativeError("discover", err), "already wrapped errors MUST NOT be wrapped twice")
	assert.NoError(t, NewNativeError("connect", nil))
}

func TestInvalidInputError(t *testing.T) {
	err := &InvalidInputError{Field: "service", Value: "zz"}
	assert.Equal(t, `invalid service "zz"`, err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestDevice_Update(t *testing.T) {
	d := NewDevice("AA:BB:CC:DD:EE:FF")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.ID())
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", d.Info().DisplayName(), "unnamed device MUST display its identifier")

	d.Update("Sensor", []string{"b", "a"}, -40)
	info := d.Info()
	assert.Equal(t, "Sensor", info.Name)
	assert.Equal(t, []string{"a", "b"}, info.Services)
	assert.Equal(t, -40, info.RSSI)
	assert.False(t, info.LastSeen.IsZero())

	d.Update("", []string{"A", "c"}, -60)
	info = d.Info()
	assert.Equal(t, "Sensor", info.Name, "an empty name MUST NOT erase a known name")
	assert.Equal(t, []string{"a", "b", "c"}, info.Services, "services MUST merge case-insensitively")
	assert.Equal(t, -60, info.RSSI)
}

func TestDevice_InfoIsACopy(t *testing.T) {
	d := NewDevice("id")
	d.Update("n", []string{"a"}, 0)

	info := d.Info()
	info.Services[0] = "mutated"
	assert.Equal(t, []string{"a"}, d.Info().Services)
}

func TestDevice_ConcurrentUpdate(t *testing.T) {
	d := NewDevice("id")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d.Update(fmt.Sprintf("n%d", i), []string{fmt.Sprintf("s%02d", i%5)}, -i)
			_ = d.Info()
		}(i)
	}
	wg.Wait()
	require.Len(t, d.Info().Services, 5)
}
