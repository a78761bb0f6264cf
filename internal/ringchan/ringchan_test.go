package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingChannel_DropsOldest(t *testing.T) {
	rc := New[int](3)
	for i := 0; i < 10; i++ {
		rc.Send(i)
	}
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{7, 8, 9}, got, "only the newest values MUST survive")
	assert.Equal(t, Stats{Written: 10, Overwritten: 7}, rc.Stats())
}

func TestRingChannel_SendAfterClose(t *testing.T) {
	rc := New[string](1)
	rc.Close()
	rc.Close()

	require.NotPanics(t, func() { rc.Send("late") })
	assert.Equal(t, 0, rc.Len())
}

func TestRingChannel_ReportsDrop(t *testing.T) {
	rc := New[int](1)
	assert.False(t, rc.Send(1))
	assert.True(t, rc.Send(2))
	assert.Equal(t, 2, <-rc.C())
}

func TestNew_InvalidCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}
