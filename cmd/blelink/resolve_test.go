package main

import (
	"testing"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/pkg/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveService(t *testing.T) {
	battery := "0000180f-0000-1000-8000-00805f9b34fb"
	custom := "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	level := "00002a19-0000-1000-8000-00805f9b34fb"
	services := []client.Service{
		{UUID: battery, Characteristics: []client.Characteristic{{UUID: level}}},
		{UUID: custom, Characteristics: []client.Characteristic{{UUID: "6e400002-b5a3-f393-e0a9-e50e24dcca9e"}}},
	}

	svc, err := resolveService(services, "2a19")
	require.NoError(t, err)
	assert.Equal(t, battery, svc)

	_, err = resolveService(services, "2a37")
	var nf *device.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = resolveService(services, "nope")
	var inv *device.InvalidInputError
	require.ErrorAs(t, err, &inv)

	services[1].Characteristics = append(services[1].Characteristics, client.Characteristic{UUID: level})
	_, err = resolveService(services, "2a19")
	assert.ErrorContains(t, err, "found in multiple services")
}
