package main

import (
	"fmt"
	"strings"

	"github.com/srg/blelink/internal/device"
	"github.com/srg/blelink/pkg/client"
)

// resolveService finds the service that owns characteristic. The lookup
// fails when the characteristic is missing or exposed by several services.
func resolveService(services []client.Service, characteristic string) (string, error) {
	canonical, err := device.ValidateUUID("characteristic", characteristic)
	if err != nil {
		return "", err
	}

	var owners []string
	for _, svc := range services {
		for _, char := range svc.Characteristics {
			if strings.EqualFold(char.UUID, canonical[0]) {
				owners = append(owners, svc.UUID)
			}
		}
	}

	switch len(owners) {
	case 0:
		return "", &device.NotFoundError{Resource: "characteristic", UUIDs: []string{characteristic}}
	case 1:
		return owners[0], nil
	default:
		return "", fmt.Errorf("characteristic %s found in multiple services (%s), specify the service", characteristic, strings.Join(owners, ", "))
	}
}
