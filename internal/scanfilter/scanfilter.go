// Package scanfilter evaluates discovered advertisements against compound
// scan filters. Filter categories are ANDed; entries inside a list are ORed.
package scanfilter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/blelink/internal/bledb"
	"github.com/srg/blelink/internal/hexbytes"
	"github.com/srg/blelink/internal/native"
)

// ManufacturerFilter matches manufacturer-specific data by company identifier
// and an optional masked payload prefix.
type ManufacturerFilter struct {
	CompanyID uint16
	Prefix    []byte
	Mask      []byte
}

// ServiceDataFilter matches service data by service UUID and an optional
// masked payload prefix.
type ServiceDataFilter struct {
	UUID   string
	Prefix []byte
	Mask   []byte
}

// Filters is the full set of criteria applied to a scan.
type Filters struct {
	// Services requires at least one listed service to be advertised.
	Services     []string
	Name         *string
	NamePrefix   *string
	Manufacturer []ManufacturerFilter
	ServiceData  []ServiceDataFilter
}

// Empty reports whether no criteria are set.
func (f Filters) Empty() bool {
	return len(f.Services) == 0 && f.Name == nil && f.NamePrefix == nil &&
		len(f.Manufacturer) == 0 && len(f.ServiceData) == 0
}

// Passes reports whether adv satisfies every filter category.
func Passes(adv *native.Advertisement, f Filters) bool {
	if adv == nil {
		return false
	}
	if f.Name != nil && (adv.Name == "" || adv.Name != *f.Name) {
		return false
	}
	if f.NamePrefix != nil && (adv.Name == "" || !strings.HasPrefix(adv.Name, *f.NamePrefix)) {
		return false
	}
	if !passesServices(adv.Services, f.Services) {
		return false
	}
	if !passesManufacturer(adv.ManufacturerData, f.Manufacturer) {
		return false
	}
	return passesServiceData(adv.ServiceData, f.ServiceData)
}

func passesServices(advertised, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, w := range wanted {
		for _, a := range advertised {
			if strings.EqualFold(a, w) {
				return true
			}
		}
	}
	return false
}

func passesManufacturer(data []byte, filters []ManufacturerFilter) bool {
	if len(filters) == 0 {
		return true
	}
	if len(data) < 2 {
		return false
	}
	company := binary.LittleEndian.Uint16(data[:2])
	payload := data[2:]

	for _, f := range filters {
		if f.CompanyID != company {
			continue
		}
		if matchPrefix(payload, f.Prefix, f.Mask) {
			return true
		}
	}
	return false
}

func passesServiceData(data map[string][]byte, filters []ServiceDataFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		payload, ok := data[f.UUID]
		if !ok {
			continue
		}
		if matchPrefix(payload, f.Prefix, f.Mask) {
			return true
		}
	}
	return false
}

// matchPrefix compares payload against prefix, byte-wise masked when mask is
// set. A mask whose length differs from the prefix never matches.
func matchPrefix(payload, prefix, mask []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(payload) < len(prefix) {
		return false
	}
	if mask == nil {
		return bytes.HasPrefix(payload, prefix)
	}
	if len(mask) != len(prefix) {
		return false
	}
	for i := range prefix {
		if payload[i]&mask[i] != prefix[i]&mask[i] {
			return false
		}
	}
	return true
}

// ParseManufacturerFilter parses "<companyID>[:<prefixHex>[:<maskHex>]]",
// e.g. "0x004c:0215:ffff". The company identifier is hex with optional 0x.
func ParseManufacturerFilter(s string) (ManufacturerFilter, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 || parts[0] == "" {
		return ManufacturerFilter{}, fmt.Errorf("invalid manufacturer filter %q: expected <company>[:<prefix>[:<mask>]]", s)
	}

	raw := strings.TrimPrefix(strings.ToLower(parts[0]), "0x")
	id, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return ManufacturerFilter{}, fmt.Errorf("invalid company identifier %q: %w", parts[0], err)
	}

	prefix, mask, err := parsePattern(parts[1:])
	if err != nil {
		return ManufacturerFilter{}, fmt.Errorf("invalid manufacturer filter %q: %w", s, err)
	}
	return ManufacturerFilter{CompanyID: uint16(id), Prefix: prefix, Mask: mask}, nil
}

// ParseServiceDataFilter parses "<uuid>[:<prefixHex>[:<maskHex>]]", e.g. "180d:01:ff".
// The UUID may not itself contain colons.
func ParseServiceDataFilter(s string) (ServiceDataFilter, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 || parts[0] == "" {
		return ServiceDataFilter{}, fmt.Errorf("invalid service data filter %q: expected <uuid>[:<prefix>[:<mask>]]", s)
	}

	uuid, err := bledb.Canonical(parts[0])
	if err != nil {
		return ServiceDataFilter{}, err
	}

	prefix, mask, err := parsePattern(parts[1:])
	if err != nil {
		return ServiceDataFilter{}, fmt.Errorf("invalid service data filter %q: %w", s, err)
	}
	return ServiceDataFilter{UUID: uuid, Prefix: prefix, Mask: mask}, nil
}

func parsePattern(parts []string) (prefix, mask []byte, err error) {
	if len(parts) > 0 && parts[0] != "" {
		if prefix, err = hexbytes.Decode(parts[0]); err != nil {
			return nil, nil, err
		}
	}
	if len(parts) > 1 && parts[1] != "" {
		if mask, err = hexbytes.Decode(parts[1]); err != nil {
			return nil, nil, err
		}
	}
	return prefix, mask, nil
}
