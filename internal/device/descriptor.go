package device

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/srg/blelink/internal/bledb"
)

// Well-known GATT descriptors, canonical 128-bit form
var (
	DescriptorExtendedProperties = bledb.Expand16(0x2900)
	DescriptorUserDescription    = bledb.Expand16(0x2901)
	DescriptorClientConfig       = bledb.Expand16(0x2902)
	DescriptorPresentationFormat = bledb.Expand16(0x2904)
)

// ExtendedProperties represents the Characteristic Extended Properties descriptor (0x2900)
type ExtendedProperties struct {
	ReliableWrite       bool
	WritableAuxiliaries bool
}

// ClientConfig represents the Client Characteristic Configuration descriptor (0x2902)
type ClientConfig struct {
	Notifications bool
	Indications   bool
}

// Bytes encodes the configuration as the 2-byte little-endian descriptor value.
func (c ClientConfig) Bytes() []byte {
	var v uint16
	if c.Notifications {
		v |= 0x0001
	}
	if c.Indications {
		v |= 0x0002
	}
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}

func (c ClientConfig) String() string {
	switch {
	case c.Notifications && c.Indications:
		return "notifications+indications"
	case c.Notifications:
		return "notifications"
	case c.Indications:
		return "indications"
	default:
		return "disabled"
	}
}

// PresentationFormat represents the Characteristic Presentation Format descriptor (0x2904)
type PresentationFormat struct {
	Format      uint8
	Exponent    int8
	Unit        uint16
	Namespace   uint8
	Description uint16
}

// ParseExtendedProperties parses the 2-byte Characteristic Extended Properties value.
func ParseExtendedProperties(data []byte) (*ExtendedProperties, error) {
	if len(data) != 2 {
		return nil, fmt.Errorf("invalid length for extended properties: expected 2, got %d", len(data))
	}
	value := binary.LittleEndian.Uint16(data)
	return &ExtendedProperties{
		ReliableWrite:       (value & 0x0001) != 0,
		WritableAuxiliaries: (value & 0x0002) != 0,
	}, nil
}

// ParseClientConfig parses the Client Characteristic Configuration descriptor value.
// The descriptor is 2 bytes: bit 0 = Notifications, bit 1 = Indications.
func ParseClientConfig(data []byte) (*ClientConfig, error) {
	if len(data) != 2 {
		return nil, fmt.Errorf("invalid length for client config: expected 2, got %d", len(data))
	}
	value := binary.LittleEndian.Uint16(data)
	return &ClientConfig{
		Notifications: (value & 0x0001) != 0,
		Indications:   (value & 0x0002) != 0,
	}, nil
}

// ParseUserDescription parses the UTF-8, possibly null-terminated, user description.
func ParseUserDescription(data []byte) (string, error) {
	str := strings.TrimRight(string(data), "\x00")
	if !utf8.ValidString(str) {
		return "", fmt.Errorf("invalid UTF-8 in user description")
	}
	return str, nil
}

// ParsePresentationFormat parses the 7-byte presentation format:
// Format(1), Exponent(1), Unit(2), Namespace(1), Description(2).
func ParsePresentationFormat(data []byte) (*PresentationFormat, error) {
	if len(data) != 7 {
		return nil, fmt.Errorf("invalid length for presentation format: expected 7, got %d", len(data))
	}
	return &PresentationFormat{
		Format:      data[0],
		Exponent:    int8(data[1]),
		Unit:        binary.LittleEndian.Uint16(data[2:4]),
		Namespace:   data[4],
		Description: binary.LittleEndian.Uint16(data[5:7]),
	}, nil
}

// ParseDescriptorValue decodes a well-known descriptor value. Unknown descriptors
// come back as the raw bytes; empty data yields (nil, nil).
func ParseDescriptorValue(uuid string, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	canonical, err := bledb.Canonical(uuid)
	if err != nil {
		return nil, &InvalidInputError{Field: "descriptor", Value: uuid, Err: err}
	}

	switch canonical {
	case DescriptorExtendedProperties:
		return ParseExtendedProperties(data)
	case DescriptorUserDescription:
		return ParseUserDescription(data)
	case DescriptorClientConfig:
		return ParseClientConfig(data)
	case DescriptorPresentationFormat:
		return ParsePresentationFormat(data)
	default:
		return data, nil
	}
}
