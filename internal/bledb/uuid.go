package bledb

import (
	"errors"
	"fmt"
	"strings"
)

// BaseUUIDSuffix is the fixed tail of the Bluetooth base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb.
const BaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// ErrInvalidUUID is returned for strings that are not 16, 32 or 128-bit UUIDs.
var ErrInvalidUUID = errors.New("invalid UUID")

// Expand16 expands a 16-bit assigned number with the Bluetooth base UUID.
func Expand16(n uint16) string {
	return fmt.Sprintf("0000%04x%s", n, BaseUUIDSuffix)
}

// Canonical converts a UUID to the lowercase dashed 128-bit form.
// Accepts 16-bit ("180d", "0x180D"), 32-bit and 128-bit forms with or without
// dashes or braces. Already canonical input is returned unchanged.
func Canonical(uuid string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "{")
	s = strings.TrimSuffix(s, "}")
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	if !isHex(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidUUID, uuid)
	}

	switch len(s) {
	case 4:
		return "0000" + s + BaseUUIDSuffix, nil
	case 8:
		return s + BaseUUIDSuffix, nil
	case 32:
		return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32], nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidUUID, uuid)
	}
}

// MustCanonical is Canonical for constants; it panics on malformed input.
func MustCanonical(uuid string) string {
	c, err := Canonical(uuid)
	if err != nil {
		panic(err)
	}
	return c
}

// Short returns the 16-bit (or 32-bit) form of a SIG base UUID, and the canonical
// 128-bit form otherwise. Unparseable input is returned as-is.
func Short(uuid string) string {
	c, err := Canonical(uuid)
	if err != nil {
		return uuid
	}
	if !strings.HasSuffix(c, BaseUUIDSuffix) {
		return c
	}
	if strings.HasPrefix(c, "0000") {
		return c[4:8]
	}
	return c[0:8]
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
