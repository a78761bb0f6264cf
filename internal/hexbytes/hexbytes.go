// Package hexbytes converts between byte buffers and the whitespace-separated
// hex strings used at the client boundary ("a1 2e 38").
package hexbytes

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Decode parses hex byte pairs. Pairs may be separated by whitespace, ':' or
// '-', may carry a 0x prefix and are case-insensitive. Each separated field
// must hold whole bytes. "" decodes to zero bytes.
func Decode(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == ':' || r == '-' || r == ','
	})

	data := make([]byte, 0, len(s)/2)
	for _, f := range fields {
		f = strings.TrimPrefix(strings.TrimPrefix(f, "0x"), "0X")
		if len(f)%2 != 0 {
			return nil, fmt.Errorf("invalid hex data %q: field %q has an odd number of digits", s, f)
		}
		chunk, err := hex.DecodeString(f)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data %q: %w", s, err)
		}
		data = append(data, chunk...)
	}
	return data, nil
}

// Encode renders bytes as lowercase pairs separated by a single space.
func Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(data)*3 - 1)
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(hex.EncodeToString([]byte{v}))
	}
	return b.String()
}

// Normalize re-encodes a hex string in canonical form.
func Normalize(s string) (string, error) {
	data, err := Decode(s)
	if err != nil {
		return "", err
	}
	return Encode(data), nil
}
