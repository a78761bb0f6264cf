package device

import (
	"fmt"

	"github.com/srg/blelink/internal/bledb"
)

// ValidateUUID canonicalizes one or more UUIDs supplied for field.
// Empty or malformed values are reported as *InvalidInputError.
func ValidateUUID(field string, uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, &InvalidInputError{Field: field, Err: fmt.Errorf("at least one UUID is required")}
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, &InvalidInputError{Field: field, Value: uuid, Err: fmt.Errorf("UUID at index %d cannot be empty", i)}
		}
		canonical, err := bledb.Canonical(uuid)
		if err != nil {
			return nil, &InvalidInputError{Field: field, Value: uuid, Err: err}
		}
		result = append(result, canonical)
	}
	return result, nil
}
