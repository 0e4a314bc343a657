package utils

import "github.com/google/uuid"

func NewUUID7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return id.String(), nil
}

// ShortID condenses a UUID v7 into 8 hex chars for device and file naming.
// It mixes the low bits of the timestamp with the tail of the random
// component so two VMs spawned in the same millisecond still differ.
func ShortID(id string) string {
	if len(id) < 36 {
		// Fallback for non-UUID ids
		if len(id) >= 8 {
			return id[len(id)-8:]
		}
		return id
	}

	// UUID v7 with hyphens: low timestamp chars at 9-13, random tail at 32-36.
	return id[9:13] + id[32:36]
}
