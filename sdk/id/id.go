package id

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// New generates a guid-shaped ID with an optional prefix.  The generated IDs
// are suitable for request correlation state and nonces.
func New(optionalPrefix string) (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("unable to generate id: %w", err)
	}
	switch {
	case optionalPrefix != "":
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	default:
		return id, nil
	}
}
