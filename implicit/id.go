package implicit

import (
	"fmt"

	"github.com/hashicorp/spaauth/sdk/id"
)

// NewID generates an ID with an optional prefix.  The ID generated is
// suitable for a request's state or nonce.
func NewID(optionalPrefix string) (string, error) {
	const op = "implicit.NewID"
	newID, err := id.New(optionalPrefix)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w", op, err)
	}
	return newID, nil
}
