// Package uuid generates WorkItem and change event identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/docharvest/internal/harvest"
)

var _ harvest.IDGenerator = Generator{}

// Generator creates UUIDv7 strings. v7 IDs sort by creation time, which keeps
// change-feed tie-breaks stable.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}
