package simple

import (
	"github.com/google/uuid"
)

// Generator issues time ordered UUIDv7 task ids.
type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) Next() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
