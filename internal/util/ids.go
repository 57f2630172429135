package util

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewID returns a new nanoid. Generation only fails when the system
// entropy source is broken, so the error is surfaced to the caller.
func NewID() (string, error) {
	return gonanoid.New()
}
