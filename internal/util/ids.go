package util

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewID returns a short public identifier for stored records.
func NewID() string {
	return gonanoid.Must()
}

// NewRequestID returns a unique identifier tagging one request's trace.
func NewRequestID() string {
	return uuid.NewString()
}
