// Package structvalidate wraps a single shared go-playground/validator
// instance so every Config type in this module validates its struct
// tags the same way the teacher's wscutils package does for request
// payloads.
package structvalidate

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var instance = validator.New()

// Struct validates v against its `validate` struct tags and wraps any
// failure in a single error.
func Struct(v any) error {
	if err := instance.Struct(v); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
