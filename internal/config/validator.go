package config

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Validator is the interface for validating configuration.
type Validator interface {
	Validate() error
}

// ValidationError represents a single validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiValidationError represents multiple validation errors.
type MultiValidationError struct {
	Errors []ValidationError
}

// Error implements the error interface.
func (e *MultiValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}

	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var builder strings.Builder
	builder.WriteString(fmt.Sprintf("validation failed with %d errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		builder.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return builder.String()
}

// Validate validates Config.
func (c *Config) Validate() error {
	var errors []ValidationError

	if c.Version == "" {
		errors = append(errors, ValidationError{
			Field:   "version",
			Message: "version is required",
		})
	} else if c.Version != SchemaVersion {
		errors = append(errors, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %q (want %q)", c.Version, SchemaVersion),
		})
	}

	if c.Log.Level != "" {
		if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
			errors = append(errors, ValidationError{
				Field:   "log.level",
				Message: fmt.Sprintf("unknown level %q", c.Log.Level),
			})
		}
	}

	if c.Symbolizer.CacheSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "symbolizer.cache_size",
			Message: "cache size must be positive",
		})
	}

	if c.Symbolizer.MaxSectionSize == 0 {
		errors = append(errors, ValidationError{
			Field:   "symbolizer.max_section_size",
			Message: "max section size must be positive",
		})
	}

	for i, dir := range c.Symbolizer.DebugDirs {
		if dir == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("symbolizer.debug_dirs[%d]", i),
				Message: "debug dir must not be empty",
			})
		}
	}

	if len(errors) > 0 {
		return &MultiValidationError{Errors: errors}
	}
	return nil
}
