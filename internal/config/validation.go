package config

import (
	"fmt"
	"strings"
	"time"

	"bridgectl/internal/api"
)

// ValidationError represents a validation error with context
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

// Error implements the error interface
func (ve ValidationError) Error() string {
	if ve.Field == "" {
		return ve.Message
	}
	return fmt.Sprintf("field '%s': %s", ve.Field, ve.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for multiple validation errors
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}

	var messages []string
	for _, err := range ve {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(messages, "; "))
}

// HasErrors returns true if there are any validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a new validation error
func (ve *ValidationErrors) Add(field, message string, value ...interface{}) {
	var val interface{}
	if len(value) > 0 {
		val = value[0]
	}
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   val,
		Message: message,
	})
}

// ValidateOneOf checks if a value is in a list of allowed values
func ValidateOneOf(field, value string, allowed []string) error {
	for _, allowedValue := range allowed {
		if value == allowedValue {
			return nil
		}
	}
	return ValidationError{
		Field:   field,
		Value:   value,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(allowed, ", ")),
	}
}

// ValidatePort checks that a port is zero (unset) or a valid TCP port.
func ValidatePort(field string, port int) error {
	if port < 0 || port > maxValidPortValue {
		return ValidationError{Field: field, Value: port, Message: "is out of range"}
	}
	return nil
}

func (ve *ValidationErrors) check(err error) {
	if err == nil {
		return
	}
	if v, ok := err.(ValidationError); ok {
		*ve = append(*ve, v)
		return
	}
	ve.Add("", err.Error())
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var errs ValidationErrors

	if c.Backend.Type != "" {
		kinds := api.AllBackendTypes()
		allowed := make([]string, len(kinds))
		for i, k := range kinds {
			allowed[i] = string(k)
		}
		errs.check(ValidateOneOf("backend.type", string(c.Backend.Type), allowed))
	}
	errs.check(ValidatePort("backend.port", c.Backend.Port))
	if c.LogFormat != "" {
		errs.check(ValidateOneOf("logFormat", c.LogFormat, []string{"text", "json"}))
	}
	if c.Probe.MaxAttempts < 1 {
		errs.Add("probe.maxAttempts", "must be at least 1", c.Probe.MaxAttempts)
	}
	if c.Probe.Multiplier != 0 && c.Probe.Multiplier <= 1 {
		errs.Add("probe.multiplier", "must be greater than 1", c.Probe.Multiplier)
	}
	if c.Liveness.FailureThreshold < 1 {
		errs.Add("liveness.failureThreshold", "must be at least 1", c.Liveness.FailureThreshold)
	}
	for field, d := range map[string]time.Duration{
		"detection.timeout":       c.Detection.Timeout,
		"validation.checkTimeout": c.Validation.CheckTimeout,
		"liveness.interval":       c.Liveness.Interval,
	} {
		if d < 0 {
			errs.Add(field, "must not be negative", d)
		}
	}

	if !errs.HasErrors() {
		return nil
	}
	suggestions := make([]string, len(errs))
	for i, e := range errs {
		suggestions[i] = e.Error()
	}
	return &ConfigurationError{
		Source:      "merged",
		ErrorType:   "validation",
		Message:     errs.Error(),
		Suggestions: suggestions,
	}
}
