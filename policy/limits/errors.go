package limits

import (
	"errors"
	"fmt"
)

// ErrConfigurationInvalid is returned for policies that can never be enforced.
var ErrConfigurationInvalid = errors.New("limit policy is invalid")

// ConfigurationError identifies the offending policy field.
type ConfigurationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: field=%s reason=%s: %v", ErrConfigurationInvalid, e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: field=%s reason=%s", ErrConfigurationInvalid, e.Field, e.Reason)
}

func (e *ConfigurationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrConfigurationInvalid, e.Err}
	}
	return []error{ErrConfigurationInvalid}
}
