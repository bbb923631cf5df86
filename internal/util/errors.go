// Package util provides small helpers shared across NetWraith packages.
package util

import (
	"fmt"
)

// MultiError collects errors from a sequence of independent steps, such as
// the reverse-order teardown of applied network settings.
type MultiError struct {
	Errors []error
}

// Add records err if it is non-nil.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// Addf records err wrapped with a formatted message if it is non-nil.
func (m *MultiError) Addf(err error, format string, args ...any) {
	if err != nil {
		m.Errors = append(m.Errors, fmt.Errorf(format+": %w", append(args, err)...))
	}
}

// Err returns nil if nothing was recorded, or the MultiError itself.
func (m *MultiError) Err() error {
	if len(m.Errors) == 0 {
		return nil
	}
	return m
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	switch len(m.Errors) {
	case 0:
		return ""
	case 1:
		return m.Errors[0].Error()
	default:
		return fmt.Sprintf("%d errors occurred: %v", len(m.Errors), m.Errors)
	}
}

// Unwrap returns the underlying errors for errors.Is/As support.
func (m *MultiError) Unwrap() []error {
	return m.Errors
}
