// Package domain defines core types, interfaces, and errors shared by the
// query safety engine.
package domain

import "fmt"

// ParseError indicates SQL that could not be parsed.
type ParseError struct {
	Message string
}

func (e *ParseError) Error() string { return e.Message }

// UnsupportedShapeError indicates a query shape the policy engine refuses
// to rewrite (set operations, correlated subqueries, non-SELECT input).
type UnsupportedShapeError struct {
	Shape   string
	Message string
}

func (e *UnsupportedShapeError) Error() string { return e.Message }

// ResourceLimitError indicates a bounded resource was exceeded during
// policy evaluation. Limit is one of "targets", "params", "nodes",
// "timeout".
type ResourceLimitError struct {
	Limit   string
	Message string
}

func (e *ResourceLimitError) Error() string { return e.Message }

// MissingTenantError indicates tenant scoping was required but no tenant
// identity was supplied.
type MissingTenantError struct {
	Message string
}

func (e *MissingTenantError) Error() string { return e.Message }

// ErrParse creates a ParseError with a formatted message.
func ErrParse(format string, args ...interface{}) *ParseError {
	return &ParseError{Message: fmt.Sprintf(format, args...)}
}

// ErrUnsupportedShape creates an UnsupportedShapeError for the given shape.
func ErrUnsupportedShape(shape string, format string, args ...interface{}) *UnsupportedShapeError {
	return &UnsupportedShapeError{Shape: shape, Message: fmt.Sprintf(format, args...)}
}

// ErrResourceLimit creates a ResourceLimitError for the given limit kind.
func ErrResourceLimit(limit string, format string, args ...interface{}) *ResourceLimitError {
	return &ResourceLimitError{Limit: limit, Message: fmt.Sprintf(format, args...)}
}

// ErrMissingTenant creates a MissingTenantError with a formatted message.
func ErrMissingTenant(format string, args ...interface{}) *MissingTenantError {
	return &MissingTenantError{Message: fmt.Sprintf(format, args...)}
}
