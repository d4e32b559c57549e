package plan

import (
	"errors"
	"fmt"
)

// ErrorClass classifies validation and compilation failures so callers
// can decide between aborting, warning, and dropping.
type ErrorClass string

const (
	// ErrorClassUnknownType indicates a step type outside the closed set.
	ErrorClassUnknownType ErrorClass = "unknown_type"

	// ErrorClassMissingField indicates a required field absent after
	// projection onto the allowed-key set.
	ErrorClassMissingField ErrorClass = "missing_field"

	// ErrorClassMalformed indicates input of the wrong shape, such as a
	// non-object step or a non-array plan.
	ErrorClassMalformed ErrorClass = "malformed"

	// ErrorClassUnknownMacro indicates a macro name not present in the
	// registry, or macro expansion exceeding the depth cap.
	ErrorClassUnknownMacro ErrorClass = "unknown_macro"
)

// Error is a classified plan error with step context.
type Error struct {
	// Class is the failure classification.
	Class ErrorClass

	// Message is the human-readable description.
	Message string

	// StepType is the offending step type, when known.
	StepType string

	// Field is the offending field name, when applicable.
	Field string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StepType != "" && e.Field != "":
		return fmt.Sprintf("[%s] %s (step=%s, field=%s)", e.Class, e.Message, e.StepType, e.Field)
	case e.StepType != "":
		return fmt.Sprintf("[%s] %s (step=%s)", e.Class, e.Message, e.StepType)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewUnknownTypeError creates an error for a type outside the closed set.
func NewUnknownTypeError(stepType string) *Error {
	return &Error{
		Class:    ErrorClassUnknownType,
		Message:  fmt.Sprintf("unknown step type: %q", stepType),
		StepType: stepType,
	}
}

// NewMissingFieldError creates an error for an absent required field.
func NewMissingFieldError(stepType StepType, field string) *Error {
	return &Error{
		Class:    ErrorClassMissingField,
		Message:  fmt.Sprintf("missing required field %q", field),
		StepType: string(stepType),
		Field:    field,
	}
}

// NewMalformedError creates an error for input of the wrong shape.
func NewMalformedError(message string) *Error {
	return &Error{
		Class:   ErrorClassMalformed,
		Message: message,
	}
}

// NewUnknownMacroError creates an error for an unregistered macro name.
func NewUnknownMacroError(name string) *Error {
	return &Error{
		Class:   ErrorClassUnknownMacro,
		Message: fmt.Sprintf("unknown macro: %q", name),
	}
}

// IsUnknownType reports whether err is classified as an unknown step type.
func IsUnknownType(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassUnknownType
}

// IsMissingField reports whether err is classified as a missing field.
func IsMissingField(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassMissingField
}

// IsMalformed reports whether err is classified as malformed input.
func IsMalformed(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassMalformed
}

// IsUnknownMacro reports whether err is classified as an unknown macro.
func IsUnknownMacro(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassUnknownMacro
}
