package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error within a run.
type ErrorClass string

const (
	// ErrorClassSetting indicates malformed or missing input in the settings
	// document. Fatal to the owning module's parse phase only.
	ErrorClassSetting ErrorClass = "setting"

	// ErrorClassConfigure indicates a side-effecting operation failed while
	// applying a module. Fatal to that module's configure phase only.
	ErrorClassConfigure ErrorClass = "configure"

	// ErrorClassValidation indicates one or more attribute checks failed.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassProbe indicates an external probe (package database, service
	// manager) could not answer.
	ErrorClassProbe ErrorClass = "probe"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Module is the configuration module that raised the error, if any.
	Module string `json:"module,omitempty"`

	// Section is the settings document section involved, if any.
	Section string `json:"section,omitempty"`

	// Option is the option (key) involved, if any.
	Option string `json:"option,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)

	var ctx []string
	if e.Module != "" {
		ctx = append(ctx, "module="+e.Module)
	}
	if e.Section != "" {
		ctx = append(ctx, "section="+e.Section)
	}
	if e.Option != "" {
		ctx = append(ctx, "option="+e.Option)
	}
	if len(ctx) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(ctx, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is. Two engine errors
// match when they share a class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewSettingError creates a new setting error.
func NewSettingError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassSetting,
		Message: message,
		Err:     err,
	}
}

// NewConfigureError creates a new configure error.
func NewConfigureError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConfigure,
		Message: message,
		Err:     err,
	}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Err:     err,
	}
}

// NewProbeError creates a new probe error.
func NewProbeError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassProbe,
		Message: message,
		Err:     err,
	}
}

// WithModule adds module context to an error.
func (e *EngineError) WithModule(module string) *EngineError {
	e.Module = module
	return e
}

// WithSection adds section context to an error.
func (e *EngineError) WithSection(section string) *EngineError {
	e.Section = section
	return e
}

// WithOption adds option context to an error.
func (e *EngineError) WithOption(option string) *EngineError {
	e.Option = option
	return e
}

// ClassOf returns the class of the first EngineError in err's chain, or an
// empty class.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsSettingError returns true if the error is classified as a setting error.
func IsSettingError(err error) bool {
	return ClassOf(err) == ErrorClassSetting
}

// IsConfigureError returns true if the error is classified as a configure error.
func IsConfigureError(err error) bool {
	return ClassOf(err) == ErrorClassConfigure
}

// IsValidationError returns true if the error is classified as a validation error.
func IsValidationError(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsProbeError returns true if the error is classified as a probe error.
func IsProbeError(err error) bool {
	return ClassOf(err) == ErrorClassProbe
}
