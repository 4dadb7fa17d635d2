// Package errors provides error classification and handling for fleetcmd.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// NetworkErrorPrefix is prepended to every transport failure shown to the operator.
const NetworkErrorPrefix = "Network error: "

// GenericRequestFailure is shown when the backend rejects a request without a reason.
const GenericRequestFailure = "Request failed"

// ErrorType represents the classification of errors
type ErrorType int

const (
	// ValidationErrorType represents local input errors that are never sent to the network
	ValidationErrorType ErrorType = iota

	// TransportErrorType represents network failures reaching the backend
	TransportErrorType

	// ApplicationErrorType represents an ok:false answer from the backend
	ApplicationErrorType

	// CancelledErrorType represents a dispatch abandoned by the operator
	CancelledErrorType

	// UnknownErrorType represents unclassified errors
	UnknownErrorType
)

// String returns a string representation of the error type
func (et ErrorType) String() string {
	switch et {
	case ValidationErrorType:
		return "validation"
	case TransportErrorType:
		return "transport"
	case ApplicationErrorType:
		return "application"
	case CancelledErrorType:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ClassifiedError wraps an error with classification information
type ClassifiedError struct {
	Type     ErrorType
	Original error
	Message  string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	if ce.Original != nil {
		return ce.Original.Error()
	}
	return "unknown error"
}

// Unwrap returns the original error for error unwrapping
func (ce *ClassifiedError) Unwrap() error {
	return ce.Original
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *ClassifiedError {
	return &ClassifiedError{
		Type:    ValidationErrorType,
		Message: message,
	}
}

// NewTransportError creates a new transport error
func NewTransportError(original error) *ClassifiedError {
	return &ClassifiedError{
		Type:     TransportErrorType,
		Original: original,
	}
}

// NewApplicationError builds an application error from a backend rejection.
// The message is errors joined with "; " when present, else single, else a generic one.
func NewApplicationError(errs []string, single string) *ClassifiedError {
	msg := GenericRequestFailure
	switch {
	case len(errs) > 0:
		msg = strings.Join(errs, "; ")
	case single != "":
		msg = single
	}
	return &ClassifiedError{
		Type:    ApplicationErrorType,
		Message: msg,
	}
}

// NewCancelledError creates a new cancellation error
func NewCancelledError(original error) *ClassifiedError {
	return &ClassifiedError{
		Type:     CancelledErrorType,
		Original: original,
		Message:  "dispatch cancelled",
	}
}

// TypeOf returns the classification of err, UnknownErrorType when it carries none
func TypeOf(err error) ErrorType {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Type
	}
	return UnknownErrorType
}

// UserMessage converts err into the message shown to the operator.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var merr *multierror.Error
	if stderrors.As(err, &merr) {
		parts := make([]string, 0, len(merr.Errors))
		for _, e := range merr.Errors {
			parts = append(parts, UserMessage(e))
		}
		return strings.Join(parts, " ")
	}
	var ce *ClassifiedError
	if stderrors.As(err, &ce) && ce.Type == TransportErrorType {
		return NetworkErrorPrefix + ce.Error()
	}
	return err.Error()
}

// ValidationErrors collects validation problems for one operator action
type ValidationErrors struct {
	result *multierror.Error
}

// Add records a validation problem
func (v *ValidationErrors) Add(message string) {
	v.result = multierror.Append(v.result, NewValidationError(message))
}

// Addf records a formatted validation problem
func (v *ValidationErrors) Addf(format string, args ...any) {
	v.Add(fmt.Sprintf(format, args...))
}

// Count returns the number of collected problems
func (v *ValidationErrors) Count() int {
	if v.result == nil {
		return 0
	}
	return len(v.result.Errors)
}

// ErrorOrNil returns the collected problems as one error, or nil when there are none
func (v *ValidationErrors) ErrorOrNil() error {
	if v.result == nil {
		return nil
	}
	v.result.ErrorFormat = func(errs []error) string {
		parts := make([]string, 0, len(errs))
		for _, e := range errs {
			parts = append(parts, e.Error())
		}
		return strings.Join(parts, " ")
	}
	return v.result.ErrorOrNil()
}

// IsValidation reports whether every error in err is a validation error
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	var merr *multierror.Error
	if stderrors.As(err, &merr) {
		for _, e := range merr.Errors {
			if TypeOf(e) != ValidationErrorType {
				return false
			}
		}
		return len(merr.Errors) > 0
	}
	return TypeOf(err) == ValidationErrorType
}
