// Package errors provides standardized error handling patterns for SignalBus
// components. It includes error classification, standard error variables, and
// helper functions for consistent error wrapping across the system.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration.
	// These are raised to the caller of the operation that requested them
	// but never take down the whole bus.
	ErrorInvalid
	// ErrorFatal represents unrecoverable configuration-time errors
	// (broken contracts, broken mode chains) that should abort boot.
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Class registry errors
	ErrClassNotFound     = errors.New("node class not found")
	ErrDuplicateClass    = errors.New("node class already registered")
	ErrContractViolation = errors.New("required handler contract violated")
	ErrUnknownParent     = errors.New("parent class not registered")

	// Instance errors
	ErrDuplicateInstance = errors.New("instance id already in use")
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrHandlerNotFound   = errors.New("handler not found")

	// Mode and wiring errors
	ErrUnknownMode   = errors.New("mode not defined")
	ErrDuplicateMode = errors.New("mode already defined")
	ErrModeCycle     = errors.New("cycle in mode base chain")

	// Lifecycle errors
	ErrAlreadyStarted    = errors.New("instance already started")
	ErrNotInitialized    = errors.New("instance not initialized")
	ErrAlreadyStopped    = errors.New("instance already stopped")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrShuttingDown      = errors.New("bus is shutting down")

	// Transport errors
	ErrNoBoundary        = errors.New("no boundary transport configured")
	ErrBoundaryClosed    = errors.New("boundary transport closed")
	ErrConnectionTimeout = errors.New("connection timeout")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	return errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrBoundaryClosed)
}

// IsFatal checks if an error is fatal and should abort boot
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrContractViolation) ||
		errors.Is(err, ErrModeCycle) ||
		errors.Is(err, ErrMissingConfig)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrClassNotFound) ||
		errors.Is(err, ErrDuplicateClass) ||
		errors.Is(err, ErrDuplicateInstance) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrUnknownMode) ||
		errors.Is(err, ErrDuplicateMode) ||
		errors.Is(err, ErrInvalidConfig)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}
