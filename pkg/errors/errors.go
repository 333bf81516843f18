// Package errors provides the structured error type shared by the coinpool packages.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeTransport covers daemon or verifier connectivity failures and timeouts at the socket level
	ErrorTypeTransport ErrorType = "transport"
	// ErrorTypeProtocol covers upstream replies that are not the expected shape
	ErrorTypeProtocol ErrorType = "protocol"
	// ErrorTypeInternal covers broken local invariants
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeUnsupported covers unknown ports, formats and algorithms
	ErrorTypeUnsupported ErrorType = "unsupported"
	// ErrorTypeValidation covers malformed caller input such as bad blobs
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeTimeout represents operation deadlines
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeDatabase represents persistence collaborator errors
	ErrorTypeDatabase ErrorType = "database"
	// ErrorTypeMessaging represents alert and event sink errors
	ErrorTypeMessaging ErrorType = "messaging"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]interface{}
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value interface{}) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithBody attaches the raw upstream body so callers can log what the daemon actually said.
func (e *ServiceError) WithBody(body []byte) *ServiceError {
	if len(body) == 0 {
		return e
	}
	return e.WithContext("body", string(body))
}

// AsRetryable overrides the default retry classification.
func (e *ServiceError) AsRetryable(retryable bool) *ServiceError {
	e.Retryable = retryable
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Newf is New with a formatted message.
func Newf(errorType ErrorType, operation, format string, args ...any) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with context
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	// A wrapped ServiceError keeps its retry classification and context
	var se *ServiceError
	if errors.As(err, &se) {
		return &ServiceError{
			Type:      errorType,
			Operation: operation,
			Message:   message,
			Cause:     err,
			Context:   copyContext(se.Context),
			Timestamp: time.Now(),
			Retryable: se.Retryable,
		}
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType) || isRetryableByDefault(err),
	}
}

func copyContext(src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]interface{}, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeTransport, ErrorTypeTimeout, ErrorTypeMessaging:
		return true
	default:
		return false
	}
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"broken pipe",
		"timeout",
		"temporary failure",
		"eof",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Type == errorType
	}
	return false
}

// HasType reports whether any ServiceError in the chain has the given type.
func HasType(err error, errorType ErrorType) bool {
	for err != nil {
		if se, ok := err.(*ServiceError); ok && se.Type == errorType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]interface{} {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}

// Body returns the raw upstream body attached to err, if any.
func Body(err error) string {
	if body, ok := GetContext(err)["body"].(string); ok {
		return body
	}
	return ""
}

// Is and As are re-exported so callers need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As is errors.As.
func As(err error, target any) bool { return errors.As(err, target) }

// Sentinel builds a comparable package-level error value.
func Sentinel(msg string) error { return errors.New(msg) }

// Join is errors.Join.
func Join(errs ...error) error { return errors.Join(errs...) }
