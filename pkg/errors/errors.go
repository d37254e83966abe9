// Package errors provides structured error handling for the relay.
// It defines error types that carry JSON-RPC style codes, a category for
// classification, and structured data for the error envelopes sent back to
// overlay peers.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Category represents the type of an error for classification and handling.
type Category string

const (
	CategoryBackend   Category = "backend"
	CategoryOverlay   Category = "overlay"
	CategoryProtocol  Category = "protocol"
	CategorySession   Category = "session"
	CategoryTimeout   Category = "timeout"
	CategoryCancelled Category = "cancelled"
	CategoryInternal  Category = "internal"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RelayError is the interface implemented by all relay errors.
type RelayError interface {
	error

	// Code returns the JSON-RPC error code carried toward the peer.
	Code() int

	// Message returns the human-readable error message.
	Message() string

	// Category returns the error category for classification.
	Category() Category

	// Severity returns the error severity level.
	Severity() Severity

	// Data returns structured error data for the error envelope.
	Data() interface{}

	// WithDetail returns a new error with additional detail appended.
	WithDetail(detail string) RelayError

	// WithData returns a new error carrying structured data.
	WithData(data interface{}) RelayError

	// Unwrap returns the underlying cause for error chain traversal.
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map.
	ToJSON() map[string]interface{}
}

type baseError struct {
	code      int
	message   string
	detail    string
	data      interface{}
	category  Category
	severity  Severity
	cause     error
	timestamp time.Time
}

func (e *baseError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("%s: %s", e.message, e.detail)
	}
	return e.message
}

func (e *baseError) Code() int          { return e.code }
func (e *baseError) Message() string    { return e.message }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Data() interface{}  { return e.data }
func (e *baseError) Unwrap() error      { return e.cause }

func (e *baseError) WithDetail(detail string) RelayError {
	newErr := *e
	if newErr.detail != "" {
		newErr.detail = fmt.Sprintf("%s; %s", newErr.detail, detail)
	} else {
		newErr.detail = detail
	}
	return &newErr
}

func (e *baseError) WithData(data interface{}) RelayError {
	newErr := *e
	newErr.data = data
	return &newErr
}

func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"code":     e.code,
		"message":  e.message,
		"category": string(e.category),
		"severity": string(e.severity),
	}
	if e.detail != "" {
		result["detail"] = e.detail
	}
	if e.data != nil {
		result["data"] = e.data
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// New creates a new RelayError.
func New(code int, message string, category Category, severity Severity) RelayError {
	return &baseError{
		code:      code,
		message:   message,
		category:  category,
		severity:  severity,
		timestamp: time.Now(),
	}
}

// Wrap wraps an existing error as a RelayError.
func Wrap(err error, code int, message string, category Category, severity Severity) RelayError {
	return &baseError{
		code:      code,
		message:   message,
		category:  category,
		severity:  severity,
		cause:     err,
		timestamp: time.Now(),
	}
}

// AsRelayError extracts a RelayError from any error.
func AsRelayError(err error) (RelayError, bool) {
	if err == nil {
		return nil, false
	}
	if relayErr, ok := err.(RelayError); ok {
		return relayErr, true
	}
	return nil, false
}

// IsCategory checks whether an error belongs to a specific category.
func IsCategory(err error, category Category) bool {
	if relayErr, ok := AsRelayError(err); ok {
		return relayErr.Category() == category
	}
	return false
}

// IsCode checks whether an error carries a specific error code.
func IsCode(err error, code int) bool {
	if relayErr, ok := AsRelayError(err); ok {
		return relayErr.Code() == code
	}
	return false
}
