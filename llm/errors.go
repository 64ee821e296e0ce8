package llm

import (
	"errors"
	"time"
)

// ErrorCode represents the category of error published to callers.
type ErrorCode string

const (
	CodeInvalidRequest       ErrorCode = "INVALID_REQUEST"
	CodeConfig               ErrorCode = "CONFIG"
	CodeTransport            ErrorCode = "TRANSPORT"
	CodeHTTPStatus           ErrorCode = "HTTP_STATUS"
	CodeProviderBlocked      ErrorCode = "PROVIDER_BLOCKED"
	CodeDecode               ErrorCode = "DECODE"
	CodeAborted              ErrorCode = "ABORTED"
	CodeLocalInferenceFailed ErrorCode = "LOCAL_INFERENCE_FAILED"
)

// Error represents a provider-neutral chat error.
type Error struct {
	Code       ErrorCode
	Message    string
	ProviderID string
	RequestID  string
	Status     int
	Retryable  bool
	RetryAfter *time.Duration
	Cause      error // Underlying error, if any
}

// ErrorEnvelope is the serialized form of an Error.
type ErrorEnvelope struct {
	Code       ErrorCode `json:"code,omitempty"`
	Message    string    `json:"message"`
	ProviderID string    `json:"providerId,omitempty"`
	RequestID  string    `json:"requestId,omitempty"`
	Retryable  bool      `json:"retryable"`
	Status     int       `json:"status,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Envelope converts the error into its published form.
func (e *Error) Envelope() ErrorEnvelope {
	return ErrorEnvelope{
		Code:       e.Code,
		Message:    e.Error(),
		ProviderID: e.ProviderID,
		RequestID:  e.RequestID,
		Retryable:  e.Retryable,
		Status:     e.Status,
	}
}

// WithRequest returns a copy of e tagged with the provider and request ids.
func (e *Error) WithRequest(providerID, requestID string) *Error {
	cp := *e
	if cp.ProviderID == "" {
		cp.ProviderID = providerID
	}
	if cp.RequestID == "" {
		cp.RequestID = requestID
	}
	return &cp
}

// AsError returns the *Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr, true
	}
	return nil, false
}

// CodeOf returns the error code of err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	if llmErr, ok := AsError(err); ok {
		return llmErr.Code
	}
	return ""
}

// IsAborted checks if an error is a user cancellation.
func IsAborted(err error) bool {
	return CodeOf(err) == CodeAborted
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if llmErr, ok := AsError(err); ok {
		return llmErr.Retryable
	}
	return false
}

// ExtractRetryAfter extracts the retry-after duration from an error.
func ExtractRetryAfter(err error) *time.Duration {
	if llmErr, ok := AsError(err); ok {
		return llmErr.RetryAfter
	}
	return nil
}

// EnvelopeOf converts any error into an envelope, using TRANSPORT for foreign errors.
func EnvelopeOf(err error) ErrorEnvelope {
	if llmErr, ok := AsError(err); ok {
		return llmErr.Envelope()
	}
	return ErrorEnvelope{Code: CodeTransport, Message: err.Error()}
}

// NewInvalidRequestError creates an error for malformed caller input.
func NewInvalidRequestError(message string) *Error {
	return &Error{Code: CodeInvalidRequest, Message: message}
}

// NewConfigError creates an error for missing or invalid configuration.
func NewConfigError(message string, cause error) *Error {
	return &Error{Code: CodeConfig, Message: message, Cause: cause}
}

// NewTransportError creates a connection-level error.
func NewTransportError(message string, cause error) *Error {
	return &Error{Code: CodeTransport, Message: message, Retryable: true, Cause: cause}
}

// NewHTTPStatusError creates an error for a non-2xx response. 5xx responses are retryable.
func NewHTTPStatusError(status int, message string) *Error {
	return &Error{
		Code:      CodeHTTPStatus,
		Message:   message,
		Status:    status,
		Retryable: status >= 500,
	}
}

// NewBlockedError creates an error for a provider safety block.
func NewBlockedError(status int, message string) *Error {
	return &Error{Code: CodeProviderBlocked, Message: message, Status: status}
}

// NewDecodeError creates an error for an undecodable payload.
func NewDecodeError(message string, cause error) *Error {
	return &Error{Code: CodeDecode, Message: message, Cause: cause}
}

// NewAbortedError creates the error reported when a request is cancelled.
func NewAbortedError(requestID string) *Error {
	return &Error{Code: CodeAborted, Message: "request aborted", RequestID: requestID}
}
