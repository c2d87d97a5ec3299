package errors

import (
	"errors"
	"fmt"
)

// EngineError provides a structured error carrying a stable code that callers
// can branch on without string matching.
type EngineError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Internal error  `json:"-"`
}

func (e *EngineError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the EngineError with an attached internal error.
func (e *EngineError) WithInternal(err error) *EngineError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Is matches EngineErrors by code so sentinel comparisons survive WithInternal copies.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if !errors.As(target, &other) {
		return false
	}
	return e != nil && other != nil && e.Code == other.Code
}

// Common errors exposed to the rest of the engine.
var (
	ErrNetwork = &EngineError{
		Code:    "NETWORK_ERROR",
		Message: "Network request failed",
	}

	ErrNetworkTimeout = &EngineError{
		Code:    "NETWORK_TIMEOUT",
		Message: "Network request timed out",
	}

	ErrStore = &EngineError{
		Code:    "STORE_ERROR",
		Message: "Persistent store operation failed",
	}

	ErrStoreNotReady = &EngineError{
		Code:    "STORE_NOT_READY",
		Message: "Persistent store has not been initialised",
	}

	ErrQuotaExceeded = &EngineError{
		Code:    "STORE_QUOTA_EXCEEDED",
		Message: "Persistent store quota exceeded",
	}

	ErrConfig = &EngineError{
		Code:    "CONFIG_ERROR",
		Message: "Invalid engine configuration",
	}

	ErrNotFound = &EngineError{
		Code:    "NOT_FOUND",
		Message: "Resource not found",
	}
)

// New builds a new engine error with the provided metadata.
func New(code, message string) *EngineError {
	return &EngineError{
		Code:    code,
		Message: message,
	}
}

// NewNetwork wraps a transport failure in the network error class.
func NewNetwork(err error) *EngineError {
	return ErrNetwork.WithInternal(err)
}

// NewStore wraps a persistence failure in the store error class.
func NewStore(err error) *EngineError {
	return ErrStore.WithInternal(err)
}

// NewConfig reports an invalid configuration with a helpful message.
func NewConfig(message string) *EngineError {
	return &EngineError{
		Code:    ErrConfig.Code,
		Message: message,
	}
}

// FromError converts a generic error into an EngineError, defaulting to the store class.
func FromError(err error) *EngineError {
	if err == nil {
		return nil
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr
	}

	return ErrStore.WithInternal(err)
}
