// Package errors holds the sentinel errors shared across the mesh runtime.
package errors

import sterrors "errors"

var (
	ErrConfigRequired    = sterrors.New("meshrpc: configuration is required")
	ErrLoggerRequired    = sterrors.New("meshrpc: logger is required")
	ErrEndpointRequired  = sterrors.New("meshrpc: endpoint is required")
	ErrGroupRequired     = sterrors.New("meshrpc: service group is required")
	ErrMethodRequired    = sterrors.New("meshrpc: method name is required")
	ErrHandlerRequired   = sterrors.New("meshrpc: handler function is required")
	ErrTransportRequired = sterrors.New("meshrpc: transport is required")

	// Raised by the typed handler adapters when the input type parameter
	// cannot be instantiated.
	ErrInputTypeRequired    = sterrors.New("meshrpc: typed handler input type is required")
	ErrInputPointerRequired = sterrors.New("meshrpc: typed handler input must be a pointer type")
	ErrAlreadyRunning       = sterrors.New("meshrpc: already running")
	ErrNotRunning           = sterrors.New("meshrpc: not running")
	ErrStopped              = sterrors.New("meshrpc: stopped")
	ErrNotConnected         = sterrors.New("meshrpc: not connected")
)

// ConfigValidationError wraps the joined validation failures reported by
// Config.Validate so callers can recognize them with errors.As while still
// reaching the individual sentinels through Unwrap.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "meshrpc: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err in a ConfigValidationError, or returns
// nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
