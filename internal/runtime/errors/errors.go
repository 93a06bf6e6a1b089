package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired    = sterrors.New("brokerrpc: configuration is required")
	ErrLoggerRequired    = sterrors.New("brokerrpc: logger is required")
	ErrTopicRequired     = sterrors.New("brokerrpc: topic is required")
	ErrMethodRequired    = sterrors.New("brokerrpc: method name is required")
	ErrMethodTableNil    = sterrors.New("brokerrpc: method table is required")
	ErrHandlerRequired   = sterrors.New("brokerrpc: method handler is required")
	ErrDuplicateMethod   = sterrors.New("brokerrpc: method already registered")
	ErrInvalidHandler    = sterrors.New("brokerrpc: handler must be a function")

	// ErrInvalidUsage is returned before any I/O when a call mixes positional and keyword parameters.
	ErrInvalidUsage = sterrors.New("brokerrpc: use either positional or keyword parameters, not both")
	// ErrMalformedResponse is returned when a result envelope carries neither a result nor an error.
	ErrMalformedResponse = sterrors.New("brokerrpc: result envelope carries neither result nor error")
	// ErrTransport wraps publish and subscribe failures of the underlying pub/sub system.
	ErrTransport = sterrors.New("brokerrpc: transport failure")
	// ErrBrokerClosed is returned by operations on a closed broker.
	ErrBrokerClosed = sterrors.New("brokerrpc: broker is closed")
	// ErrSubscriptionClosed is returned when a consumer handle's transport stream ends.
	ErrSubscriptionClosed = sterrors.New("brokerrpc: subscription closed")
)

// ConfigValidationError marks an error produced while validating configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("brokerrpc: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// TransportError wraps err so that errors.Is(err, ErrTransport) holds.
func TransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
