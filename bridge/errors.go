package bridge

import (
	"errors"
	"fmt"
)

var (
	// Admission and lifecycle errors
	ErrOverCapacity   = errors.New("bridge: too many pending requests")
	ErrShuttingDown   = errors.New("bridge: shutting down")
	ErrNotStarted     = errors.New("bridge: not started")
	ErrAlreadyStarted = errors.New("bridge: already started")
	ErrStopped        = errors.New("bridge: stopped")

	// Resolution errors
	ErrTimeout          = errors.New("bridge: request timed out")
	ErrTransportFailure = errors.New("bridge: transport failure")
	ErrHandlerFailure   = errors.New("bridge: handler failure")

	// Internal errors
	ErrDuplicateCorrelationID = errors.New("bridge: duplicate correlation ID")
	ErrPoolClosed             = errors.New("bridge: worker pool closed")
)

// TransportError reports a failure to publish a request or poll responses
type TransportError struct {
	Op      string
	Address string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Address != "" {
		return fmt.Sprintf("bridge: %s to %s failed: %v", e.Op, e.Address, e.Err)
	}
	return fmt.Sprintf("bridge: %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports ErrTransportFailure as a match
func (e *TransportError) Is(target error) bool {
	return target == ErrTransportFailure
}

// HandlerError carries the failure detail reported by a remote handler
type HandlerError struct {
	CorrelationID string
	Code          string
	Message       string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("bridge: handler failed for %s: %s: %s", e.CorrelationID, e.Code, e.Message)
}

// Is reports ErrHandlerFailure as a match
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailure
}
