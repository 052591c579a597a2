package errors

import (
	"errors"
	"fmt"
)

// ParsingError indicates malformed HL7 input. Fatal to the operation;
// nothing is persisted.
type ParsingError struct {
	Msg string
}

func (e *ParsingError) Error() string {
	return fmt.Sprintf("could not parse HL7 message: %s", e.Msg)
}

// UnsupportedMessageTypeError marks an HL7 message type this system does not
// convert. It is reported as a structured outcome, never raised across a
// component boundary.
type UnsupportedMessageTypeError struct {
	MessageType string
}

func (e *UnsupportedMessageTypeError) Error() string {
	return fmt.Sprintf("unsupported message type %s", e.MessageType)
}

// AuthenticationError indicates the token was invalid after one
// re-authentication retry. Fatal to the current resource-type iteration.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// ResourceNotFoundError is an HTTP 404; fatal to that single request only.
type ResourceNotFoundError struct {
	ResourceType string
	ID           string
}

func (e *ResourceNotFoundError) Error() string {
	return fmt.Sprintf("%s/%s not found", e.ResourceType, e.ID)
}

// TransientError is a timeout, transport failure, or unexpected 4xx/5xx that
// survived the retry budget. StatusCode is 0 for transport-level failures.
type TransientError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ErrCircuitOpen fails fast without a network call and does not consume the
// retry budget.
var ErrCircuitOpen = errors.New("circuit breaker is open; service unavailable")

// IsRetryable reports whether a later attempt could plausibly succeed.
// Circuit-open is excluded: callers must wait out the recovery window, not
// burn retries against it.
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsSystemic reports whether an error invalidates the remainder of the
// current resource-type loop (as opposed to a single record).
func IsSystemic(err error) bool {
	var auth *AuthenticationError
	var transient *TransientError
	return errors.Is(err, ErrCircuitOpen) || errors.As(err, &auth) || errors.As(err, &transient)
}
