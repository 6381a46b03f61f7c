package orchestrator

import (
	"errors"
	"fmt"
)

// ErrActionInFlight is wrapped by the ValidationError returned when an action starts
// while another one is still waiting for the server.
var ErrActionInFlight = errors.New("another action is in progress")

// ErrStaleResponse is returned when a response arrives after the session moved on.
// The response is discarded and nothing is shown.
var ErrStaleResponse = errors.New("response discarded: session changed while the request was in flight")

// ValidationError is a precondition failure detected locally. No request was sent.
type ValidationError struct {
	Action  Action
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ServerRejection is a well-formed failure response. Message is the server's text.
type ServerRejection struct {
	Action     Action
	StatusCode int
	Message    string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("%s rejected by server: %s", e.Action, e.Message)
}

// TransportFailure covers everything between "no response" and "response we could not
// understand". Message is the generic text shown for the action.
type TransportFailure struct {
	Action  Action
	Message string
	Err     error
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
}

func (e *TransportFailure) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsRejection reports whether err is a ServerRejection.
func IsRejection(err error) bool {
	var target *ServerRejection
	return errors.As(err, &target)
}

// IsTransportFailure reports whether err is a TransportFailure.
func IsTransportFailure(err error) bool {
	var target *TransportFailure
	return errors.As(err, &target)
}

// UserMessage returns the text to show for err.
func UserMessage(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Message
	}
	var r *ServerRejection
	if errors.As(err, &r) {
		return r.Message
	}
	var f *TransportFailure
	if errors.As(err, &f) {
		return f.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
