package api

import (
	"errors"
	"fmt"
)

// RejectionError is a well-formed response whose status is "error". Message is the
// server's text, meant to be shown verbatim.
type RejectionError struct {
	StatusCode int
	Message    string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("server rejected request (status %d): %s", e.StatusCode, e.Message)
}

// IsRejection reports whether err is, or wraps, a RejectionError.
func IsRejection(err error) bool {
	var target *RejectionError
	return errors.As(err, &target)
}

// AsRejection returns the RejectionError in err's chain, if any.
func AsRejection(err error) (*RejectionError, bool) {
	var target *RejectionError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
