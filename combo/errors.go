package combo

import (
	"errors"
	"fmt"
	"net/http"
)

// StatusError is a failure that ends a combo request with an HTTP status.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("combo: %d %s: %v", e.Status, http.StatusText(e.Status), e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

func badRequest(format string, args ...any) error {
	return &StatusError{Status: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

func notFound(format string, args ...any) error {
	return &StatusError{Status: http.StatusNotFound, Err: fmt.Errorf(format, args...)}
}

func ioFailure(format string, args ...any) error {
	return &StatusError{Status: http.StatusInternalServerError, Err: fmt.Errorf(format, args...)}
}

// StatusOf returns the HTTP status carried by err, or 500 when err is not a
// *StatusError.
func StatusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return http.StatusInternalServerError
}
