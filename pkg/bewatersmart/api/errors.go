package api

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound matches every *NotFoundError
	ErrNotFound = errors.New("not found")
	// ErrUnexpectedResponse is returned when a 2xx body has neither the
	// success shape nor the error shape of the operation
	ErrUnexpectedResponse = errors.New("unexpected response")
)

// NotFoundError is a 2xx response whose body carries an error message
// instead of the expected payload
type NotFoundError struct {
	Resource string
	ID       string
	Message  string
}

func (e *NotFoundError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s %s not found: %s", e.Resource, e.ID, e.Message)
}

// Is makes errors.Is(err, ErrNotFound) work
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// StatusError is a non-2xx response
type StatusError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status code %d: %s", e.Operation, e.StatusCode, e.Body)
}
