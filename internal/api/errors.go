package api

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks evaluation inputs the caller can fix. The HTTP
// layer maps it to a 400 response.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func invalidRequestf(format string, args ...any) error {
	return invalidRequestError{msg: fmt.Sprintf(format, args...)}
}
