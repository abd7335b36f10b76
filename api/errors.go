package api

import (
	"errors"
	"fmt"
)

var (
	ErrClassNotFound = errors.New("class not found")
	ErrFieldNotFound = errors.New("field not found")
	ErrTypeCoercion  = errors.New("value does not fit field type")
	ErrBusy          = errors.New("agent already serving a controller")
)

// ErrorCode is carried by ERROR frames.
type ErrorCode uint16

const (
	CodeInternal      ErrorCode = 1
	CodeClassNotFound ErrorCode = 2
	CodeFieldNotFound ErrorCode = 3
	CodeTypeCoercion  ErrorCode = 4
	CodeBadRequest    ErrorCode = 5
	CodeBusy          ErrorCode = 6
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInternal:
		return "internal"
	case CodeClassNotFound:
		return "class-not-found"
	case CodeFieldNotFound:
		return "field-not-found"
	case CodeTypeCoercion:
		return "type-coercion"
	case CodeBadRequest:
		return "bad-request"
	case CodeBusy:
		return "busy"
	}
	return fmt.Sprintf("code-%d", uint16(c))
}

// RemoteError is an ERROR frame surfaced on the controller side. It matches
// the package sentinels with errors.Is.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent error (%s): %s", e.Code, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrClassNotFound:
		return e.Code == CodeClassNotFound
	case ErrFieldNotFound:
		return e.Code == CodeFieldNotFound
	case ErrTypeCoercion:
		return e.Code == CodeTypeCoercion
	case ErrBusy:
		return e.Code == CodeBusy
	}
	return false
}

// CodeOf picks the wire code for an agent-side error.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrClassNotFound):
		return CodeClassNotFound
	case errors.Is(err, ErrFieldNotFound):
		return CodeFieldNotFound
	case errors.Is(err, ErrTypeCoercion):
		return CodeTypeCoercion
	case errors.Is(err, ErrBusy):
		return CodeBusy
	}
	return CodeInternal
}
