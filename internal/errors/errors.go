package errors

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Error kinds surfaced to callers of the task service.
var (
	ErrInvalidArgument = new(ErrCodeInvalidArgument, "invalid argument")
	ErrNotFound        = new(ErrCodeNotFound, "resource not found")
	ErrVersionConflict = new(ErrCodeVersionConflict, "version conflict")
	ErrSystem          = new(ErrCodeSystemError, "system error")

	statusCodeMap = map[error]int{
		ErrInvalidArgument: http.StatusBadRequest,
		ErrNotFound:        http.StatusNotFound,
		ErrVersionConflict: http.StatusConflict,
		ErrSystem:          http.StatusInternalServerError,
	}
)

const (
	ErrCodeInvalidArgument = "invalid_argument"
	ErrCodeNotFound        = "not_found"
	ErrCodeVersionConflict = "version_conflict"
	ErrCodeSystemError     = "system_error"
)

// InternalError is a sentinel for one error kind. Concrete errors are marked
// with it so errors.Is matches by code.
type InternalError struct {
	Code    string
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err == nil {
		return e.DisplayError()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Err.Error())
}

func (e *InternalError) DisplayError() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error {
	return e.Err
}

func (e *InternalError) Is(target error) bool {
	if target == nil {
		return false
	}
	t, ok := target.(*InternalError)
	if !ok {
		return errors.Is(e.Err, target)
	}
	return e.Code == t.Code
}

func new(code string, message string) *InternalError {
	return &InternalError{
		Code:    code,
		Message: message,
	}
}

func As(err error, target any) bool {
	return errors.As(err, target)
}

func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// HTTPStatusFromErr maps a marked error to a response status. Unmarked errors
// (store faults) are 500.
func HTTPStatusFromErr(err error) int {
	for e, status := range statusCodeMap {
		if errors.Is(err, e) {
			return status
		}
	}
	return http.StatusInternalServerError
}

// CodeFromErr returns the machine-readable code of the sentinel err is marked with.
func CodeFromErr(err error) string {
	for e := range statusCodeMap {
		if errors.Is(err, e) {
			return e.(*InternalError).Code
		}
	}
	return ErrCodeSystemError
}
