package apperr

import (
	"context"
	"errors"
	"fmt"
)

const (
	CodeAuth               = "AUTH"
	CodeCommandNotAllowed  = "COMMAND_NOT_ALLOWED"
	CodeNoSession          = "NO_SESSION"
	CodeSessionExpired     = "SESSION_EXPIRED"
	CodeOwnership          = "OWNERSHIP"
	CodePoolFull           = "POOL_FULL"
	CodeCaptureRace        = "CAPTURE_RACE"
	CodeTimeout            = "TIMEOUT"
	CodeValidation         = "VALIDATION"
	CodeTabNotFound        = "TAB_NOT_FOUND"
	CodeLoopActive         = "LOOP_ACTIVE"
	CodeDisconnected       = "DISCONNECTED"
	CodeBrowserUnavailable = "BROWSER_UNAVAILABLE"
	CodeInternal           = "INTERNAL"
)

// CodedError is a typed error used for stable mapping at the gateway boundary.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func New(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

func Errorf(code, format string, args ...any) error {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// coder is implemented by domain errors that carry their own fields but
// still belong to the shared taxonomy.
type coder interface {
	Code() string
}

// CodeOf reports the taxonomy code for err. Unknown errors map to INTERNAL.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// Message returns the client-facing text for err. Coded errors expose their
// message only; the code and cause stay in the logs.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return err.Error()
}
