package transport

import (
	"fmt"
)

// 传输层错误定义
var (
	ErrEndpointUnavailable    = NewTpError(1001, "Endpoint unavailable", "")
	ErrProtocolAlreadyRunning = NewTpError(1002, "Protocol already running", "")
	ErrFrameTooLarge          = NewTpError(1003, "Frame too large", "")
	ErrProtocolViolation      = NewTpError(1004, "Protocol violation", "")
	ErrTimeout                = NewTpError(1005, "Protocol timeout", "")
	ErrUnknownEvent           = NewTpError(1006, "Unknown event", "")
)

type tpError struct {
	code    int
	msg     string
	context string
}

func (e *tpError) Error() string {
	if e.context != "" {
		return fmt.Sprintf("Error %d: %s (context: %s)", e.code, e.msg, e.context)
	}
	return fmt.Sprintf("Error %d: %s", e.code, e.msg)
}

func (e *tpError) Code() int { return e.code }

// Is matches any tpError carrying the same code, so errors built with
// NewTpError(code, msg, ctx) still satisfy errors.Is against the sentinels.
func (e *tpError) Is(target error) bool {
	t, ok := target.(*tpError)
	return ok && t.code == e.code
}

func NewTpError(code int, message string, context string) *tpError {
	return &tpError{
		code:    code,
		msg:     message,
		context: context,
	}
}

// Violation builds a protocol violation error with context.
func Violation(format string, args ...any) error {
	return NewTpError(ErrProtocolViolation.code, ErrProtocolViolation.msg, fmt.Sprintf(format, args...))
}
