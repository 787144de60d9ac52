package model

import (
	"errors"
	"fmt"
)

// Code is a string error identifier returned to the host.
type Code string

const (
	CodeSessionNotFound            Code = "SESSION_NOT_FOUND"
	CodeInvalidSession             Code = "INVALID_SESSION"
	CodeInvalidArguments           Code = "INVALID_ARGUMENTS"
	CodeNotFFmpegSession           Code = "NOT_FFMPEG_SESSION"
	CodeNotFFprobeSession          Code = "NOT_FFPROBE_SESSION"
	CodeNotMediaInformationSession Code = "NOT_MEDIA_INFORMATION_SESSION"
	CodeInvalidSignal              Code = "INVALID_SIGNAL"
	CodeInvalidSize                Code = "INVALID_SIZE"
	CodeInvalidLevel               Code = "INVALID_LEVEL"
	CodeInvalidSessionState        Code = "INVALID_SESSION_STATE"
	CodeInvalidContext             Code = "INVALID_CONTEXT"
	CodeInvalidName                Code = "INVALID_NAME"
	CodeInvalidValue               Code = "INVALID_VALUE"
	CodeInvalidInput               Code = "INVALID_INPUT"
	CodeInvalidPipe                Code = "INVALID_PIPE"
	CodeInvalidPipePath            Code = "INVALID_PIPE_PATH"
	CodeParseFailed                Code = "PARSE_FAILED"
	CodeWriteToPipeFailed          Code = "WRITE_TO_PIPE_FAILED"
	CodeSelectCancelled            Code = "SELECT_CANCELLED"
	CodeSelectFailed               Code = "SELECT_FAILED"
	CodeNotImplemented             Code = "NOT_IMPLEMENTED"
	CodeInternal                   Code = "INTERNAL_ERROR"
)

// Error is an error carrying a host facing code. The package level values
// are sentinels: wrap them with %w and compare with errors.Is.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrSessionNotFound            = &Error{CodeSessionNotFound, "session not found"}
	ErrInvalidSession             = &Error{CodeInvalidSession, "invalid session id"}
	ErrInvalidArguments           = &Error{CodeInvalidArguments, "invalid arguments"}
	ErrNotFFmpegSession           = &Error{CodeNotFFmpegSession, "session is not a ffmpeg session"}
	ErrNotFFprobeSession          = &Error{CodeNotFFprobeSession, "session is not a ffprobe session"}
	ErrNotMediaInformationSession = &Error{CodeNotMediaInformationSession, "session is not a media information session"}
	ErrInvalidSignal              = &Error{CodeInvalidSignal, "invalid signal value"}
	ErrInvalidSize                = &Error{CodeInvalidSize, "invalid session history size"}
	ErrInvalidLevel               = &Error{CodeInvalidLevel, "invalid level value"}
	ErrInvalidSessionState        = &Error{CodeInvalidSessionState, "invalid session state value"}
	ErrInvalidContext             = &Error{CodeInvalidContext, "context is not initialized"}
	ErrInvalidName                = &Error{CodeInvalidName, "invalid environment variable name"}
	ErrInvalidValue               = &Error{CodeInvalidValue, "invalid environment variable value"}
	ErrInvalidInput               = &Error{CodeInvalidInput, "invalid input"}
	ErrInvalidPipe                = &Error{CodeInvalidPipe, "invalid pipe"}
	ErrInvalidPipePath            = &Error{CodeInvalidPipePath, "invalid pipe path"}
	ErrParseFailed                = &Error{CodeParseFailed, "parsing media information failed"}
	ErrWriteToPipeFailed          = &Error{CodeWriteToPipeFailed, "write to pipe failed"}
	ErrSelectFailed               = &Error{CodeSelectFailed, "document selection is not supported"}
	ErrNotImplemented             = &Error{CodeNotImplemented, "method not implemented"}

	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrNoStatistics      = errors.New("statistics are only collected for ffmpeg sessions")
)

// Errorf wraps a sentinel with additional context.
func Errorf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}

// CodeOf extracts the host facing code of err or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
