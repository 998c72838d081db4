package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// ErrKind classifies a HandlerError so callers can branch without string matching.
type ErrKind int

const (
	KindInternal ErrKind = iota
	KindNotFound
	KindForbidden
	KindConflict
	KindInvalidRequest
)

// HandlerError is an error with an associated HTTP status code and kind. Handlers
// return these so the API layer can render a precise status without inspecting
// error strings.
type HandlerError struct {
	StatusCode int
	Kind       ErrKind
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Err.Error()}
	b, _ := json.Marshal(je)
	return b
}

func NewNotFoundError(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusNotFound,
		Kind:       KindNotFound,
		Err:        fmt.Errorf(format, args...),
	}
}

func NewForbiddenError(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusForbidden,
		Kind:       KindForbidden,
		Err:        fmt.Errorf(format, args...),
	}
}

func NewConflictError(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusConflict,
		Kind:       KindConflict,
		Err:        fmt.Errorf(format, args...),
	}
}

func NewInvalidRequestError(format string, args ...interface{}) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusBadRequest,
		Kind:       KindInvalidRequest,
		Err:        fmt.Errorf(format, args...),
	}
}

// NewInternalError wraps err as a 500-class failure. Use for invariant violations
// e.g cursor arithmetic producing a negative unread count. These indicate bugs and
// must not be coerced into a 4xx.
func NewInternalError(err error) *HandlerError {
	return &HandlerError{
		StatusCode: http.StatusInternalServerError,
		Kind:       KindInternal,
		Err:        err,
	}
}

// AsHandlerError coerces err into a *HandlerError, defaulting to a 500.
func AsHandlerError(err error) *HandlerError {
	if err == nil {
		return nil
	}
	if herr, ok := err.(*HandlerError); ok {
		return herr
	}
	return NewInternalError(err)
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and SHIPBOARD_DEBUG=1 then the program panics.
// If expr is false and SHIPBOARD_DEBUG is unset or not '1' then the program logs an error along
// with a field which contains the file/line number of the caller/assertion of Assert, and reports
// the assertion to Sentry.
// Assert should be used to verify invariants which should never be broken during normal
// functioning of the program (e.g readCount+hiddenCount <= postCount), and shouldn't be used to
// log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("list is not empty", len(list) > 0)
//
// Which then produces:
//
//	assertion failed: list is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("SHIPBOARD_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
	sentry.CaptureException(fmt.Errorf("assertion failed: %s", msg))
}
