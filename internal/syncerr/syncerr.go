// Package syncerr defines the coded errors shared by the sync, patch and verify components.
package syncerr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error class.
type Code string

const (
	CodeParse      Code = "PARSE"
	CodeTransport  Code = "TRANSPORT"
	CodeValidation Code = "VALIDATION"
	CodeTool       Code = "TOOL"
	CodeIO         Code = "IO"
)

// Error carries a code, the failing operation and the path or name it was working on.
type Error struct {
	Code Code
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so callers can write errors.Is(err, syncerr.Transport).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Path == "" && t.Err == nil && t.Code == e.Code
}

// Code-only targets for errors.Is.
var (
	Parse      = &Error{Code: CodeParse}
	Transport  = &Error{Code: CodeTransport}
	Validation = &Error{Code: CodeValidation}
	Tool       = &Error{Code: CodeTool}
	IO         = &Error{Code: CodeIO}
)

// New wraps err with a code.
func New(code Code, op, path string, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

// Newf builds an error with a formatted cause.
func Newf(code Code, op, path, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
