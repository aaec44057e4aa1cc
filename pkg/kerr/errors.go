package kerr

import (
	stdliberrors "errors"
)

var (
	As     = stdliberrors.As
	Is     = stdliberrors.Is
	Join   = stdliberrors.Join
	New    = stdliberrors.New
	Unwrap = stdliberrors.Unwrap
)

// Error pairs a Code with an optional wrapped cause. Syscall handlers and
// capstore/tcu operations return *Error rather than a bare Code so the
// original cause survives for logging while the reply path can still read
// just the Code.
type Error struct {
	code  Code
	cause error
}

// NewError wraps code with no further detail.
func NewError(code Code) *Error {
	return &Error{code: code}
}

// Wrap attaches cause to code. Wrap(Success, nil) is never expected;
// handlers should return nil for success.
func Wrap(code Code, cause error) *Error {
	return &Error{code: code, cause: cause}
}

func (e *Error) Code() Code {
	if e == nil {
		return Success
	}
	return e.code
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.code.String() + ": " + e.cause.Error()
	}
	return e.code.String()
}

func (e *Error) Unwrap() error {
	return e.cause
}

// CodeOf extracts the Code carried by err, or Success for a nil err and
// InvState for an error that isn't a *Error.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var kerr *Error
	if As(err, &kerr) {
		return kerr.Code()
	}
	return InvState
}

// Verbose pairs a Code with a free-text message, for paths (loader, bootinfo
// parsing) where a bare code is too little to debug a malformed input.
type Verbose struct {
	code Code
	msg  string
}

func NewVerbose(code Code, msg string) *Verbose {
	return &Verbose{code: code, msg: msg}
}

func (v *Verbose) Code() Code { return v.code }
func (v *Verbose) Msg() string { return v.msg }

func (v *Verbose) Error() string {
	return v.msg + " (" + v.code.String() + ")"
}

// Retryable marks coordination errors where the caller observed a transient
// condition (not a correctness violation) and may legitimately re-issue the
// same call, e.g. ActivityGone seen while racing an already-completed
// teardown.
type Retryable interface {
	error
	Retryable()
}

type retryableError struct {
	err *Error
}

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }
func (r *retryableError) Retryable()    {}

// NewRetryable wraps code as a Retryable error.
func NewRetryable(code Code) Retryable {
	return &retryableError{NewError(code)}
}

// IsRetryable reports whether err (or something it wraps) is Retryable.
func IsRetryable(err error) bool {
	var r Retryable
	return As(err, &r)
}
