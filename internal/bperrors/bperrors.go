// Package bperrors implements the error taxonomy of the embedder (spec §7):
// every exported failure from the rest of this module surfaces as one of
// these kinds, with enough structured context for a caller to print a
// human-readable diagnostic without re-deriving it.
package bperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind distinguishes the taxonomy buckets of §7.
type Kind string

const (
	KindArg            Kind = "ArgError"
	KindInput          Kind = "InputError"
	KindStubUnavailable Kind = "StubUnavailable"
	KindCompress       Kind = "CompressError"
	KindRewrite        Kind = "RewriteError"
	KindIO             Kind = "IoError"
	KindSipProtected   Kind = "SipProtected"
	KindVerify         Kind = "VerifyError"
)

// Error is the concrete error type returned across package boundaries. It
// carries the kind plus whichever structured fields apply (Format/Stage for
// RewriteError, Path/Errno for IoError, Underlying for CompressError).
type Error struct {
	Kind       Kind
	Message    string
	Format     string // RewriteError
	Stage      string // RewriteError
	Path       string // IoError
	Errno      error  // IoError
	Underlying error  // CompressError
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRewrite:
		return fmt.Sprintf("%s: %s/%s: %s", e.Kind, e.Format, e.Stage, e.Message)
	case KindIO:
		if e.Errno != nil {
			return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Path, e.Message, e.Errno)
		}
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Message)
	case KindCompress:
		if e.Underlying != nil {
			return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Underlying)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	if e.Underlying != nil {
		return e.Underlying
	}
	return e.Errno
}

// Arg, Input, StubUnavailable, SipProtected, Verify build the simple,
// context-only variants of the taxonomy.
func Arg(format string, args ...any) error {
	return &Error{Kind: KindArg, Message: fmt.Sprintf(format, args...)}
}

func Input(format string, args ...any) error {
	return &Error{Kind: KindInput, Message: fmt.Sprintf(format, args...)}
}

func StubUnavailable(format string, args ...any) error {
	return &Error{Kind: KindStubUnavailable, Message: fmt.Sprintf(format, args...)}
}

func SipProtected(path string) error {
	return &Error{Kind: KindSipProtected, Message: "output path is under a SIP-protected prefix", Path: path}
}

func Verify(format string, args ...any) error {
	return &Error{Kind: KindVerify, Message: fmt.Sprintf(format, args...)}
}

// Compress wraps a codec-level failure.
func Compress(underlying error, format string, args ...any) error {
	return &Error{Kind: KindCompress, Message: fmt.Sprintf(format, args...), Underlying: underlying}
}

// Rewrite reports a format-specific rewrite failure at a named stage.
func Rewrite(format, stage, message string, args ...any) error {
	return &Error{Kind: KindRewrite, Format: format, Stage: stage, Message: fmt.Sprintf(message, args...)}
}

// IO reports a failed filesystem operation, with errno context preserved.
func IO(path string, errno error, format string, args ...any) error {
	return &Error{Kind: KindIO, Path: path, Errno: errno, Message: fmt.Sprintf(format, args...)}
}

// Wrap adds caller context to any error without changing its taxonomy kind
// (used for plain internal propagation where pkg/errors' stack-trace
// wrapping is useful for diagnostics but the original Kind must survive).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, message)
}

// As reports whether err is (or wraps) a *Error, returning it.
func As(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// KindOf returns the taxonomy kind of err, or "" if err is not a *Error.
func KindOf(err error) Kind {
	if be, ok := As(err); ok {
		return be.Kind
	}
	return ""
}
