// Package xerrors attaches call-site information to errors so the logger can
// render where a failure was created or wrapped.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxDepth = 64

// traced is a created-or-wrapped error carrying either a full stack (New,
// EnsureTrace) or the single frame where it was wrapped (Wrap).
type traced struct {
	msg string
	err error
	pcs []uintptr
	pc  uintptr
}

func (e *traced) Error() string {
	switch {
	case e.msg == "":
		return e.err.Error()
	case e.err == nil:
		return e.msg
	default:
		return e.msg + ": " + e.err.Error()
	}
}

func (e *traced) Unwrap() error { return e.err }

// StackPCs is set for New, Newf and EnsureTrace.
func (e *traced) StackPCs() []uintptr { return e.pcs }

// PC is the wrap site for Wrap and Wrapf.
func (e *traced) PC() uintptr { return e.pc }

// IsXerrorsWrapper marks this type so the logger skips it when classifying.
func (e *traced) IsXerrorsWrapper() {}

// skip counts frames above the exported function that called stack or caller.
func stack(skip int) []uintptr {
	pcs := make([]uintptr, maxDepth)
	n := runtime.Callers(3+skip, pcs)
	return pcs[:n]
}

func caller(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &traced{msg: msg, pcs: stack(0)}
}

// Newf is New with formatting. %w is honored.
func Newf(format string, args ...any) error {
	return &traced{err: fmt.Errorf(format, args...), pcs: stack(0)}
}

// Wrap prefixes err with msg and records the wrap site. Nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &traced{msg: msg, err: err, pc: caller(0)}
}

func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &traced{msg: fmt.Sprintf(format, args...), err: err, pc: caller(0)}
}

// EnsureTrace adds a stack to err unless something in its chain has one.
func EnsureTrace(err error) error {
	if err == nil || HasStack(err) {
		return err
	}
	return &traced{err: err, pcs: stack(0)}
}

// HasStack reports whether any error in err's chain carries a stack.
func HasStack(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if hs, ok := e.(interface{ StackPCs() []uintptr }); ok && len(hs.StackPCs()) > 0 {
			return true
		}
	}
	return false
}
