package imapengine

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/mjl-/mailstore/metrics"
	"github.com/mjl-/mailstore/mlog"
)

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		xserverErrorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

// UserError is a command-level failure caused by the request, e.g. for a
// number out of range or missing permission. Returned before the store is
// modified.
type UserError struct {
	Code string // Optional response code, e.g. NOPERM.
	Err  error
}

func (e *UserError) Error() string {
	if e.Code != "" {
		return "[" + e.Code + "] " + e.Err.Error()
	}
	return e.Err.Error()
}
func (e *UserError) Unwrap() error { return e.Err }

func xuserErrorf(format string, args ...any) {
	panic(&UserError{Err: fmt.Errorf(format, args...)})
}

func xusercodeErrorf(code, format string, args ...any) {
	panic(&UserError{Code: code, Err: fmt.Errorf(format, args...)})
}

type serverError struct{ err error }

func (e serverError) Error() string { return e.err.Error() }
func (e serverError) Unwrap() error { return e.err }

func xserverErrorf(format string, args ...any) {
	panic(serverError{fmt.Errorf(format, args...)})
}

// SyntaxError is returned for malformed number sets or attribute requests.
type SyntaxError struct {
	Msg string
	err error
}

func (e *SyntaxError) Error() string { return "bad syntax: " + e.Msg }
func (e *SyntaxError) Unwrap() error { return e.err }

func xsyntaxErrorf(format string, args ...any) {
	errmsg := fmt.Sprintf(format, args...)
	panic(&SyntaxError{errmsg, errors.New(errmsg)})
}

// recoverCommand turns a panic with one of the error types of this package into
// an error in rerr. Other panics are logged, counted and continue.
func recoverCommand(log mlog.Log, cmd string, rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	switch e := x.(type) {
	case *SyntaxError:
		*rerr = e
	case *UserError:
		*rerr = e
	case serverError:
		log.Errorx("command failed", e.err, slog.String("cmd", cmd))
		*rerr = e
	default:
		log.Error("unhandled panic", slog.Any("err", x), slog.String("cmd", cmd))
		debug.PrintStack()
		metrics.PanicInc(metrics.IMAPEngine)
		panic(x)
	}
}
