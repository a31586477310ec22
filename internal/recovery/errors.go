package recovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/oshokin/app-installer/internal/process"
)

// Error is a classified failure with the context needed for an Error Report.
type Error struct {
	// Category decides the exit code and the recovery probe.
	Category Category
	// Op names the operation that failed.
	Op string
	// Command is the external command line, when one failed.
	Command string
	// Location is the file:line where the error was classified.
	Location string
	// Function is the function that classified the error.
	Function string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}

	if e.Op == "" {
		return e.Err.Error()
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err and records the caller location.
// A nil err yields nil. The command of a failed external process is captured.
func Wrap(category Category, op string, err error) error {
	if err == nil {
		return nil
	}

	return newError(category, op, err)
}

// Errorf is a shortcut for Wrap(category, op, fmt.Errorf(format, args...)).
func Errorf(category Category, op, format string, args ...any) error {
	return newError(category, op, fmt.Errorf(format, args...))
}

// newError builds the classified error; it must be called directly by an exported wrapper.
func newError(category Category, op string, err error) *Error {
	wrapped := &Error{
		Category: category,
		Op:       op,
		Err:      err,
	}

	// Skip newError and the exported wrapper.
	if pc, file, line, ok := runtime.Caller(2); ok {
		wrapped.Location = fmt.Sprintf("%s:%d", filepath.Base(file), line)

		if fn := runtime.FuncForPC(pc); fn != nil {
			wrapped.Function = fn.Name()
		}
	}

	if exitErr, ok := process.IsExitError(err); ok {
		wrapped.Command = exitErr.Command
	}

	return wrapped
}

// Classify resolves the category of an error chain.
// Cancellation always means the user aborted, even below a classified error.
func Classify(err error) Category {
	if err == nil {
		return CategorySuccess
	}

	if errors.Is(err, context.Canceled) {
		return CategoryUserAbort
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Category
	}

	if errors.Is(err, os.ErrPermission) {
		return CategoryPermission
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryNetwork
	}

	return CategoryGeneral
}

// Details returns the classified error of the chain, if any.
func Details(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}

	return nil, false
}
