package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Kind labels which handler of a command ran.
type Kind string

const (
	KindCommand Kind = "command"
	KindAnswer  Kind = "answer"
)

// ErrDeadline is reported when an execution runs past its deadline.
var ErrDeadline = fmt.Errorf("execution deadline exceeded: %w", context.DeadlineExceeded)

// ErrCanceled is reported when the owning session stops mid-execution.
var ErrCanceled = fmt.Errorf("execution canceled: %w", context.Canceled)

// ErrForeignChat is thrown into scripts that address a chat other than the
// one that triggered them.
var ErrForeignChat = errors.New("sends are limited to the current chat")

// ExecutionFault is the only error Execute returns.
type ExecutionFault struct {
	Command string
	Pattern string
	Kind    Kind
	Err     error
}

func (f *ExecutionFault) Error() string {
	return fmt.Sprintf("%s %q (pattern %q): %v", f.Kind, f.Command, f.Pattern, f.Err)
}

func (f *ExecutionFault) Unwrap() error { return f.Err }

// Message is the text shown to the chat for this fault.
func (f *ExecutionFault) Message() string {
	var se *ScriptError
	if errors.As(f.Err, &se) {
		return se.Message
	}
	return f.Err.Error()
}

// ScriptError is an exception thrown by user code and not caught there.
type ScriptError struct {
	Message string
	Stack   string
	// Cause is the host error behind the exception, if a capability threw.
	Cause error
}

func (e *ScriptError) Error() string { return e.Message }

func (e *ScriptError) Unwrap() error { return e.Cause }
