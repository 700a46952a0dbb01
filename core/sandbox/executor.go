// Package sandbox runs user-authored command scripts in an isolated goja
// interpreter with a deadline and a fixed capability surface.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/m3rciful/botrunner/core/logger"
)

// DefaultTimeout applies when the executor is built without one.
const DefaultTimeout = 10 * time.Second

// Executor runs programs. It is safe for concurrent use; each Execute gets
// its own VM.
type Executor struct {
	timeout time.Duration
}

// NewExecutor builds an executor with a per-run deadline.
func NewExecutor(timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{timeout: timeout}
}

// Execute runs prog for inv. It returns nil or *ExecutionFault.
func (e *Executor) Execute(ctx context.Context, prog Program, inv Invocation) (err error) {
	if prog.Kind == "" {
		prog.Kind = KindCommand
	}
	fault := func(cause error) error {
		return &ExecutionFault{Command: prog.Command, Pattern: prog.Pattern, Kind: prog.Kind, Err: cause}
	}
	if inv.Host == nil {
		return fault(errors.New("no host bound"))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	compiled, err := goja.Compile(scriptName(prog), wrapSource(prog.Source), false)
	if err != nil {
		return fault(&ScriptError{Message: err.Error()})
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := install(ctx, vm, prog, inv); err != nil {
		return fault(err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-stop:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "sandbox", "sandbox.panic",
				slog.String("status", "fail"),
				slog.Any("err", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fault(fmt.Errorf("host panic: %v", r))
		}
	}()

	_, runErr := vm.RunProgram(compiled)
	if runErr == nil {
		return nil
	}
	return fault(classify(ctx, runErr))
}

func classify(ctx context.Context, runErr error) error {
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return ErrDeadline
	case errors.Is(ctxErr, context.Canceled):
		return ErrCanceled
	}

	var interrupted *goja.InterruptedError
	if errors.As(runErr, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && errors.Is(cause, context.DeadlineExceeded) {
			return ErrDeadline
		}
		return ErrCanceled
	}

	var ex *goja.Exception
	if errors.As(runErr, &ex) {
		se := &ScriptError{Message: ex.Error(), Stack: ex.String()}
		if v := ex.Value(); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			se.Message = v.String()
			// GoError objects keep the host error under "value".
			if obj, ok := v.(*goja.Object); ok {
				if val := obj.Get("value"); val != nil {
					se.Cause, _ = val.Export().(error)
				}
			}
		}
		return se
	}
	return runErr
}

func scriptName(prog Program) string {
	name := strings.TrimSpace(prog.Command)
	if name == "" {
		name = "command"
	}
	return name + "." + string(prog.Kind) + ".js"
}

// wrapSource lets scripts use a top-level return.
func wrapSource(src string) string {
	return "(function () {\n" + src + "\n})();"
}
