package runtime

import (
	"errors"
	"reflect"
	"strings"

	"github.com/m3rciful/botrunner/core/sandbox"
	"github.com/m3rciful/botrunner/core/telegram/sender"
)

// errCode is a stable upper-case label for the err_code log field.
func errCode(err error) string {
	if err == nil {
		return ""
	}
	var (
		script   *sandbox.ScriptError
		delivery *sender.DeliveryError
	)
	switch {
	case errors.Is(err, sandbox.ErrDeadline):
		return "DEADLINE"
	case errors.Is(err, sandbox.ErrCanceled):
		return "CANCELED"
	case errors.As(err, &delivery):
		return "DELIVERY_ERROR"
	case errors.As(err, &script):
		return "SCRIPT_ERROR"
	}

	if f, ok := err.(*sandbox.ExecutionFault); ok && f.Err != nil {
		err = f.Err
	}
	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t != nil && t.Name() != "" {
		return strings.ToUpper(t.Name())
	}
	return "UNKNOWN_ERROR"
}
