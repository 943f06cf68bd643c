// Package scripting evaluates user-supplied JavaScript functions for
// injection, decoration and computed waits.
package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"github.com/mountebank-testing/imposters/internal/util"
)

// ErrInjectionDisabled is returned when scripts are evaluated on an engine
// created without injection support.
var ErrInjectionDisabled = errors.New("JavaScript injection is not allowed unless mb is run with the --allowInjection flag")

// ScriptError wraps a failure raised while compiling or running a script
type ScriptError struct {
	Source string
	Err    error
}

func (e *ScriptError) Error() string {
	return e.Err.Error()
}

func (e *ScriptError) Unwrap() error {
	return e.Err
}

// Invocation describes the arguments a user function is called with.
// The function receives Config first, followed by Args after the first.
// Fields of Config["request"] are copied onto Config so functions written
// against the request alone, like function (request) { ... }, keep working.
type Invocation struct {
	Config map[string]interface{}
	Args   []interface{}
}

// Engine runs scripts in fresh goja runtimes. Invocations on one engine are
// serialized so shared state maps are never mutated concurrently.
type Engine struct {
	allowInjection bool
	mu             sync.Mutex
}

// NewEngine creates a new scripting engine
func NewEngine(allowInjection bool) *Engine {
	return &Engine{allowInjection: allowInjection}
}

// AllowInjection reports whether the engine evaluates scripts at all
func (e *Engine) AllowInjection() bool {
	return e != nil && e.allowInjection
}

// Invoke evaluates source as a function expression and calls it. It returns
// the exported return value and whether that value was defined (neither
// undefined nor null).
func (e *Engine) Invoke(ctx context.Context, source string, inv Invocation, logger *util.Logger) (interface{}, bool, error) {
	if !e.AllowInjection() {
		return nil, false, &ScriptError{Source: source, Err: ErrInjectionDisabled}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	vm := goja.New()
	installGlobals(vm, logger)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	compiled, err := vm.RunString("(" + source + "\n)")
	if err != nil {
		return nil, false, &ScriptError{Source: source, Err: scriptFailure(err)}
	}
	fn, ok := goja.AssertFunction(compiled)
	if !ok {
		return nil, false, &ScriptError{Source: source, Err: errors.New("injection must evaluate to a function")}
	}

	args := arguments(vm, inv)
	result, err := fn(goja.Undefined(), args...)
	if err != nil {
		return nil, false, &ScriptError{Source: source, Err: scriptFailure(err)}
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, false, nil
	}
	return result.Export(), true, nil
}

// arguments builds the positional argument list. Without a config the args
// are passed as given.
func arguments(vm *goja.Runtime, inv Invocation) []goja.Value {
	args := inv.Args
	if inv.Config != nil {
		downcast(inv.Config)
		args = []interface{}{inv.Config}
		if len(inv.Args) > 1 {
			args = append(args, inv.Args[1:]...)
		}
	}

	values := make([]goja.Value, len(args))
	for i, arg := range args {
		values[i] = vm.ToValue(arg)
	}
	return values
}

// downcast copies request fields onto config without replacing its own keys
func downcast(config map[string]interface{}) {
	request, ok := config["request"].(map[string]interface{})
	if !ok {
		return
	}
	for key, value := range request {
		if _, exists := config[key]; !exists {
			config[key] = value
		}
	}
}

func scriptFailure(err error) error {
	var exception *goja.Exception
	if errors.As(err, &exception) {
		if value := exception.Value(); value != nil && !goja.IsUndefined(value) {
			return errors.New(value.String())
		}
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	return err
}

// LoggerBinding exposes logger to scripts as {debug, info, warn, error} with
// printf-style formatting.
func LoggerBinding(logger *util.Logger) map[string]interface{} {
	return map[string]interface{}{
		"debug": func(call goja.FunctionCall) goja.Value { logger.Debug(formatArgs(call)); return goja.Undefined() },
		"info":  func(call goja.FunctionCall) goja.Value { logger.Info(formatArgs(call)); return goja.Undefined() },
		"warn":  func(call goja.FunctionCall) goja.Value { logger.Warn(formatArgs(call)); return goja.Undefined() },
		"error": func(call goja.FunctionCall) goja.Value { logger.Error(formatArgs(call)); return goja.Undefined() },
	}
}

// formatArgs mimics util.format: %s, %d, %i, %j are substituted in order and
// remaining arguments are appended separated by spaces.
func formatArgs(call goja.FunctionCall) string {
	if len(call.Arguments) == 0 {
		return ""
	}
	format := call.Arguments[0].String()
	rest := call.Arguments[1:]

	var b strings.Builder
	next := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 >= len(format) {
			b.WriteByte(format[i])
			continue
		}
		verb := format[i+1]
		switch {
		case verb == '%':
			b.WriteByte('%')
			i++
		case (verb == 's' || verb == 'd' || verb == 'i' || verb == 'j') && next < len(rest):
			arg := rest[next]
			next++
			switch verb {
			case 'd', 'i':
				b.WriteString(util.Stringify(arg.ToInteger()))
			case 'j':
				b.WriteString(util.ToJSON(arg.Export()))
			default:
				b.WriteString(arg.String())
			}
			i++
		default:
			b.WriteByte('%')
		}
	}
	for ; next < len(rest); next++ {
		b.WriteByte(' ')
		b.WriteString(rest[next].String())
	}
	return b.String()
}
