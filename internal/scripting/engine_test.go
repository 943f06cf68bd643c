package scripting

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mountebank-testing/imposters/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *util.Logger {
	return util.NewLoggerWithOutput("debug", &bytes.Buffer{})
}

func TestInvokeConfigSignature(t *testing.T) {
	engine := NewEngine(true)
	inv := Invocation{
		Config: map[string]interface{}{"request": map[string]interface{}{"path": "/test"}},
		Args:   []interface{}{map[string]interface{}{"path": "/test"}},
	}

	value, defined, err := engine.Invoke(context.Background(), "function (config) { return config.request.path; }", inv, newTestLogger())

	require.NoError(t, err)
	assert.True(t, defined)
	assert.Equal(t, "/test", value)
}

func TestInvokePositionalSignature(t *testing.T) {
	engine := NewEngine(true)
	request := map[string]interface{}{"method": "GET"}
	inv := Invocation{
		Config: map[string]interface{}{"request": request},
		Args:   []interface{}{request, map[string]interface{}{"calls": 3}},
	}

	value, _, err := engine.Invoke(context.Background(), "function (request, state) { return request.method + state.calls; }", inv, newTestLogger())

	require.NoError(t, err)
	assert.Equal(t, "GET3", value)
}

func TestInvokeRequestOnlySignature(t *testing.T) {
	engine := NewEngine(true)
	request := map[string]interface{}{"path": "/x", "method": "POST"}
	inv := Invocation{
		Config: map[string]interface{}{"request": request, "state": map[string]interface{}{}},
		Args:   []interface{}{request},
	}

	value, _, err := engine.Invoke(context.Background(), "function (request) { return request.method + ' ' + request.path; }", inv, newTestLogger())

	require.NoError(t, err)
	assert.Equal(t, "POST /x", value)
	assert.Equal(t, "/x", inv.Config["path"])
}

func TestInvokeArgsWithoutConfig(t *testing.T) {
	engine := NewEngine(true)
	inv := Invocation{Args: []interface{}{2, 3}}

	value, _, err := engine.Invoke(context.Background(), "function (a, b) { return a * b; }", inv, newTestLogger())

	require.NoError(t, err)
	assert.EqualValues(t, 6, value)
}

func TestInvokeSharesStateAcrossCalls(t *testing.T) {
	engine := NewEngine(true)
	state := map[string]interface{}{}
	inv := Invocation{Config: map[string]interface{}{"state": state}}
	source := "function (config) { config.state.count = (config.state.count || 0) + 1; return config.state.count; }"

	_, _, err := engine.Invoke(context.Background(), source, inv, newTestLogger())
	require.NoError(t, err)
	value, _, err := engine.Invoke(context.Background(), source, inv, newTestLogger())
	require.NoError(t, err)

	assert.EqualValues(t, 2, value)
	assert.EqualValues(t, 2, state["count"])
}

func TestInvokeUndefinedResult(t *testing.T) {
	engine := NewEngine(true)

	value, defined, err := engine.Invoke(context.Background(), "function () {}", Invocation{}, newTestLogger())

	require.NoError(t, err)
	assert.False(t, defined)
	assert.Nil(t, value)
}

func TestInvokeThrowReturnsScriptError(t *testing.T) {
	engine := NewEngine(true)
	source := "function () { throw new Error('BOOM'); }"

	_, _, err := engine.Invoke(context.Background(), source, Invocation{}, newTestLogger())

	var scriptErr *ScriptError
	require.True(t, errors.As(err, &scriptErr))
	assert.Equal(t, source, scriptErr.Source)
	assert.Contains(t, scriptErr.Error(), "BOOM")
}

func TestInvokeSyntaxError(t *testing.T) {
	engine := NewEngine(true)

	_, _, err := engine.Invoke(context.Background(), "function ( {", Invocation{}, newTestLogger())

	var scriptErr *ScriptError
	assert.True(t, errors.As(err, &scriptErr))
}

func TestInvokeRejectsNonFunction(t *testing.T) {
	engine := NewEngine(true)

	_, _, err := engine.Invoke(context.Background(), "42", Invocation{}, newTestLogger())

	assert.ErrorContains(t, err, "must evaluate to a function")
}

func TestInvokeDisabled(t *testing.T) {
	engine := NewEngine(false)

	_, _, err := engine.Invoke(context.Background(), "function () { return 1; }", Invocation{}, newTestLogger())

	assert.True(t, errors.Is(err, ErrInjectionDisabled))
}

func TestInvokeHonorsContextDeadline(t *testing.T) {
	engine := NewEngine(true)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := engine.Invoke(ctx, "function () { while (true) {} }", Invocation{}, newTestLogger())

	assert.ErrorContains(t, err, "interrupted")
}

func TestLoggerBindingFormats(t *testing.T) {
	engine := NewEngine(true)
	logger := newTestLogger()
	inv := Invocation{Config: map[string]interface{}{"logger": LoggerBinding(logger)}}

	_, _, err := engine.Invoke(context.Background(), "function (config) { config.logger.warn('hello %s, you are %d', 'world', 42); }", inv, logger)
	require.NoError(t, err)

	entries := logger.GetEntries(0, -1)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello world, you are 42", entries[0].Message)
	assert.Equal(t, "warning", entries[0].Level)
}

func TestBufferPolyfill(t *testing.T) {
	engine := NewEngine(true)

	value, _, err := engine.Invoke(context.Background(), "function () { return Buffer.from('aGk=', 'base64').toString(); }", Invocation{}, newTestLogger())

	require.NoError(t, err)
	assert.Equal(t, "hi", value)
}
