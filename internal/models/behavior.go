package models

import (
	"context"
	"time"

	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/scripting"
	"github.com/mountebank-testing/imposters/internal/util"
)

// BehaviorExecutor executes response behaviors
type BehaviorExecutor struct {
	scripts *scripting.Engine
	metrics *metrics.Metrics
}

// NewBehaviorExecutor creates a new behavior executor. Metrics may be nil.
func NewBehaviorExecutor(scripts *scripting.Engine, m *metrics.Metrics) *BehaviorExecutor {
	return &BehaviorExecutor{
		scripts: scripts,
		metrics: m,
	}
}

type behaviorStage struct {
	name        string
	sideEffects bool
	applies     func(b *Behaviors) bool
	run         func(ctx context.Context, request *Request, response *Response, b *Behaviors, logger *util.Logger) (*Response, error)
}

// stages lists every behavior in execution order
func (be *BehaviorExecutor) stages() []behaviorStage {
	return []behaviorStage{
		{
			name:    "copy",
			applies: func(b *Behaviors) bool { return len(b.Copy) > 0 },
			run: func(_ context.Context, request *Request, response *Response, b *Behaviors, logger *util.Logger) (*Response, error) {
				return copyBehaviors(request, response, b.Copy, logger)
			},
		},
		{
			name:    "lookup",
			applies: func(b *Behaviors) bool { return len(b.Lookup) > 0 },
			run: func(_ context.Context, request *Request, response *Response, b *Behaviors, logger *util.Logger) (*Response, error) {
				return lookupBehaviors(request, response, b.Lookup, logger)
			},
		},
		{
			name:        "wait",
			sideEffects: true,
			applies:     func(b *Behaviors) bool { return b.Wait != nil },
			run: func(ctx context.Context, _ *Request, response *Response, b *Behaviors, logger *util.Logger) (*Response, error) {
				return response, be.wait(ctx, b.Wait, logger)
			},
		},
		{
			name:        "shellTransform",
			sideEffects: true,
			applies:     func(b *Behaviors) bool { return len(b.ShellTransform) > 0 },
			run: func(ctx context.Context, request *Request, response *Response, b *Behaviors, logger *util.Logger) (*Response, error) {
				return shellTransform(ctx, request, response, b.ShellTransform, logger)
			},
		},
		{
			name:        "decorate",
			sideEffects: true,
			applies:     func(b *Behaviors) bool { return b.Decorate != "" },
			run: func(ctx context.Context, request *Request, response *Response, b *Behaviors, logger *util.Logger) (*Response, error) {
				return be.decorate(ctx, request, response, b.Decorate, logger)
			},
		},
	}
}

// Execute runs the configured behaviors over response. Behaviors with side
// effects are skipped when the request is a dry run.
func (be *BehaviorExecutor) Execute(ctx context.Context, request *Request, response *Response, behaviors *Behaviors, logger *util.Logger) (*Response, error) {
	if behaviors.IsEmpty() {
		return response, nil
	}

	result := response
	for _, stage := range be.stages() {
		if !stage.applies(behaviors) {
			continue
		}
		if stage.sideEffects && request.IsDryRun {
			continue
		}
		next, err := stage.run(ctx, request, result, behaviors, logger)
		if err != nil {
			be.metrics.BehaviorFailed(stage.name)
			return nil, err
		}
		result = next
	}
	return result, nil
}

func (be *BehaviorExecutor) wait(ctx context.Context, wait *Wait, logger *util.Logger) error {
	milliseconds := wait.Milliseconds
	if wait.Function != "" {
		value, _, err := be.scripts.Invoke(ctx, wait.Function, scripting.Invocation{}, logger)
		if err != nil {
			logger.Errorf("injection error: %v, full source: %s", err, wait.Function)
			return util.NewInjectionError("invalid wait injection", wait.Function, err.Error())
		}
		ms, ok := toMilliseconds(value)
		if !ok {
			logger.Errorf("wait function returned %v, full source: %s", value, wait.Function)
			return util.NewInjectionError("invalid wait injection", wait.Function, "wait function must return a number")
		}
		milliseconds = ms
	}
	if milliseconds <= 0 {
		return nil
	}

	timer := time.NewTimer(time.Duration(milliseconds) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toMilliseconds(value interface{}) (int, bool) {
	switch v := value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// decorate hands a clone of the request and the current response to a user
// function. A function that returns nothing keeps its in-place edits.
func (be *BehaviorExecutor) decorate(ctx context.Context, request *Request, response *Response, source string, logger *util.Logger) (*Response, error) {
	requestObj := request.Object()
	responseObj := util.ToMap(response)
	binding := scripting.LoggerBinding(logger)
	config := map[string]interface{}{
		"request":  requestObj,
		"response": responseObj,
		"logger":   binding,
	}
	inv := scripting.Invocation{
		Config: config,
		Args:   []interface{}{requestObj, responseObj, binding},
	}

	value, defined, err := be.scripts.Invoke(ctx, source, inv, logger)
	if err != nil {
		logger.Errorf("injection error: %v, full source: %s, request: %s, response: %s",
			err, source, util.ToJSON(requestObj), util.ToJSON(response))
		return nil, util.NewInjectionError("invalid decorator injection", source, err.Error())
	}

	result := config["response"]
	if defined && truthy(value) {
		result = value
	}
	decorated := &Response{}
	if err := util.FromMap(result, decorated); err != nil {
		return nil, util.NewInjectionError("invalid decorator injection", source, err.Error())
	}
	return decorated, nil
}
