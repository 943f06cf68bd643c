package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/scripting"
	"github.com/mountebank-testing/imposters/internal/util"
)

// Proxy forwards a request to a real service
type Proxy interface {
	To(ctx context.Context, to string, request *Request, options *ProxyConfig) (*Response, error)
}

// PostProcessor fills in protocol defaults on a resolved response
type PostProcessor func(response *Response, request *Request) *Response

// ResponseResolver turns a response configuration into a response
type ResponseResolver struct {
	name        string
	stubs       *StubRepository
	proxy       Proxy
	postProcess PostProcessor
	behaviors   *BehaviorExecutor
	scripts     *scripting.Engine
	metrics     *metrics.Metrics
	injectState map[string]interface{}
}

// ResolverOptions wires a ResponseResolver to its collaborators
type ResolverOptions struct {
	// Name labels metrics, usually protocol:port
	Name        string
	Stubs       *StubRepository
	Proxy       Proxy
	PostProcess PostProcessor
	Scripts     *scripting.Engine
	Metrics     *metrics.Metrics
}

// NewResponseResolver creates a new response resolver
func NewResponseResolver(opts ResolverOptions) *ResponseResolver {
	postProcess := opts.PostProcess
	if postProcess == nil {
		postProcess = func(response *Response, _ *Request) *Response { return response }
	}
	return &ResponseResolver{
		name:        opts.Name,
		stubs:       opts.Stubs,
		proxy:       opts.Proxy,
		postProcess: postProcess,
		behaviors:   NewBehaviorExecutor(opts.Scripts, opts.Metrics),
		scripts:     opts.Scripts,
		metrics:     opts.Metrics,
		injectState: map[string]interface{}{},
	}
}

// Resolve produces the response for rc. Behaviors run over is and inject
// responses; proxy responses run them before being recorded.
func (rr *ResponseResolver) Resolve(ctx context.Context, rc *ResponseConfig, request *Request, logger *util.Logger, imposterState map[string]interface{}) (*Response, error) {
	start := time.Now()
	response, err := rr.resolve(ctx, rc, request, logger, imposterState)
	rr.metrics.ObserveResolution(rr.name, strings.Join(rc.Kinds(), "+"), err, time.Since(start))
	return response, err
}

func (rr *ResponseResolver) resolve(ctx context.Context, rc *ResponseConfig, request *Request, logger *util.Logger, imposterState map[string]interface{}) (*Response, error) {
	kinds := rc.Kinds()
	if len(kinds) > 1 {
		return nil, util.NewValidationError("each response object must have only one response type", rc)
	}
	if len(kinds) == 0 {
		return nil, util.NewValidationError("unrecognized response type", rc)
	}

	var response *Response
	var err error
	switch kinds[0] {
	case "is":
		response = cloneResponse(rc.Is)
	case "inject":
		response, err = rr.inject(ctx, rc.Inject, request, logger, imposterState)
	case "proxy":
		response, err = rr.proxyAndRecord(ctx, rc, request, logger)
		if err != nil {
			return nil, err
		}
		return rr.postProcess(response, request), nil
	default:
		return nil, util.NewValidationError(fmt.Sprintf("%s responses are not supported", kinds[0]), rc)
	}
	if err != nil {
		return nil, err
	}

	response, err = rr.behaviors.Execute(ctx, request, response, rc.Behaviors, logger)
	if err != nil {
		return nil, err
	}
	return rr.postProcess(response, request), nil
}

func cloneResponse(response *Response) *Response {
	if response == nil {
		return &Response{}
	}
	if copied, ok := util.Clone(*response).(Response); ok {
		return &copied
	}
	copied := &Response{}
	if err := util.FromMap(response, copied); err != nil {
		return &Response{}
	}
	return copied
}

// inject evaluates a user function. It may return the response or hand it
// to the callback it is given.
func (rr *ResponseResolver) inject(ctx context.Context, source string, request *Request, logger *util.Logger, imposterState map[string]interface{}) (*Response, error) {
	if request.IsDryRun {
		return &Response{}, nil
	}

	var callbackValue interface{}
	called := false
	callback := func(value interface{}) {
		callbackValue = value
		called = true
	}
	requestObj := request.Object()
	binding := scripting.LoggerBinding(logger)
	inv := scripting.Invocation{
		Config: map[string]interface{}{
			"request":  requestObj,
			"state":    imposterState,
			"logger":   binding,
			"callback": callback,
		},
		Args: []interface{}{requestObj, rr.injectState, binding, callback, imposterState},
	}

	value, defined, err := rr.scripts.Invoke(ctx, source, inv, logger)
	if err != nil {
		logger.Errorf("injection error: %v, full source: %s, request: %s, state: %s",
			err, source, util.ToJSON(requestObj), util.ToJSON(imposterState))
		return nil, util.NewInjectionError("invalid response injection", source, err.Error())
	}
	if !defined {
		if !called {
			return nil, util.NewInjectionError("invalid response injection", source, "injection returned no response and never called the callback")
		}
		value = callbackValue
	}

	response := &Response{}
	if err := util.FromMap(value, response); err != nil {
		return nil, util.NewInjectionError("invalid response injection", source, err.Error())
	}
	return response, nil
}

func (rr *ResponseResolver) proxyAndRecord(ctx context.Context, rc *ResponseConfig, request *Request, logger *util.Logger) (*Response, error) {
	if rr.proxy == nil {
		return nil, util.NewInvalidProxyError("proxy responses are not supported", rc)
	}
	cfg := rc.Proxy

	forwarded := *request
	if len(cfg.InjectHeaders) > 0 {
		forwarded.Headers = make(map[string]interface{}, len(request.Headers)+len(cfg.InjectHeaders))
		for key, value := range request.Headers {
			forwarded.Headers[key] = value
		}
		for key, value := range cfg.InjectHeaders {
			forwarded.Headers[key] = value
		}
	}

	start := time.Now()
	response, err := rr.proxy.To(ctx, cfg.To, &forwarded, cfg)
	elapsed := time.Since(start)
	rr.metrics.ObserveProxy(rr.name, elapsed)
	if err != nil {
		return nil, err
	}
	if response.ProxyResponseTime == 0 {
		response.ProxyResponseTime = int(elapsed.Milliseconds())
	}
	logger.Debugf("proxy %s responded with %d in %dms", cfg.To, response.StatusCode, response.ProxyResponseTime)

	response, err = rr.behaviors.Execute(ctx, request, response, rc.Behaviors, logger)
	if err != nil {
		return nil, err
	}

	if !request.IsDryRun {
		rr.stubs.RecordProxyResponse(rc, &forwarded, newIsResponse(response, cfg))
	}
	return response, nil
}

// newIsResponse is the replayable form of a proxied response
func newIsResponse(response *Response, cfg *ProxyConfig) ResponseConfig {
	recorded := ResponseConfig{Is: cloneResponse(response)}
	behaviors := &Behaviors{}
	if cfg.AddWaitBehavior && response.ProxyResponseTime > 0 {
		behaviors.Wait = &Wait{Milliseconds: response.ProxyResponseTime}
	}
	if cfg.AddDecorateBehavior != "" {
		behaviors.Decorate = cfg.AddDecorateBehavior
	}
	if !behaviors.IsEmpty() {
		recorded.Behaviors = behaviors
	}
	return recorded
}
