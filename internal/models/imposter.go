package models

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mountebank-testing/imposters/internal/metrics"
	"github.com/mountebank-testing/imposters/internal/scripting"
	"github.com/mountebank-testing/imposters/internal/util"
)

// Imposter represents a virtual service
type Imposter struct {
	config   *ImposterConfig
	label    string
	logger   *util.Logger
	stubs    *StubRepository
	resolver *ResponseResolver
	metrics  *metrics.Metrics

	// state is shared by every predicate and response injection of this imposter
	state map[string]interface{}

	mu               sync.RWMutex
	numberOfRequests int
	requests         []*Request
	closeFunc        func(ctx context.Context) error
}

// ImposterOptions carries the collaborators an imposter is built from
type ImposterOptions struct {
	Config        *ImposterConfig
	Logger        *util.Logger
	Scripts       *scripting.Engine
	Metrics       *metrics.Metrics
	Proxy         Proxy
	PostProcess   PostProcessor
	RecordMatches bool
}

// ImposterInfo is the JSON projection of an imposter
type ImposterInfo struct {
	Protocol         string     `json:"protocol"`
	Port             int        `json:"port"`
	Name             string     `json:"name,omitempty"`
	Host             string     `json:"host,omitempty"`
	NumberOfRequests *int       `json:"numberOfRequests,omitempty"`
	RecordRequests   bool       `json:"recordRequests"`
	RecordMatches    bool       `json:"recordMatches,omitempty"`
	DefaultResponse  *Response  `json:"defaultResponse,omitempty"`
	AllowCORS        bool       `json:"allowCORS,omitempty"`
	Requests         []*Request `json:"requests,omitempty"`
	Stubs            []Stub     `json:"stubs"`

	Key        string `json:"key,omitempty"`
	Cert       string `json:"cert,omitempty"`
	MutualAuth bool   `json:"mutualAuth,omitempty"`
}

// ToJSONOptions controls the imposter projection
type ToJSONOptions struct {
	// Replayable drops runtime data: requests, matches and the request count
	Replayable bool
	// RemoveProxies drops proxy responses and stubs left without responses
	RemoveProxies bool
}

// NewImposter creates a new imposter. Stubs from the configuration are loaded
// in order.
func NewImposter(opts ImposterOptions) *Imposter {
	config := opts.Config
	label := fmt.Sprintf("%s:%d", config.Protocol, config.Port)
	logger := opts.Logger.WithScope(label)
	state := make(map[string]interface{})

	evaluator := NewPredicateEvaluator("utf8", logger, opts.Scripts, state)
	stubs := NewStubRepository(evaluator, opts.RecordMatches || config.RecordMatches, logger)
	for _, stub := range config.Stubs {
		stubs.Add(stub)
	}

	imp := &Imposter{
		config:  config,
		label:   label,
		logger:  logger,
		stubs:   stubs,
		metrics: opts.Metrics,
		state:   state,
	}
	imp.resolver = NewResponseResolver(ResolverOptions{
		Name:        label,
		Stubs:       stubs,
		Proxy:       opts.Proxy,
		PostProcess: opts.PostProcess,
		Scripts:     opts.Scripts,
		Metrics:     opts.Metrics,
	})
	return imp
}

// GetResponseFor matches request against the stubs and resolves the response
// of the first matching stub, or the default response when none match
func (imp *Imposter) GetResponseFor(ctx context.Context, request *Request) (*Response, error) {
	if !request.IsDryRun {
		imp.recordRequest(request)
	}

	match := imp.stubs.Next(request)
	imp.metrics.ObserveMatch(imp.label, match.Matched)
	if match.Matched {
		imp.logger.Debugf("using stub %d for %s %s", match.Index, request.Method, request.Path)
	} else {
		imp.logger.Debugf("no predicate match for %s %s, using default response", request.Method, request.Path)
	}

	response, err := imp.resolver.Resolve(ctx, match.ResponseConfig, request, imp.logger, imp.state)
	imp.stubs.RecordMatch(match, request, response, err)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (imp *Imposter) recordRequest(request *Request) {
	imp.mu.Lock()
	defer imp.mu.Unlock()

	imp.numberOfRequests++
	if imp.config.RecordRequests {
		if request.Timestamp == "" {
			request.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
		}
		imp.requests = append(imp.requests, request)
	}
}

// SetCloser registers the function that shuts down the imposter's listener
func (imp *Imposter) SetCloser(closeFunc func(ctx context.Context) error) {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	imp.closeFunc = closeFunc
}

// Stop stops the imposter's listener
func (imp *Imposter) Stop(ctx context.Context) error {
	imp.mu.RLock()
	closeFunc := imp.closeFunc
	imp.mu.RUnlock()

	if closeFunc == nil {
		return nil
	}
	if err := closeFunc(ctx); err != nil {
		return err
	}
	imp.logger.Info("Ciao for now")
	return nil
}

// ResetRequests clears recorded requests and the request count
func (imp *Imposter) ResetRequests() {
	imp.mu.Lock()
	defer imp.mu.Unlock()

	imp.numberOfRequests = 0
	imp.requests = nil
}

// DeleteSavedProxyResponses removes all stubs recorded by a proxy
func (imp *Imposter) DeleteSavedProxyResponses() {
	imp.stubs.DeleteSavedProxyResponses()
}

// ToJSON projects the imposter for the admin API and for saved configs
func (imp *Imposter) ToJSON(options ToJSONOptions) *ImposterInfo {
	info := &ImposterInfo{
		Protocol:        imp.config.Protocol,
		Port:            imp.config.Port,
		Name:            imp.config.Name,
		Host:            imp.config.Host,
		RecordRequests:  imp.config.RecordRequests,
		RecordMatches:   imp.config.RecordMatches,
		DefaultResponse: imp.config.DefaultResponse,
		AllowCORS:       imp.config.AllowCORS,
		Stubs:           imp.stubs.All(),
		Key:             imp.config.Key,
		Cert:            imp.config.Cert,
		MutualAuth:      imp.config.MutualAuth,
	}

	if !options.Replayable {
		imp.mu.RLock()
		count := imp.numberOfRequests
		info.NumberOfRequests = &count
		info.Requests = append([]*Request(nil), imp.requests...)
		imp.mu.RUnlock()
	} else {
		for i := range info.Stubs {
			info.Stubs[i].Matches = nil
		}
	}

	if options.RemoveProxies {
		info.Stubs = withoutProxies(info.Stubs)
	}
	return info
}

func withoutProxies(stubs []Stub) []Stub {
	kept := make([]Stub, 0, len(stubs))
	for _, stub := range stubs {
		responses := make([]ResponseConfig, 0, len(stub.Responses))
		for _, rc := range stub.Responses {
			if rc.Proxy == nil {
				responses = append(responses, rc)
			}
		}
		if len(responses) > 0 {
			stub.Responses = responses
			kept = append(kept, stub)
		}
	}
	return kept
}

// Port returns the imposter's port
func (imp *Imposter) Port() int {
	return imp.config.Port
}

// Protocol returns the imposter's protocol
func (imp *Imposter) Protocol() string {
	return imp.config.Protocol
}

// Config returns the configuration the imposter was created from
func (imp *Imposter) Config() *ImposterConfig {
	return imp.config
}

// Stubs returns the stub repository
func (imp *Imposter) Stubs() *StubRepository {
	return imp.stubs
}

// Logger returns the imposter's scoped logger
func (imp *Imposter) Logger() *util.Logger {
	return imp.logger
}
