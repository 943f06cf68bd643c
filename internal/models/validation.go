package models

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/mountebank-testing/imposters/internal/scripting"
	"github.com/mountebank-testing/imposters/internal/util"
)

var (
	structValidator     *validator.Validate
	structValidatorOnce sync.Once
)

func getValidator() *validator.Validate {
	structValidatorOnce.Do(func() {
		structValidator = validator.New()
		structValidator.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structValidator
}

// injectionDisabledMessage is reported for any script in a configuration when
// the server runs without --allowInjection
const injectionDisabledMessage = "JavaScript injection is not allowed unless mb is run with the --allowInjection flag"

// ValidateImposterConfig decodes a raw imposter definition and checks it.
// Every problem found is returned; the config is nil when any was.
func ValidateImposterConfig(ctx context.Context, raw map[string]interface{}, scripts *scripting.Engine, logger *util.Logger) (*ImposterConfig, []*util.MountebankError) {
	var errs []*util.MountebankError

	if !scripts.AllowInjection() && containsScript(raw) {
		errs = append(errs, util.NewInjectionError(injectionDisabledMessage, raw, ""))
	}
	errs = append(errs, validateRawBehaviors(raw)...)
	if len(errs) > 0 {
		return nil, errs
	}

	config := &ImposterConfig{}
	if err := util.FromMap(raw, config); err != nil {
		return nil, []*util.MountebankError{util.NewValidationError(err.Error(), raw)}
	}
	if errs := validateStruct(config); len(errs) > 0 {
		return nil, errs
	}

	if errs := validateStubs(ctx, config, scripts, logger); len(errs) > 0 {
		return nil, errs
	}
	return config, nil
}

// ValidateStub checks a single stub for an existing imposter
func ValidateStub(ctx context.Context, raw map[string]interface{}, protocol string, scripts *scripting.Engine, logger *util.Logger) (*Stub, []*util.MountebankError) {
	config, errs := ValidateImposterConfig(ctx, map[string]interface{}{
		"protocol": protocol,
		"stubs":    []interface{}{raw},
	}, scripts, logger)
	if len(errs) > 0 {
		return nil, errs
	}
	return &config.Stubs[0], nil
}

func validateStruct(config *ImposterConfig) []*util.MountebankError {
	err := getValidator().Struct(config)
	if err == nil {
		return nil
	}
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []*util.MountebankError{util.NewValidationError(err.Error(), config)}
	}

	errs := make([]*util.MountebankError, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		switch {
		case fe.Field() == "protocol" && fe.Tag() == "required":
			errs = append(errs, util.NewProtocolError("'protocol' is a required field", config))
		case fe.Field() == "protocol":
			errs = append(errs, util.NewProtocolError(fmt.Sprintf("the %s protocol is not yet supported", config.Protocol), config))
		case fe.Field() == "port":
			errs = append(errs, util.NewValidationError("invalid value for 'port'", config))
		default:
			errs = append(errs, util.NewValidationError(fmt.Sprintf("invalid value for '%s'", fe.Field()), config))
		}
	}
	return errs
}

// validateRawBehaviors runs the behavior schema over the undecoded config so
// type errors are reported with the value the user sent
func validateRawBehaviors(raw map[string]interface{}) []*util.MountebankError {
	var errs []*util.MountebankError
	stubs, _ := raw["stubs"].([]interface{})
	for _, stub := range stubs {
		stubObj, _ := stub.(map[string]interface{})
		responses, _ := stubObj["responses"].([]interface{})
		for _, response := range responses {
			responseObj, _ := response.(map[string]interface{})
			if behaviors, ok := responseObj["_behaviors"].(map[string]interface{}); ok {
				errs = append(errs, ValidateBehaviors(behaviors)...)
			}
			legacy, _ := responseObj["behaviors"].([]interface{})
			for _, entry := range legacy {
				if behaviors, ok := entry.(map[string]interface{}); ok {
					errs = append(errs, ValidateBehaviors(behaviors)...)
				}
			}
		}
	}
	return errs
}

// containsScript reports whether any part of the config would run user code
func containsScript(value interface{}) bool {
	switch v := value.(type) {
	case map[string]interface{}:
		for key, child := range v {
			switch key {
			case "inject", "decorate", "addDecorateBehavior", "shellTransform":
				return true
			case "wait":
				if source, ok := child.(string); ok {
					if _, err := strconv.Atoi(strings.TrimSpace(source)); err != nil {
						return true
					}
				}
			}
			if containsScript(child) {
				return true
			}
		}
	case []interface{}:
		for _, child := range v {
			if containsScript(child) {
				return true
			}
		}
	}
	return false
}

// validateStubs checks response types and dry-runs every response so selector
// and lookup problems surface before the imposter accepts traffic
func validateStubs(ctx context.Context, config *ImposterConfig, scripts *scripting.Engine, logger *util.Logger) []*util.MountebankError {
	var errs []*util.MountebankError
	for _, stub := range config.Stubs {
		for i := range stub.Responses {
			rc := &stub.Responses[i]
			kinds := rc.Kinds()
			switch {
			case len(kinds) > 1:
				errs = append(errs, util.NewValidationError("each response object must have only one response type", rc))
				continue
			case len(kinds) == 1 && kinds[0] == "fault":
				errs = append(errs, util.NewValidationError("fault responses are not supported", rc))
				continue
			case len(kinds) == 1 && kinds[0] == "proxy" && rc.Proxy.To == "":
				errs = append(errs, util.NewValidationError("proxy response must have a 'to' field", rc))
				continue
			}
			if err := dryRun(ctx, config, rc, scripts, logger); err != nil {
				if mbErr, ok := util.AsMountebankError(err); ok {
					errs = append(errs, mbErr)
				} else {
					errs = append(errs, util.NewValidationError(err.Error(), rc))
				}
			}
		}
	}
	return errs
}

type dryRunProxy struct{}

func (dryRunProxy) To(context.Context, string, *Request, *ProxyConfig) (*Response, error) {
	return &Response{}, nil
}

func dryRun(ctx context.Context, config *ImposterConfig, rc *ResponseConfig, scripts *scripting.Engine, logger *util.Logger) error {
	stubs := NewStubRepository(NewPredicateEvaluator("utf8", logger, scripts, map[string]interface{}{}), false, logger)
	stubs.Add(Stub{Responses: []ResponseConfig{*rc}})
	resolver := NewResponseResolver(ResolverOptions{
		Name:    config.Protocol + ":dry-run",
		Stubs:   stubs,
		Proxy:   dryRunProxy{},
		Scripts: scripts,
	})

	request := &Request{
		Protocol: config.Protocol,
		Method:   "GET",
		Path:     "/",
		Query:    map[string]interface{}{},
		Headers:  map[string]interface{}{},
		IsDryRun: true,
	}
	match := stubs.Next(request)
	_, err := resolver.Resolve(ctx, match.ResponseConfig, request, logger, map[string]interface{}{})
	return err
}
