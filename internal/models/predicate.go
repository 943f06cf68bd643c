package models

import (
	"context"
	"encoding/base64"
	"math"
	"sort"
	"strings"

	"github.com/mountebank-testing/imposters/internal/scripting"
	"github.com/mountebank-testing/imposters/internal/util"
)

// PredicateEvaluator evaluates predicates against requests
type PredicateEvaluator struct {
	encoding string
	logger   *util.Logger
	scripts  *scripting.Engine
	state    map[string]interface{}
}

// NewPredicateEvaluator creates a new predicate evaluator. Encoding is "utf8"
// or "base64"; in base64 mode request fields are decoded to bytes before
// comparison. Scripts may be nil, in which case inject predicates never match.
func NewPredicateEvaluator(encoding string, logger *util.Logger, scripts *scripting.Engine, state map[string]interface{}) *PredicateEvaluator {
	if encoding == "" {
		encoding = "utf8"
	}
	return &PredicateEvaluator{
		encoding: encoding,
		logger:   logger,
		scripts:  scripts,
		state:    state,
	}
}

// Evaluate evaluates a predicate against a request
func (pe *PredicateEvaluator) Evaluate(predicate Predicate, request *Request) bool {
	switch {
	case predicate.Equals != nil:
		return pe.compare(predicate, predicate.Equals, request, func(expected, actual string) bool {
			return actual == expected
		})
	case predicate.DeepEquals != nil:
		return pe.deepEquals(predicate, request)
	case predicate.Contains != nil:
		return pe.compare(predicate, predicate.Contains, request, func(expected, actual string) bool {
			return strings.Contains(actual, expected)
		})
	case predicate.StartsWith != nil:
		return pe.compare(predicate, predicate.StartsWith, request, func(expected, actual string) bool {
			return strings.HasPrefix(actual, expected)
		})
	case predicate.EndsWith != nil:
		return pe.compare(predicate, predicate.EndsWith, request, func(expected, actual string) bool {
			return strings.HasSuffix(actual, expected)
		})
	case predicate.Matches != nil:
		return pe.matches(predicate, request)
	case predicate.Exists != nil:
		return pe.exists(predicate, request)
	case predicate.Not != nil:
		return !pe.Evaluate(*predicate.Not, request)
	case predicate.Or != nil:
		for _, p := range predicate.Or {
			if pe.Evaluate(p, request) {
				return true
			}
		}
		return false
	case predicate.And != nil:
		for _, p := range predicate.And {
			if !pe.Evaluate(p, request) {
				return false
			}
		}
		return true
	case predicate.Inject != "":
		return pe.inject(predicate, request)
	}

	pe.logger.Warnf("predicate has no recognized operator: %s", util.ToJSON(predicate))
	return false
}

// normalizer turns request fields and expected values into comparable strings
type normalizer struct {
	lower  bool
	except string
	decode bool
	logger *util.Logger
}

func (pe *PredicateEvaluator) normalizerFor(predicate Predicate) normalizer {
	if pe.encoding == "base64" {
		return normalizer{decode: true, logger: pe.logger}
	}
	return normalizer{
		lower:  !predicate.CaseSensitive,
		except: predicate.Except,
		logger: pe.logger,
	}
}

func (n normalizer) apply(value interface{}) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, item := range v {
			result[key] = n.apply(item)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = n.apply(item)
		}
		return result
	case []string:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = n.transform(item)
		}
		return result
	default:
		return n.transform(util.Stringify(v))
	}
}

func (n normalizer) transform(text string) string {
	if n.decode {
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return text
		}
		return string(decoded)
	}
	if n.except != "" {
		stripped, err := regexRemove(n.except, text, n.lower)
		if err != nil {
			n.logger.Warnf("ignoring except: %v", err)
		} else {
			text = stripped
		}
	}
	if n.lower {
		text = strings.ToLower(text)
	}
	return text
}

// selectBody returns the request object with the body narrowed by the
// predicate's xpath or jsonpath selector, if any
func (pe *PredicateEvaluator) selectBody(predicate Predicate, request *Request) map[string]interface{} {
	obj := request.Object()
	switch {
	case predicate.XPath != nil:
		values, err := xpathSelect(predicate.XPath.Selector, predicate.XPath.NS, request.Body)
		if err != nil {
			pe.logger.Errorf("%v", err)
		}
		obj["body"] = selectedValue(stringsToValues(values))
	case predicate.JSONPath != nil:
		doc, _ := parseJSON(request.Body)
		values, err := jsonpathSelect(predicate.JSONPath.Selector, doc)
		if err != nil {
			pe.logger.Errorf("%v", err)
		}
		obj["body"] = selectedValue(values)
	}
	return obj
}

// selectedValue collapses selector output: nothing selects an absent value,
// one match a scalar, several a list
func selectedValue(values []interface{}) interface{} {
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

func stringsToValues(values []string) []interface{} {
	result := make([]interface{}, len(values))
	for i, v := range values {
		result[i] = v
	}
	return result
}

// compare runs a string test over every expected field of the predicate
func (pe *PredicateEvaluator) compare(predicate Predicate, fields interface{}, request *Request, test func(expected, actual string) bool) bool {
	norm := pe.normalizerFor(predicate)
	expected, ok := norm.apply(fields).(map[string]interface{})
	if !ok {
		pe.logger.Warnf("predicate fields must be an object: %s", util.ToJSON(fields))
		return false
	}
	actual := norm.apply(pe.selectBody(predicate, request))

	m := matcher{
		ignoreKeyCase: !predicate.CaseSensitive,
		test: func(expected, actual interface{}) bool {
			return test(util.Stringify(expected), util.Stringify(actual))
		},
	}
	return m.satisfied(expected, actual)
}

func (pe *PredicateEvaluator) matches(predicate Predicate, request *Request) bool {
	if pe.encoding == "base64" {
		pe.logger.Errorf("the matches predicate is not allowed in binary mode")
		return false
	}
	expected, ok := predicate.Matches.(map[string]interface{})
	if !ok {
		return false
	}
	actual := normalizer{except: predicate.Except, logger: pe.logger}.apply(pe.selectBody(predicate, request))

	m := matcher{
		ignoreKeyCase: !predicate.CaseSensitive,
		test: func(expected, actual interface{}) bool {
			matched, err := regexTest(util.Stringify(expected), util.Stringify(actual), !predicate.CaseSensitive)
			if err != nil {
				pe.logger.Errorf("%v", err)
				return false
			}
			return matched
		},
	}
	return m.satisfied(expected, actual)
}

func (pe *PredicateEvaluator) exists(predicate Predicate, request *Request) bool {
	expected, ok := predicate.Exists.(map[string]interface{})
	if !ok {
		return false
	}
	actual := pe.normalizerFor(predicate).apply(pe.selectBody(predicate, request))

	m := matcher{
		ignoreKeyCase: !predicate.CaseSensitive,
		test: func(expected, actual interface{}) bool {
			want, _ := expected.(bool)
			return want == hasValue(actual)
		},
	}
	return m.satisfied(expected, actual)
}

func hasValue(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case string:
		return value != ""
	case map[string]interface{}:
		return len(value) > 0
	case []interface{}:
		return len(value) > 0
	default:
		return true
	}
}

// deepEquals requires every named field to equal the expected value exactly.
// Absent and empty values are treated as equivalent.
func (pe *PredicateEvaluator) deepEquals(predicate Predicate, request *Request) bool {
	norm := pe.normalizerFor(predicate)
	expected, ok := norm.apply(predicate.DeepEquals).(map[string]interface{})
	if !ok {
		return false
	}
	actual := norm.apply(pe.selectBody(predicate, request)).(map[string]interface{})
	foldKeys := !predicate.CaseSensitive

	for field, want := range expected {
		_, got, _ := lookupField(actual, field, true)
		if _, wantsObject := want.(map[string]interface{}); wantsObject {
			if text, isText := got.(string); isText {
				if parsed, ok := parseJSON(text); ok {
					got = normalizer{}.apply(parsed)
				}
			}
		}
		if isEmptyValue(want) && isEmptyValue(got) {
			continue
		}
		if util.StableStringify(canonical(want, foldKeys)) != util.StableStringify(canonical(got, foldKeys)) {
			return false
		}
	}
	return true
}

func isEmptyValue(v interface{}) bool {
	return !hasValue(v)
}

// canonical lowercases object keys when folding and sorts lists of scalars so
// they compare as sets
func canonical(v interface{}, foldKeys bool) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(value))
		for key, item := range value {
			if foldKeys {
				key = strings.ToLower(key)
			}
			result[key] = canonical(item, foldKeys)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(value))
		scalars := true
		for i, item := range value {
			result[i] = canonical(item, foldKeys)
			if _, ok := item.(string); !ok {
				scalars = false
			}
		}
		if scalars {
			sort.Slice(result, func(i, j int) bool {
				return result[i].(string) < result[j].(string)
			})
		}
		return result
	default:
		return value
	}
}

func (pe *PredicateEvaluator) inject(predicate Predicate, request *Request) bool {
	if pe.scripts == nil {
		pe.logger.Errorf("inject predicate ignored: scripting is not configured")
		return false
	}
	if request.IsDryRun {
		return true
	}

	requestObj := request.Object()
	binding := scripting.LoggerBinding(pe.logger)
	inv := scripting.Invocation{
		Config: map[string]interface{}{"request": requestObj, "state": pe.state, "logger": binding},
		Args:   []interface{}{requestObj, binding, pe.state},
	}
	value, _, err := pe.scripts.Invoke(context.Background(), predicate.Inject, inv, pe.logger)
	if err != nil {
		pe.logger.Errorf("injection error: %v, full source: %s", err, predicate.Inject)
		return false
	}
	return truthy(value)
}

// truthy applies JavaScript truthiness to an exported script value
func truthy(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return value != ""
	case int64:
		return value != 0
	case float64:
		return value != 0 && !math.IsNaN(value)
	default:
		return true
	}
}

// matcher walks an expected field set against an actual value
type matcher struct {
	ignoreKeyCase bool
	test          func(expected, actual interface{}) bool
}

func (m matcher) satisfied(expected map[string]interface{}, actual interface{}) bool {
	if actual == nil || actual == "" {
		return false
	}
	for _, field := range sortedKeys(expected) {
		if !m.fieldSatisfied(field, expected[field], actual) {
			return false
		}
	}
	return true
}

func (m matcher) fieldSatisfied(field string, want interface{}, actual interface{}) bool {
	obj, isObject := actual.(map[string]interface{})
	if !isObject {
		if text, isText := actual.(string); isText {
			if parsed, ok := parseJSON(text); ok {
				actual = normalizer{}.apply(parsed)
				obj, isObject = actual.(map[string]interface{})
			}
		}
	}

	if list, isList := actual.([]interface{}); isList && !isObject {
		single := map[string]interface{}{field: want}
		for _, element := range list {
			if m.satisfied(single, element) {
				return true
			}
		}
		return false
	}

	var value interface{}
	if isObject {
		_, value, _ = lookupField(obj, field, m.ignoreKeyCase)
	}

	child := m
	if strings.EqualFold(field, "headers") {
		child.ignoreKeyCase = true
	}

	if list, isList := value.([]interface{}); isList {
		for _, item := range list {
			if child.leaf(want, item) {
				return true
			}
		}
		return false
	}
	if wantObject, ok := want.(map[string]interface{}); ok {
		return child.satisfied(wantObject, value)
	}
	return m.test(want, orEmpty(value))
}

func (m matcher) leaf(want, value interface{}) bool {
	if wantObject, ok := want.(map[string]interface{}); ok {
		return m.satisfied(wantObject, value)
	}
	return m.test(want, orEmpty(value))
}

func orEmpty(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	return v
}

// lookupField finds key in obj, case-insensitively when ignoreCase is set
func lookupField(obj map[string]interface{}, key string, ignoreCase bool) (string, interface{}, bool) {
	if obj == nil {
		return "", nil, false
	}
	if ignoreCase {
		return util.GetKeyIgnoringCase(obj, key)
	}
	value, ok := obj[key]
	return key, value, ok
}
