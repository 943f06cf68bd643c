package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	pjsonpath "github.com/PaesslerAG/jsonpath"
	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
	"github.com/dlclark/regexp2"
	"github.com/oliveagle/jsonpath"
)

const regexMatchTimeout = time.Second

type regexKey struct {
	pattern string
	options regexp2.RegexOptions
}

var regexCache sync.Map

// compileRegex compiles pattern with JavaScript semantics. Compiled
// expressions are cached; they are safe for concurrent use.
func compileRegex(pattern string, ignoreCase, multiline bool) (*regexp2.Regexp, error) {
	options := regexp2.RegexOptions(regexp2.ECMAScript)
	if ignoreCase {
		options |= regexp2.IgnoreCase
	}
	if multiline {
		options |= regexp2.Multiline
	}
	key := regexKey{pattern: pattern, options: options}
	if cached, ok := regexCache.Load(key); ok {
		return cached.(*regexp2.Regexp), nil
	}

	re, err := regexp2.Compile(pattern, options)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression /%s/: %w", pattern, err)
	}
	re.MatchTimeout = regexMatchTimeout
	regexCache.Store(key, re)
	return re, nil
}

// regexTest reports whether pattern matches anywhere in text
func regexTest(pattern, text string, ignoreCase bool) (bool, error) {
	re, err := compileRegex(pattern, ignoreCase, false)
	if err != nil {
		return false, err
	}
	return re.MatchString(text)
}

// regexRemove deletes every match of pattern from text
func regexRemove(pattern, text string, ignoreCase bool) (string, error) {
	re, err := compileRegex(pattern, ignoreCase, false)
	if err != nil {
		return text, err
	}
	return re.Replace(text, "", -1, -1)
}

// regexSelect returns the full match followed by every capture group, or nil
// when nothing matches
func regexSelect(using Using, text string) ([]string, error) {
	ignoreCase, multiline := false, false
	if using.Options != nil {
		ignoreCase = using.Options.IgnoreCase
		multiline = using.Options.Multiline
	}
	re, err := compileRegex(using.Selector, ignoreCase, multiline)
	if err != nil {
		return nil, err
	}
	match, err := re.FindStringMatch(text)
	if err != nil || match == nil {
		return nil, err
	}
	groups := match.Groups()
	values := make([]string, len(groups))
	for i, group := range groups {
		values[i] = group.String()
	}
	return values, nil
}

// xpathSelect evaluates selector against an XML document. Node sets yield
// one value per node; scalar results yield a single value. Documents that do
// not parse select nothing.
func xpathSelect(selector string, ns map[string]string, doc string) (values []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			values, err = nil, fmt.Errorf("xpath %q failed: %v", selector, r)
		}
	}()

	expr, err := xpath.CompileWithNS(selector, ns)
	if err != nil {
		return nil, fmt.Errorf("invalid xpath %q: %w", selector, err)
	}
	if strings.TrimSpace(doc) == "" {
		return nil, nil
	}
	root, err := xmlquery.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, nil
	}

	switch result := expr.Evaluate(xmlquery.CreateXPathNavigator(root)).(type) {
	case *xpath.NodeIterator:
		for result.MoveNext() {
			values = append(values, result.Current().Value())
		}
	case float64:
		values = append(values, strconv.FormatFloat(result, 'f', -1, 64))
	case string:
		values = append(values, result)
	case bool:
		values = append(values, strconv.FormatBool(result))
	}
	return values, nil
}

// jsonpathSelect evaluates selector against a decoded JSON document. Definite
// paths return at most one value; wildcards, recursive descent, filters and
// unions return every match.
func jsonpathSelect(selector string, doc interface{}) ([]interface{}, error) {
	if doc == nil {
		return nil, nil
	}
	if !definitePath(selector) {
		result, err := pjsonpath.Get(selector, doc)
		if err != nil {
			return nil, nil
		}
		if list, ok := result.([]interface{}); ok {
			return list, nil
		}
		return []interface{}{result}, nil
	}

	compiled, err := jsonpath.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath %q: %w", selector, err)
	}
	result, err := compiled.Lookup(doc)
	if err != nil || result == nil {
		return nil, nil
	}
	return []interface{}{result}, nil
}

func definitePath(selector string) bool {
	return !strings.Contains(selector, "..") && !strings.ContainsAny(selector, "*?,:")
}

// parseJSON decodes text into a generic value, reporting whether it was JSON
func parseJSON(text string) (interface{}, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}
	var value interface{}
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, false
	}
	return value, true
}
