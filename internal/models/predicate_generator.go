package models

import (
	"fmt"
	"strings"

	"github.com/mountebank-testing/imposters/internal/util"
)

// GeneratePredicates builds the predicates a recorded proxy response is
// stored under. Each generator field set to true captures the request value
// with deepEquals; nested objects capture the named sub-fields with equals.
// Body selectors that match several nodes expand into one predicate per
// match, each pinned to its position.
func GeneratePredicates(request *Request, generators []PredicateGenerator, logger *util.Logger) []Predicate {
	obj := request.Object()
	var predicates []Predicate

	for _, generator := range generators {
		for _, field := range sortedKeys(generator.Matches) {
			wanted := generator.Matches[field]
			_, value, _ := util.GetKeyIgnoringCase(obj, field)

			if nested, ok := wanted.(map[string]interface{}); ok {
				if selectors := bodySelectors(field, generator, nested); len(selectors) > 0 {
					for _, selector := range selectors {
						predicates = append(predicates, selectorPredicates(selector, request.Body, logger)...)
					}
					continue
				}
				p := basePredicate(generator)
				p.Equals = map[string]interface{}{field: buildEquals(value, nested)}
				predicates = append(predicates, p)
				continue
			}
			if enabled, _ := wanted.(bool); !enabled {
				continue
			}

			if field == "body" && (generator.XPath != nil || generator.JSONPath != nil) {
				predicates = append(predicates, selectorPredicates(generator, request.Body, logger)...)
				continue
			}

			p := basePredicate(generator)
			p.DeepEquals = map[string]interface{}{field: orEmpty(value)}
			predicates = append(predicates, p)
		}
	}
	return predicates
}

func basePredicate(generator PredicateGenerator) Predicate {
	p := Predicate{
		CaseSensitive: generator.CaseSensitive,
		Except:        generator.Except,
	}
	if generator.XPath != nil {
		p.XPath = &Selector{Selector: generator.XPath.Selector, NS: generator.XPath.NS}
	}
	if generator.JSONPath != nil {
		p.JSONPath = &Selector{Selector: generator.JSONPath.Selector}
	}
	return p
}

// bodySelectors reads the matches.body form {xpath: {...}} or
// {jsonpath: {...}}, returning one generator per selector found
func bodySelectors(field string, generator PredicateGenerator, nested map[string]interface{}) []PredicateGenerator {
	if field != "body" {
		return nil
	}
	var selectors []PredicateGenerator
	for _, key := range []string{"xpath", "jsonpath"} {
		raw, ok := nested[key]
		if !ok {
			continue
		}
		var selector Selector
		if err := util.FromMap(raw, &selector); err != nil || selector.Selector == "" {
			continue
		}
		g := generator
		g.XPath, g.JSONPath = nil, nil
		if key == "xpath" {
			g.XPath = &selector
		} else {
			g.JSONPath = &selector
		}
		selectors = append(selectors, g)
	}
	return selectors
}

// buildEquals copies the sub-fields named by wanted out of value
func buildEquals(value interface{}, wanted map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(wanted))
	obj, _ := value.(map[string]interface{})
	for _, key := range sortedKeys(wanted) {
		var actual interface{}
		if obj != nil {
			_, actual, _ = util.GetKeyIgnoringCase(obj, key)
		}
		if nested, ok := wanted[key].(map[string]interface{}); ok {
			result[key] = buildEquals(actual, nested)
			continue
		}
		result[key] = orEmpty(actual)
	}
	return result
}

func selectorPredicates(generator PredicateGenerator, body string, logger *util.Logger) []Predicate {
	var values []interface{}
	var err error
	if generator.XPath != nil {
		var selected []string
		selected, err = xpathSelect(generator.XPath.Selector, generator.XPath.NS, body)
		values = stringsToValues(selected)
	} else {
		doc, _ := parseJSON(body)
		values, err = jsonpathSelect(generator.JSONPath.Selector, doc)
	}
	if err != nil {
		logger.Errorf("%v", err)
	}

	if len(values) <= 1 {
		p := basePredicate(generator)
		p.DeepEquals = map[string]interface{}{"body": orEmpty(selectedValue(values))}
		return []Predicate{p}
	}

	predicates := make([]Predicate, 0, len(values))
	for i, value := range values {
		p := basePredicate(generator)
		if p.XPath != nil {
			p.XPath.Selector = fmt.Sprintf("(%s)[%d]", generator.XPath.Selector, i+1)
		} else {
			p.JSONPath.Selector = strings.Replace(generator.JSONPath.Selector, "*", fmt.Sprint(i), 1)
		}
		p.DeepEquals = map[string]interface{}{"body": value}
		predicates = append(predicates, p)
	}
	return predicates
}
