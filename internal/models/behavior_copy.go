package models

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mountebank-testing/imposters/internal/util"
)

// copyBehaviors replaces each copy token in the response with values selected
// from the request
func copyBehaviors(request *Request, response *Response, copies []CopyBehavior, logger *util.Logger) (*Response, error) {
	obj := request.Object()
	fields := util.ToMap(response)

	for _, c := range copies {
		values, err := selectValues(getFrom(obj, c.From), c.Using, logger)
		if err != nil {
			return nil, err
		}
		fields = replaceTokens(fields, func(text string) string {
			return replaceArrayValues(text, c.Into, values)
		}).(map[string]interface{})
	}

	result := &Response{}
	if err := util.FromMap(fields, result); err != nil {
		return nil, err
	}
	return result, nil
}

// lookupBehaviors replaces row tokens with the data source row keyed by a
// value selected from the request
func lookupBehaviors(request *Request, response *Response, lookups []LookupBehavior, logger *util.Logger) (*Response, error) {
	obj := request.Object()
	fields := util.ToMap(response)

	for _, l := range lookups {
		keys, err := selectValues(getFrom(obj, l.Key.From), l.Key.Using, logger)
		if err != nil {
			return nil, err
		}
		if l.Key.Index >= len(keys) || l.FromDataSource.CSV == nil {
			continue
		}
		row := csvRow(l.FromDataSource.CSV, keys[l.Key.Index], logger)
		fields = replaceTokens(fields, func(text string) string {
			return replaceObjectValues(text, l.Into, row)
		}).(map[string]interface{})
	}

	result := &Response{}
	if err := util.FromMap(fields, result); err != nil {
		return nil, err
	}
	return result, nil
}

// getFrom walks the request object along the selector path. Keys match
// case-insensitively and multi-valued fields yield their first value.
func getFrom(obj map[string]interface{}, from FieldSelector) interface{} {
	var current interface{} = obj
	for _, key := range from.Path {
		m, ok := current.(map[string]interface{})
		if !ok {
			if text, isText := current.(string); isText {
				parsed, isJSON := parseJSON(text)
				m, ok = parsed.(map[string]interface{})
				ok = ok && isJSON
			}
			if !ok {
				return nil
			}
		}
		_, current, _ = util.GetKeyIgnoringCase(m, key)
	}
	if list, ok := current.([]interface{}); ok {
		if len(list) == 0 {
			return nil
		}
		return list[0]
	}
	return current
}

// selectValues applies a regex, xpath or jsonpath selector to a request value
func selectValues(from interface{}, using Using, logger *util.Logger) ([]string, error) {
	if from == nil {
		return nil, nil
	}
	text := util.Stringify(from)

	switch using.Method {
	case "regex":
		values, err := regexSelect(using, text)
		if err != nil {
			logger.Errorf("%v", err)
			return nil, util.NewValidationError(err.Error(), util.ToJSON(using))
		}
		return values, nil
	case "xpath":
		values, err := xpathSelect(using.Selector, using.NS, text)
		if err != nil {
			logger.Errorf("%v", err)
			return nil, util.NewValidationError(err.Error(), util.ToJSON(using))
		}
		return values, nil
	case "jsonpath":
		doc := from
		if _, isText := from.(string); isText {
			doc, _ = parseJSON(text)
		}
		selected, err := jsonpathSelect(using.Selector, doc)
		if err != nil {
			logger.Errorf("%v", err)
			return nil, util.NewValidationError(err.Error(), util.ToJSON(using))
		}
		values := make([]string, len(selected))
		for i, v := range selected {
			values[i] = util.Stringify(v)
		}
		return values, nil
	default:
		return nil, util.NewValidationError(fmt.Sprintf("unsupported selection method %q", using.Method), util.ToJSON(using))
	}
}

// replaceTokens applies replace to every string value in v, recursively
func replaceTokens(v interface{}, replace func(string) string) interface{} {
	switch value := v.(type) {
	case string:
		return replace(value)
	case map[string]interface{}:
		for key, item := range value {
			value[key] = replaceTokens(item, replace)
		}
		return value
	case []interface{}:
		for i, item := range value {
			value[i] = replaceTokens(item, replace)
		}
		return value
	default:
		return v
	}
}

// replaceArrayValues replaces TOKEN[N] with the Nth value, then TOKEN with
// the first
func replaceArrayValues(text, token string, values []string) string {
	if len(values) == 0 || !strings.Contains(text, token) {
		return text
	}
	for i, value := range values {
		text = strings.ReplaceAll(text, fmt.Sprintf("%s[%d]", token, i), value)
	}
	return strings.ReplaceAll(text, token, values[0])
}

// replaceObjectValues replaces TOKEN["col"], TOKEN['col'] and TOKEN[col] with
// the column values of row
func replaceObjectValues(text, token string, row map[string]string) string {
	if !strings.Contains(text, token) {
		return text
	}
	for column, value := range row {
		for _, quote := range []string{`"`, `'`, ""} {
			text = strings.ReplaceAll(text, fmt.Sprintf("%s[%s%s%s]", token, quote, column, quote), value)
		}
	}
	return text
}

// csvRow returns the first row whose key column equals key. Unreadable
// files and missing keys yield an empty row.
func csvRow(source *CSVDataSource, key string, logger *util.Logger) map[string]string {
	row := map[string]string{}

	file, err := os.Open(source.Path)
	if err != nil {
		logger.Errorf("cannot read %s: %v", source.Path, err)
		return row
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	if source.Delimiter != "" {
		reader.Comma = []rune(source.Delimiter)[0]
	}

	header, err := reader.Read()
	if err != nil {
		logger.Errorf("cannot read header of %s: %v", source.Path, err)
		return row
	}
	keyIndex := -1
	for i, column := range header {
		header[i] = strings.TrimSpace(column)
		if header[i] == source.KeyColumn {
			keyIndex = i
		}
	}
	if keyIndex < 0 {
		logger.Warnf("column %q not found in %s", source.KeyColumn, source.Path)
		return row
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return row
		}
		if err != nil {
			logger.Errorf("cannot read %s: %v", source.Path, err)
			return row
		}
		if keyIndex >= len(record) || strings.TrimSpace(record[keyIndex]) != key {
			continue
		}
		for i, column := range header {
			if i < len(record) {
				row[column] = strings.TrimSpace(record[i])
			}
		}
		return row
	}
}
