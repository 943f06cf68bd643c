package util

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/copystructure"
)

// Clone creates a deep copy of a value. Values that cannot be walked are
// round-tripped through JSON instead.
func Clone(src interface{}) interface{} {
	if src == nil {
		return nil
	}

	dst, err := copystructure.Copy(src)
	if err == nil {
		return dst
	}

	data, err := json.Marshal(src)
	if err != nil {
		return src
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return src
	}
	return generic
}

// Merge returns a new map holding dst overlaid with src. Nested maps present in
// both are merged recursively.
func Merge(dst, src map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(dst)+len(src))
	for k, v := range dst {
		result[k] = v
	}
	for k, v := range src {
		existing, ok := result[k].(map[string]interface{})
		incoming, isMap := v.(map[string]interface{})
		if ok && isMap {
			result[k] = Merge(existing, incoming)
			continue
		}
		result[k] = v
	}
	return result
}

// Defined checks if a value is defined (not nil)
func Defined(v interface{}) bool {
	if v == nil {
		return false
	}

	val := reflect.ValueOf(v)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice:
		return !val.IsNil()
	default:
		return true
	}
}

// GetKeyIgnoringCase returns the value stored under key, falling back to a
// case-insensitive match. The matched key is returned alongside the value.
func GetKeyIgnoringCase(obj map[string]interface{}, key string) (string, interface{}, bool) {
	if value, ok := obj[key]; ok {
		return key, value, true
	}
	lowered := strings.ToLower(key)
	for k, v := range obj {
		if strings.ToLower(k) == lowered {
			return k, v, true
		}
	}
	return "", nil, false
}

// Stringify renders scalars the way JavaScript would when coercing to string.
// Integral floats lose their fractional part.
func Stringify(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case bool:
		return strconv.FormatBool(value)
	case json.Number:
		return value.String()
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// StringValues flattens a single-or-multi valued field into a list of strings
func StringValues(v interface{}) []string {
	switch value := v.(type) {
	case nil:
		return nil
	case []string:
		return value
	case []interface{}:
		result := make([]string, 0, len(value))
		for _, item := range value {
			result = append(result, Stringify(item))
		}
		return result
	default:
		return []string{Stringify(value)}
	}
}

// StableStringify returns a canonical JSON string for v with object keys sorted
func StableStringify(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// ToMap converts a value into its generic JSON object form
func ToMap(v interface{}) map[string]interface{} {
	result := make(map[string]interface{})
	data, err := json.Marshal(v)
	if err != nil {
		return result
	}
	_ = json.Unmarshal(data, &result)
	return result
}

// FromMap decodes a generic JSON object into target
func FromMap(m interface{}, target interface{}) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// ToJSON converts an object to JSON string
func ToJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// FromJSON parses JSON string to object
func FromJSON(s string, v interface{}) error {
	return json.Unmarshal([]byte(s), v)
}
