package models

import (
	"fmt"
	"math"
	"strings"

	"github.com/mountebank-testing/imposters/internal/util"
)

// fieldSchema describes one field of a behavior configuration
type fieldSchema struct {
	required           bool
	types              []string
	singleKeyOnly      bool
	enum               []string
	nonNegativeInteger bool
	positiveInteger    bool
	context            string
	array              bool
	fields             []namedSchema
}

type namedSchema struct {
	name   string
	schema *fieldSchema
}

var (
	fromSchema = &fieldSchema{
		required:      true,
		types:         []string{"string", "object"},
		singleKeyOnly: true,
		context:       "the request field to select from",
	}
	intoSchema = &fieldSchema{
		required: true,
		types:    []string{"string"},
		context:  "the token to replace in response fields",
	}
	usingSchema = &fieldSchema{
		required: true,
		types:    []string{"object"},
		fields: []namedSchema{
			{"method", &fieldSchema{required: true, types: []string{"string"}, enum: []string{"regex", "xpath", "jsonpath"}}},
			{"selector", &fieldSchema{required: true, types: []string{"string"}}},
		},
	}

	behaviorSchemas = []namedSchema{
		{"wait", &fieldSchema{required: true, types: []string{"string", "number"}, nonNegativeInteger: true}},
		{"repeat", &fieldSchema{required: true, types: []string{"number"}, positiveInteger: true}},
		{"copy", &fieldSchema{array: true, fields: []namedSchema{
			{"from", fromSchema},
			{"into", intoSchema},
			{"using", usingSchema},
		}}},
		{"lookup", &fieldSchema{array: true, fields: []namedSchema{
			{"key", &fieldSchema{required: true, types: []string{"object"}, fields: []namedSchema{
				{"from", fromSchema},
				{"using", usingSchema},
				{"index", &fieldSchema{types: []string{"number"}, nonNegativeInteger: true}},
			}}},
			{"fromDataSource", &fieldSchema{required: true, types: []string{"object"}, singleKeyOnly: true, enum: []string{"csv"}, fields: []namedSchema{
				{"csv", &fieldSchema{types: []string{"object"}, fields: []namedSchema{
					{"path", &fieldSchema{required: true, types: []string{"string"}, context: "the path to the CSV file"}},
					{"keyColumn", &fieldSchema{required: true, types: []string{"string"}, context: `the column header to select against the "key" field`}},
				}}},
			}}},
			{"into", intoSchema},
		}}},
		{"shellTransform", &fieldSchema{required: true, types: []string{"string"}, context: "the path to a command line application"}},
		{"decorate", &fieldSchema{required: true, types: []string{"string"}, context: "a JavaScript function"}},
	}
)

// ValidateBehaviors checks a raw _behaviors object and returns one error per
// violation. Unknown keys are ignored.
func ValidateBehaviors(config map[string]interface{}) []*util.MountebankError {
	v := &behaviorValidator{}
	for _, entry := range behaviorSchemas {
		value, ok := config[entry.name]
		if !ok {
			continue
		}
		v.behavior = entry.name
		if entry.schema.array {
			v.validateArray(value, entry.schema, config)
			continue
		}
		if entry.name == "shellTransform" {
			if list, isList := value.([]interface{}); isList {
				for _, command := range list {
					v.validateField(entry.name, command, entry.schema, config)
				}
				continue
			}
		}
		v.validateField(entry.name, value, entry.schema, config)
	}
	return v.errors
}

type behaviorValidator struct {
	behavior string
	errors   []*util.MountebankError
}

func (v *behaviorValidator) addError(path, message string, source interface{}) {
	v.errors = append(v.errors, util.NewValidationError(
		fmt.Sprintf("%s behavior %q field %s", v.behavior, path, message), source))
}

func (v *behaviorValidator) validateArray(value interface{}, schema *fieldSchema, config map[string]interface{}) {
	items, ok := value.([]interface{})
	if !ok {
		v.errors = append(v.errors, util.NewValidationError(
			fmt.Sprintf("%q behavior must be an array", v.behavior), config))
		return
	}
	for _, item := range items {
		obj, isObject := item.(map[string]interface{})
		if !isObject {
			v.errors = append(v.errors, util.NewValidationError(
				fmt.Sprintf("%q behavior entries must be objects", v.behavior), item))
			continue
		}
		v.validateFields("", obj, schema.fields, obj)
	}
}

func (v *behaviorValidator) validateFields(prefix string, obj map[string]interface{}, fields []namedSchema, source interface{}) {
	for _, field := range fields {
		path := field.name
		if prefix != "" {
			path = prefix + "." + field.name
		}
		value, ok := obj[field.name]
		if !ok || value == nil {
			if field.schema.required {
				v.addError(path, "required", source)
			}
			continue
		}
		v.validateField(path, value, field.schema, source)
	}
}

func (v *behaviorValidator) validateField(path string, value interface{}, schema *fieldSchema, source interface{}) {
	kind := jsonType(value)
	if !contains(schema.types, kind) {
		v.addError(path, typeErrorMessage(schema), source)
		return
	}

	switch kind {
	case "number":
		number := toFloat(value)
		integral := number == math.Trunc(number)
		if schema.nonNegativeInteger && (!integral || number < 0) {
			v.addError(path, "must be an integer greater than or equal to 0", source)
		}
		if schema.positiveInteger && (!integral || number <= 0) {
			v.addError(path, "must be an integer greater than 0", source)
		}
	case "string":
		if len(schema.enum) > 0 && !contains(schema.enum, value.(string)) {
			v.addError(path, fmt.Sprintf("must be one of [%s]", strings.Join(schema.enum, ", ")), source)
		}
	case "object":
		obj := value.(map[string]interface{})
		if schema.singleKeyOnly && len(obj) != 1 {
			v.addError(path, "must have exactly one key per object", source)
			return
		}
		if len(schema.enum) > 0 {
			for key := range obj {
				if !contains(schema.enum, key) {
					v.addError(path, fmt.Sprintf("must be one of [%s]", strings.Join(schema.enum, ", ")), source)
					return
				}
			}
		}
		v.validateFields(path, obj, schema.fields, source)
	}
}

func typeErrorMessage(schema *fieldSchema) string {
	articles := map[string]string{"number": "a", "object": "an", "string": "a"}
	parts := make([]string, len(schema.types))
	for i, t := range schema.types {
		parts[i] = articles[t] + " " + t
	}
	message := "must be " + strings.Join(parts, " or ")
	if schema.context != "" {
		message += ", representing " + schema.context
	}
	return message
}

func jsonType(value interface{}) string {
	switch value.(type) {
	case string:
		return "string"
	case float64, int, int64:
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case bool:
		return "boolean"
	default:
		return "unknown"
	}
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
