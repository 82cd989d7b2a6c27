package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// GenerateSchema derives a JSON schema from a struct type so completions can
// be pinned to a known shape. Property names come from json tags, fields
// without omitempty are listed as required and description tags annotate the
// schema at any nesting depth.
func GenerateSchema(v interface{}) (map[string]interface{}, error) {
	if v == nil {
		return nil, errors.New("schema value cannot be nil")
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema must be a struct, got %s", t.Kind())
	}
	return objectSchema(t), nil
}

// ParseStructured decodes the JSON payload of a structured completion into
// target, which must be a non-nil pointer.
func ParseStructured(jsonStr string, target interface{}) error {
	if target == nil {
		return errors.New("target cannot be nil")
	}
	if reflect.ValueOf(target).Kind() != reflect.Ptr {
		return errors.New("target must be a pointer")
	}
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("decode structured response: %w", err)
	}
	return nil
}

func objectSchema(t reflect.Type) map[string]interface{} {
	properties := make(map[string]interface{})
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("json") == "-" {
			continue
		}

		name, optional := jsonName(field)
		prop := typeSchema(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			prop["description"] = desc
		}
		properties[name] = prop
		if !optional {
			required = append(required, name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func typeSchema(t reflect.Type) map[string]interface{} {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.Bool:
		return map[string]interface{}{"type": "boolean"}
	case reflect.String:
		return map[string]interface{}{"type": "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]interface{}{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]interface{}{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]interface{}{"type": "array", "items": typeSchema(t.Elem())}
	case reflect.Map:
		return map[string]interface{}{"type": "object", "additionalProperties": typeSchema(t.Elem())}
	case reflect.Struct:
		return objectSchema(t)
	default:
		// Anything without a static JSON shape degrades to string.
		return map[string]interface{}{"type": "string"}
	}
}

// jsonName resolves a field's property name and whether the field is
// optional (tagged omitempty).
func jsonName(field reflect.StructField) (string, bool) {
	tag := field.Tag.Get("json")
	if tag == "" {
		return field.Name, false
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = field.Name
	}
	return name, strings.Contains(","+opts+",", ",omitempty,")
}
