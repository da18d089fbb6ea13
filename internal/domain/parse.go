package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	validate = newValidator()

	locationKeys    = jsonKeys(reflect.TypeOf(LocationInput{}))
	conditionKeys   = jsonKeys(reflect.TypeOf(ConditionInput{}))
	currentKeys     = jsonKeys(reflect.TypeOf(CurrentInput{}))
	measurementKeys = jsonKeys(reflect.TypeOf(Measurements{}))
)

// ParseObservation decodes and validates an observation payload. It returns
// *MissingFieldError for the first absent key (location block first, then
// current, then condition) and *ValidationError for malformed or
// out-of-range values.
func ParseObservation(body []byte) (ObservationInput, error) {
	root, err := object(body, "body")
	if err != nil {
		return ObservationInput{}, err
	}

	location, err := requireObject(root, "location")
	if err != nil {
		return ObservationInput{}, err
	}
	if err := requireKeys(location, "location", locationKeys); err != nil {
		return ObservationInput{}, err
	}

	current, err := requireObject(root, "current")
	if err != nil {
		return ObservationInput{}, err
	}
	if err := requireKeys(current, "current", currentKeys); err != nil {
		return ObservationInput{}, err
	}

	condition, err := requireObject(current, "current.condition")
	if err != nil {
		return ObservationInput{}, err
	}
	if err := requireKeys(condition, "current.condition", conditionKeys); err != nil {
		return ObservationInput{}, err
	}

	var in ObservationInput
	if err := json.Unmarshal(body, &in); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return ObservationInput{}, &ValidationError{Fields: []FieldError{{
				Field:  typeErr.Field,
				Reason: fmt.Sprintf("cannot use JSON %s as %s", typeErr.Value, typeErr.Type),
			}}}
		}
		return ObservationInput{}, &ValidationError{Fields: []FieldError{{Field: "body", Reason: err.Error()}}}
	}

	if err := validate.Struct(in); err != nil {
		return ObservationInput{}, toValidationError(err)
	}
	return in, nil
}

// object decodes raw into a key map, failing when it is not a JSON object.
func object(raw []byte, path string) (map[string]json.RawMessage, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, &ValidationError{Fields: []FieldError{{Field: path, Reason: "must be a JSON object"}}}
	}
	return m, nil
}

// requireObject looks up the last segment of path in parent.
func requireObject(parent map[string]json.RawMessage, path string) (map[string]json.RawMessage, error) {
	key := path[strings.LastIndex(path, ".")+1:]
	raw, ok := parent[key]
	if !ok || isNull(raw) {
		return nil, &MissingFieldError{Field: path}
	}
	return object(raw, path)
}

func requireKeys(obj map[string]json.RawMessage, path string, keys []string) error {
	for _, k := range keys {
		if raw, ok := obj[k]; !ok || isNull(raw) {
			return &MissingFieldError{Field: path + "." + k}
		}
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// jsonKeys lists the JSON keys of t in declaration order, flattening
// embedded structs and skipping nested struct fields (which are checked
// as their own block).
func jsonKeys(t reflect.Type) []string {
	var keys []string
	for i := range t.NumField() {
		f := t.Field(i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			keys = append(keys, jsonKeys(f.Type)...)
			continue
		}
		if f.Type.Kind() == reflect.Struct {
			continue
		}
		if name := jsonName(f); name != "" {
			keys = append(keys, name)
		}
	}
	return keys
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "-" {
		return ""
	}
	return name
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(jsonName)
	return v
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Fields: []FieldError{{Field: "body", Reason: err.Error()}}}
	}
	out := &ValidationError{Fields: make([]FieldError, 0, len(verrs))}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{Field: fieldPath(fe.Namespace()), Reason: reason(fe)})
	}
	return out
}

// fieldPath turns "ObservationInput.current.Measurements.humidity" into
// "current.humidity".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts[1:] {
		if p == "Measurements" {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "gte":
		return "must be >= " + fe.Param()
	case "lte":
		return "must be <= " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
