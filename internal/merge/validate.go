package merge

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/result.schema.json
var resultSchemaJSON []byte

const resultSchemaURL = "result.schema.json"

var (
	// ErrVersion marks a result whose version is not SupportedVersion.
	ErrVersion = errors.New("unsupported result version")
	// ErrShape marks a result that does not match the result schema.
	ErrShape = errors.New("malformed result")
)

// ValidationError describes why a plugin result was rejected.
type ValidationError struct {
	// Kind is ErrVersion or ErrShape.
	Kind   error
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

var (
	resultSchemaOnce sync.Once
	resultSchema     *jsonschema.Schema
	resultSchemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	resultSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		if err := c.AddResource(resultSchemaURL, bytes.NewReader(resultSchemaJSON)); err != nil {
			resultSchemaErr = fmt.Errorf("failed to load result schema: %w", err)
			return
		}
		resultSchema, resultSchemaErr = c.Compile(resultSchemaURL)
	})
	return resultSchema, resultSchemaErr
}

// Decode parses and validates a JSON-encoded plugin result. The document
// crosses a trust boundary, so it is checked against the result schema
// before being decoded into typed form, and a version other than
// SupportedVersion is rejected rather than coerced.
func Decode(data []byte) (*Result, error) {
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, &ValidationError{Kind: ErrShape, Detail: err.Error()}
	}
	return Validate(generic, data)
}

// Validate checks a generic JSON value (as produced by encoding/json) and
// decodes it. raw, when non-nil, must be the encoding of v and saves a
// re-encode.
func Validate(v any, raw []byte) (*Result, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ValidationError{Kind: ErrShape, Detail: fmt.Sprintf("expected an object, got %s", describe(v))}
	}
	if ver, present := obj["version"]; present {
		n, isNum := ver.(float64)
		if isNum && n != SupportedVersion {
			return nil, &ValidationError{Kind: ErrVersion, Detail: fmt.Sprintf("got %v, want %d", ver, SupportedVersion)}
		}
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(v); err != nil {
		return nil, &ValidationError{Kind: ErrShape, Detail: err.Error()}
	}

	if raw == nil {
		raw, err = json.Marshal(v)
		if err != nil {
			return nil, &ValidationError{Kind: ErrShape, Detail: err.Error()}
		}
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ValidationError{Kind: ErrShape, Detail: err.Error()}
	}
	if res.Map == nil {
		res.Map = []MapMutation{}
	}
	if res.Components == nil {
		res.Components = []Component{}
	}
	return &res, nil
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "an array"
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}
