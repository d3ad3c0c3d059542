package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Schema names.
const (
	SchemaSubmission      = "submission.schema.json"
	SchemaForm            = "form.schema.json"
	SchemaThresholdUpdate = "threshold_update.schema.json"
)

// Validator checks request bodies against the embedded JSON schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true

	names := []string{SchemaSubmission, SchemaForm, SchemaThresholdUpdate}
	for _, name := range names {
		data, err := schemaFS.ReadFile("schemas/" + name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = schema
	}
	return v, nil
}

// RequestError is a client error in the request body or parameters.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func badRequest(format string, args ...any) error {
	return &RequestError{Message: fmt.Sprintf(format, args...)}
}

// Decode reads the body, validates it against the named schema and decodes
// it into dst.
func (v *Validator) Decode(r *http.Request, schema string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return badRequest("failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return badRequest("request body too large")
	}
	return v.DecodeBytes(body, schema, dst)
}

// DecodeBytes validates body against the named schema and decodes it into dst.
func (v *Validator) DecodeBytes(body []byte, schema string, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return badRequest("invalid JSON request body")
	}

	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %s", schema)
	}
	if err := s.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return badRequest("invalid request: %s", describe(ve))
		}
		return badRequest("invalid request: %v", err)
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return badRequest("invalid request: %v", err)
	}
	return nil
}

// describe flattens a validation error tree into its leaf messages.
func describe(ve *jsonschema.ValidationError) string {
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}
