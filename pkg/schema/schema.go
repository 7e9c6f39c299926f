// Package schema compiles and enforces channel payload schemas.
//
// A channel may pin a JSON Schema (draft 2020-12); every payload sent
// on the channel is validated against the compiled schema before
// encryption. Validation failures are typed so the bus can surface
// them as structured error events rather than exceptions.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Error is a typed schema boundary failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

const (
	ErrCompileFailed  = "ERR_SCHEMA_COMPILE_FAILED"
	ErrPayloadInvalid = "ERR_SCHEMA_PAYLOAD_INVALID"
	ErrPayloadNotJSON = "ERR_SCHEMA_PAYLOAD_NOT_JSON"
)

// Validator holds one compiled channel schema.
type Validator struct {
	compiled *jsonschema.Schema
}

// Compile builds a Validator from JSON Schema source. Empty source
// yields a nil Validator, which accepts everything.
func Compile(channelID, source string) (*Validator, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://arbiter.schemas.local/channels/%s.schema.json", channelID)
	if err := c.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, &Error{Code: ErrCompileFailed, Message: err.Error()}
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, &Error{Code: ErrCompileFailed, Message: err.Error()}
	}
	return &Validator{compiled: compiled}, nil
}

// Validate checks a payload against the schema. A nil Validator
// accepts any payload.
func (v *Validator) Validate(payload any) error {
	if v == nil || v.compiled == nil {
		return nil
	}
	// The validator operates on generic JSON values; round-trip structs
	// through encoding/json so tags are respected.
	generic, err := toJSONValue(payload)
	if err != nil {
		return &Error{Code: ErrPayloadNotJSON, Message: err.Error()}
	}
	if err := v.compiled.Validate(generic); err != nil {
		return &Error{Code: ErrPayloadInvalid, Message: err.Error()}
	}
	return nil
}

func toJSONValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return generic, nil
}

// DeepCopy clones a JSON-serializable state map. Rollback checkpoints
// use it so later mutations of the live state cannot reach into a
// stored snapshot.
func DeepCopy(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}
