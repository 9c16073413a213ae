// Package schema declares per-block-type logic field schemas: defaults,
// enumerations, and common-mistake aliases. The orchestrator applies defaults
// and validates blocks before execution; aliases are tooling metadata and
// never affect runtime semantics.
package schema

import (
	"fmt"
	"strings"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// FieldType classifies a logic value. Dynamic values ($-expressions and
// {{...}} templates) bypass type and enum checks since their shape is only
// known at run time.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeNumber   FieldType = "number"
	TypeBool     FieldType = "bool"
	TypeSequence FieldType = "sequence"
	TypeMapping  FieldType = "mapping"
	TypeAny      FieldType = "any"
)

// Field describes one logic key of a block type.
type Field struct {
	Name     string
	Type     FieldType
	Required bool
	Default  any
	Enum     []string
	// Aliases lists common misspellings tooling may map onto this field.
	Aliases []string
}

// BlockSchema is the full field inventory for one block type.
type BlockSchema struct {
	Type   string
	Fields []Field
}

// Field returns the declaration for a logic key.
func (s BlockSchema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

var schemas = map[string]BlockSchema{
	"fetch": {
		Type: "fetch",
		Fields: []Field{
			{Name: "fetch_url", Type: TypeString, Required: true, Aliases: []string{"url", "fetch_uri"}},
			{Name: "fetch_method", Type: TypeString, Default: "GET",
				Enum: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}},
			{Name: "fetch_headers", Type: TypeMapping},
			{Name: "fetch_body", Type: TypeAny},
			{Name: "fetch_timeout_ms", Type: TypeNumber, Default: float64(30000)},
			{Name: "fetch_max_retries", Type: TypeNumber, Default: float64(1)},
			{Name: "fetch_retry_delay_ms", Type: TypeNumber, Default: float64(1000)},
			{Name: "fetch_backoff_multiplier", Type: TypeNumber, Default: float64(2)},
			{Name: "fetch_accepted_status_codes", Type: TypeSequence},
			{Name: "fetch_bind_value", Type: TypeString, Aliases: []string{"fetch_bind"}},
		},
	},
	"code": {
		Type: "code",
		Fields: []Field{
			{Name: "code_source", Type: TypeString, Required: true, Aliases: []string{"code", "source", "code_src"}},
			{Name: "code_language", Type: TypeString, Default: "javascript",
				Enum: []string{"javascript", "typescript"}},
			{Name: "code_timeout_ms", Type: TypeNumber},
			{Name: "code_bind_value", Type: TypeString},
		},
	},
	"math": {
		Type: "math",
		Fields: []Field{
			{Name: "math_operation", Type: TypeString, Required: true, Aliases: []string{"math_op"},
				Enum: []string{
					"add", "subtract", "multiply", "divide", "modulo", "power",
					"min", "max", "abs", "round", "floor", "ceil", "sqrt",
					"negate", "sum", "average", "expression",
				}},
			{Name: "math_field", Type: TypeAny},
			{Name: "math_operand", Type: TypeNumber},
			{Name: "math_expression", Type: TypeString},
			{Name: "math_bind_value", Type: TypeString},
		},
	},
	"string": {
		Type: "string",
		Fields: []Field{
			{Name: "string_operation", Type: TypeString, Required: true, Aliases: []string{"string_op"},
				Enum: []string{
					"uppercase", "lowercase", "trim", "length", "split", "join",
					"replace", "regex_replace", "regex_extract", "substring",
					"concat", "template",
				}},
			{Name: "string_field", Type: TypeAny},
			{Name: "string_separator", Type: TypeString, Default: ","},
			{Name: "string_search", Type: TypeString},
			{Name: "string_replacement", Type: TypeString},
			{Name: "string_pattern", Type: TypeString},
			{Name: "string_start", Type: TypeNumber},
			{Name: "string_end", Type: TypeNumber},
			{Name: "string_suffix", Type: TypeString},
			{Name: "string_template", Type: TypeString},
			{Name: "string_bind_value", Type: TypeString},
		},
	},
	"array": {
		Type: "array",
		Fields: []Field{
			{Name: "array_operation", Type: TypeString, Required: true, Aliases: []string{"array_op"},
				Enum: []string{
					"filter", "pluck", "sort", "unique", "reverse", "flatten",
					"first", "last", "length", "slice", "concat",
				}},
			{Name: "array_field", Type: TypeAny},
			{Name: "array_key", Type: TypeString},
			{Name: "array_filter_key", Type: TypeString},
			{Name: "array_filter_operator", Type: TypeString},
			{Name: "array_filter_value", Type: TypeAny},
			{Name: "array_direction", Type: TypeString, Default: "asc", Enum: []string{"asc", "desc"}},
			{Name: "array_start", Type: TypeNumber},
			{Name: "array_end", Type: TypeNumber},
			{Name: "array_other", Type: TypeAny},
			{Name: "array_bind_value", Type: TypeString},
		},
	},
	"object": {
		Type: "object",
		Fields: []Field{
			{Name: "object_operation", Type: TypeString, Required: true, Aliases: []string{"object_op"},
				Enum: []string{
					"keys", "values", "entries", "get", "set", "delete",
					"merge", "has", "parse", "stringify",
				}},
			{Name: "object_field", Type: TypeAny},
			{Name: "object_key", Type: TypeString},
			{Name: "object_value", Type: TypeAny},
			{Name: "object_other", Type: TypeAny},
			{Name: "object_bind_value", Type: TypeString},
		},
	},
	"date": {
		Type: "date",
		Fields: []Field{
			{Name: "date_operation", Type: TypeString, Required: true, Aliases: []string{"date_op"},
				Enum: []string{
					"now", "timestamp", "parse", "format", "add", "subtract",
					"diff", "component",
				}},
			{Name: "date_field", Type: TypeAny},
			{Name: "date_other", Type: TypeAny},
			{Name: "date_layout", Type: TypeString},
			{Name: "date_amount", Type: TypeNumber},
			{Name: "date_unit", Type: TypeString},
			{Name: "date_component", Type: TypeString},
			{Name: "date_bind_value", Type: TypeString},
		},
	},
	"normalize": {
		Type: "normalize",
		Fields: []Field{
			{Name: "normalize_query", Type: TypeString, Required: true, Aliases: []string{"normalize_jq"}},
			{Name: "normalize_field", Type: TypeAny},
			{Name: "normalize_bind_value", Type: TypeString},
		},
	},
	"sleep": {
		Type: "sleep",
		Fields: []Field{
			{Name: "sleep_duration_ms", Type: TypeNumber, Required: true, Aliases: []string{"sleep_ms", "sleep_duration"}},
		},
	},
	"agent": {
		Type: "agent",
		Fields: []Field{
			{Name: "agent_prompt", Type: TypeString, Required: true, Aliases: []string{"prompt"}},
			{Name: "agent_model", Type: TypeString},
			{Name: "agent_system", Type: TypeString},
			{Name: "agent_max_tokens", Type: TypeNumber},
			{Name: "agent_temperature", Type: TypeNumber},
			{Name: "agent_bind_value", Type: TypeString},
		},
	},
	"location": {
		Type: "location",
		Fields: []Field{
			{Name: "location_bind_value", Type: TypeString},
		},
	},
	"goto": {
		Type: "goto",
		Fields: []Field{
			{Name: "goto_target", Type: TypeString, Required: true, Aliases: []string{"goto_block"}},
			{Name: "goto_defer", Type: TypeBool},
			{Name: "goto_foreach", Type: TypeAny},
		},
	},
}

// Lookup returns the schema for a block type.
func Lookup(blockType string) (BlockSchema, bool) {
	s, ok := schemas[blockType]
	return s, ok
}

// Types returns the block types with a declared schema.
func Types() []string {
	out := make([]string, 0, len(schemas))
	for t := range schemas {
		out = append(out, t)
	}
	return out
}

// IsDynamic reports whether a logic value is resolved at run time rather
// than a literal: $-expressions and {{...}} templates.
func IsDynamic(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(s, "$") || strings.Contains(s, "{{")
}

// ApplyDefaults fills absent logic keys with their declared defaults.
// Unknown block types (including ui_ blocks) are left untouched.
func ApplyDefaults(block *workflow.Block) {
	s, ok := schemas[block.Type]
	if !ok {
		return
	}
	if block.Logic == nil {
		block.Logic = make(map[string]any)
	}
	for _, f := range s.Fields {
		if f.Default == nil {
			continue
		}
		if _, present := block.Logic[f.Name]; !present {
			block.Logic[f.Name] = f.Default
		}
	}
}

// Validate checks a block's logic against its schema: required fields must be
// present, and literal values must satisfy the declared type and enum.
// Dynamic values pass unchecked. Blocks without a schema validate trivially.
func Validate(block *workflow.Block) error {
	s, ok := schemas[block.Type]
	if !ok {
		return nil
	}
	for _, f := range s.Fields {
		value, present := block.Logic[f.Name]
		if !present || value == nil {
			if f.Required {
				return &errors.ValidationError{
					Field:      f.Name,
					Message:    fmt.Sprintf("block %q (%s) requires %s", block.Name, block.Type, f.Name),
					Suggestion: fmt.Sprintf("set %s in the block's logic", f.Name),
				}
			}
			continue
		}
		if IsDynamic(value) {
			continue
		}
		if err := checkType(block, f, value); err != nil {
			return err
		}
		if err := checkEnum(block, f, value); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBlocks validates every block of a version, reporting the first
// failure.
func ValidateBlocks(blocks []*workflow.Block) error {
	for _, block := range blocks {
		if err := Validate(block); err != nil {
			return err
		}
	}
	return nil
}

func checkType(block *workflow.Block, f Field, value any) error {
	ok := true
	switch f.Type {
	case TypeString:
		_, ok = value.(string)
	case TypeNumber:
		ok = isNumeric(value)
	case TypeBool:
		_, ok = value.(bool)
	case TypeSequence:
		_, ok = value.([]any)
	case TypeMapping:
		_, ok = value.(map[string]any)
	case TypeAny:
	}
	if !ok {
		return &errors.ValidationError{
			Field:   f.Name,
			Message: fmt.Sprintf("block %q: %s must be a %s, got %T", block.Name, f.Name, f.Type, value),
		}
	}
	return nil
}

func checkEnum(block *workflow.Block, f Field, value any) error {
	if len(f.Enum) == 0 {
		return nil
	}
	s, ok := value.(string)
	if !ok {
		return nil
	}
	for _, allowed := range f.Enum {
		if s == allowed {
			return nil
		}
	}
	return &errors.ValidationError{
		Field:      f.Name,
		Message:    fmt.Sprintf("block %q: %q is not a valid %s", block.Name, s, f.Name),
		Suggestion: fmt.Sprintf("one of: %s", strings.Join(f.Enum, ", ")),
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, uint, uint64:
		return true
	}
	return false
}
