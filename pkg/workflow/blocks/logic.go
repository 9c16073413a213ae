// Package blocks implements the built-in block handlers: fetch, code, math,
// string, array, object, date, normalize, sleep, agent, and location. Each
// handler resolves its type-prefixed logic fields against the run context
// and returns the deltas to apply.
package blocks

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// field resolves a logic value: $-expressions and {{...}} templates are
// evaluated, composites element-wise.
func field(block *workflow.Block, wctx *workflow.Context, key string) any {
	raw, ok := block.Logic[key]
	if !ok {
		return nil
	}
	return wctx.ResolveValue(raw)
}

// stringField resolves a field and coerces it to a string. Missing fields
// yield the fallback.
func stringField(block *workflow.Block, wctx *workflow.Context, key, fallback string) string {
	v := field(block, wctx, key)
	if v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// requiredString resolves a field that must be a non-empty string.
func requiredString(block *workflow.Block, wctx *workflow.Context, key string) (string, error) {
	s := stringField(block, wctx, key, "")
	if s == "" {
		return "", &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("block %q requires %s", block.Name, key),
		}
	}
	return s, nil
}

// numberField resolves a numeric field; strings that parse as numbers are
// accepted since logic values round-trip through JSON and templates.
func numberField(block *workflow.Block, wctx *workflow.Context, key string, fallback float64) float64 {
	v := field(block, wctx, key)
	if v == nil {
		return fallback
	}
	if f, ok := toNumber(v); ok {
		return f
	}
	return fallback
}

func boolField(block *workflow.Block, wctx *workflow.Context, key string, fallback bool) bool {
	v := field(block, wctx, key)
	if v == nil {
		return fallback
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fallback
		}
		return parsed
	default:
		return fallback
	}
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// sequenceField resolves a field expected to be a sequence.
func sequenceField(block *workflow.Block, wctx *workflow.Context, key string) ([]any, error) {
	v := field(block, wctx, key)
	if v == nil {
		return nil, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("block %q requires %s", block.Name, key),
		}
	}
	seq, ok := v.([]any)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("%s must resolve to a sequence, got %T", key, v),
		}
	}
	return seq, nil
}

// bindDelta wraps a computed value under the block's bind key. No bind key
// configured means no state effect.
func bindDelta(block *workflow.Block, wctx *workflow.Context, bindKey string, value any) *workflow.BlockResult {
	target := stringField(block, wctx, bindKey, "")
	if target == "" {
		return &workflow.BlockResult{}
	}
	return &workflow.BlockResult{StateDelta: map[string]any{target: value}}
}
