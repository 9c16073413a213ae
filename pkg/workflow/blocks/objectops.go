package blocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// ObjectHandler implements the object block: key/value introspection and
// structural edits over a resolved mapping.
type ObjectHandler struct{}

// Handle executes an object block.
func (ObjectHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	op, err := requiredString(block, wctx, "object_operation")
	if err != nil {
		return nil, err
	}

	var value any
	switch op {
	case "keys":
		obj, err := mappingField(block, wctx, "object_field")
		if err != nil {
			return nil, err
		}
		value = sortedKeys(obj)
	case "values":
		obj, err := mappingField(block, wctx, "object_field")
		if err != nil {
			return nil, err
		}
		keys := sortedKeys(obj)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = obj[k.(string)]
		}
		value = out
	case "entries":
		obj, err := mappingField(block, wctx, "object_field")
		if err != nil {
			return nil, err
		}
		keys := sortedKeys(obj)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = map[string]any{"key": k, "value": obj[k.(string)]}
		}
		value = out
	case "get":
		obj, err := mappingField(block, wctx, "object_field")
		if err != nil {
			return nil, err
		}
		key, err := requiredString(block, wctx, "object_key")
		if err != nil {
			return nil, err
		}
		value = elementField(obj, key)
	case "set":
		obj, err := mappingField(block, wctx, "object_field")
		if err != nil {
			return nil, err
		}
		key, err := requiredString(block, wctx, "object_key")
		if err != nil {
			return nil, err
		}
		out := workflow.DeepCopyMap(obj)
		out[key] = field(block, wctx, "object_value")
		value = out
	case "delete":
		obj, err := mappingField(block, wctx, "object_field")
		if err != nil {
			return nil, err
		}
		key, err := requiredString(block, wctx, "object_key")
		if err != nil {
			return nil, err
		}
		out := workflow.DeepCopyMap(obj)
		delete(out, key)
		value = out
	case "merge":
		obj, err := mappingField(block, wctx, "object_field")
		if err != nil {
			return nil, err
		}
		other, err := mappingField(block, wctx, "object_other")
		if err != nil {
			return nil, err
		}
		out := workflow.DeepCopyMap(obj)
		for k, v := range other {
			out[k] = workflow.DeepCopyValue(v)
		}
		value = out
	case "has":
		obj, err := mappingField(block, wctx, "object_field")
		if err != nil {
			return nil, err
		}
		key, err := requiredString(block, wctx, "object_key")
		if err != nil {
			return nil, err
		}
		_, present := obj[key]
		value = present
	case "parse":
		raw := stringField(block, wctx, "object_field", "")
		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return nil, &errors.ValidationError{Field: "object_field", Message: "invalid JSON: " + err.Error()}
		}
		value = parsed
	case "stringify":
		encoded, err := json.Marshal(field(block, wctx, "object_field"))
		if err != nil {
			return nil, &errors.ValidationError{Field: "object_field", Message: err.Error()}
		}
		value = string(encoded)
	default:
		return nil, &errors.ValidationError{
			Field:      "object_operation",
			Message:    "unknown object operation: " + op,
			Suggestion: "use keys, values, entries, get, set, delete, merge, has, parse, or stringify",
		}
	}

	return bindDelta(block, wctx, "object_bind_value", value), nil
}

func mappingField(block *workflow.Block, wctx *workflow.Context, key string) (map[string]any, error) {
	v := field(block, wctx, key)
	if v == nil {
		return nil, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("block %q requires %s", block.Name, key),
		}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("%s must resolve to a mapping, got %T", key, v),
		}
	}
	return m, nil
}

// sortedKeys returns map keys in deterministic order so runs replay
// identically.
func sortedKeys(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
