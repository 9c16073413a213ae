package blocks

import (
	"context"
	"fmt"
	"sort"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
	"github.com/blockflow/blockflow/pkg/workflow/ref"
)

// ArrayHandler implements the array block. Filter reuses the condition
// operator set, so a filter on status == "active" behaves exactly like the
// same guard on a block.
type ArrayHandler struct{}

// Handle executes an array block.
func (ArrayHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	op, err := requiredString(block, wctx, "array_operation")
	if err != nil {
		return nil, err
	}

	seq, err := sequenceField(block, wctx, "array_field")
	if err != nil {
		return nil, err
	}

	var value any
	switch op {
	case "filter":
		value, err = filterArray(seq, block, wctx)
	case "pluck":
		value, err = pluckArray(seq, block, wctx)
	case "sort":
		value, err = sortArray(seq, block, wctx)
	case "unique":
		value = uniqueArray(seq)
	case "reverse":
		out := make([]any, len(seq))
		for i, item := range seq {
			out[len(seq)-1-i] = item
		}
		value = out
	case "flatten":
		value = flattenArray(seq)
	case "first":
		if len(seq) > 0 {
			value = seq[0]
		}
	case "last":
		if len(seq) > 0 {
			value = seq[len(seq)-1]
		}
	case "length":
		value = float64(len(seq))
	case "slice":
		start := int(numberField(block, wctx, "array_start", 0))
		end := int(numberField(block, wctx, "array_end", float64(len(seq))))
		value = sliceArray(seq, start, end)
	case "concat":
		other, err := sequenceField(block, wctx, "array_other")
		if err != nil {
			return nil, err
		}
		value = append(append([]any{}, seq...), other...)
	default:
		return nil, &errors.ValidationError{
			Field:      "array_operation",
			Message:    "unknown array operation: " + op,
			Suggestion: "use filter, pluck, sort, unique, reverse, flatten, first, last, length, slice, or concat",
		}
	}
	if err != nil {
		return nil, err
	}
	return bindDelta(block, wctx, "array_bind_value", value), nil
}

// filterArray keeps the elements for which key OP comparand holds. An empty
// key compares the element itself.
func filterArray(seq []any, block *workflow.Block, wctx *workflow.Context) ([]any, error) {
	operator, err := requiredString(block, wctx, "array_filter_operator")
	if err != nil {
		return nil, err
	}
	key := stringField(block, wctx, "array_filter_key", "")
	comparand := field(block, wctx, "array_filter_value")

	out := make([]any, 0, len(seq))
	for _, item := range seq {
		left := item
		if key != "" {
			left = elementField(item, key)
		}
		ok, err := workflow.ApplyOperator(left, operator, comparand)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	return out, nil
}

func pluckArray(seq []any, block *workflow.Block, wctx *workflow.Context) ([]any, error) {
	key, err := requiredString(block, wctx, "array_key")
	if err != nil {
		return nil, err
	}
	out := make([]any, len(seq))
	for i, item := range seq {
		out[i] = elementField(item, key)
	}
	return out, nil
}

// sortArray orders elements, by a key when given. Numeric values sort
// numerically; everything else sorts by stringified form.
func sortArray(seq []any, block *workflow.Block, wctx *workflow.Context) ([]any, error) {
	key := stringField(block, wctx, "array_key", "")
	descending := stringField(block, wctx, "array_direction", "asc") == "desc"

	out := append([]any{}, seq...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if key != "" {
			a = elementField(a, key)
			b = elementField(b, key)
		}
		c := compareValues(a, b)
		if descending {
			return c > 0
		}
		return c < 0
	})
	return out, nil
}

func compareValues(a, b any) int {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := ref.Stringify(a), ref.Stringify(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

// uniqueArray deduplicates by JSON-ish identity, keeping first occurrence.
func uniqueArray(seq []any) []any {
	seen := make(map[string]struct{}, len(seq))
	out := make([]any, 0, len(seq))
	for _, item := range seq {
		id := fmt.Sprintf("%T:%s", item, ref.Stringify(item))
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, item)
	}
	return out
}

func flattenArray(seq []any) []any {
	out := make([]any, 0, len(seq))
	for _, item := range seq {
		if nested, ok := item.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, item)
	}
	return out
}

func sliceArray(seq []any, start, end int) []any {
	if start < 0 {
		start = 0
	}
	if end > len(seq) {
		end = len(seq)
	}
	if start >= end {
		return []any{}
	}
	return append([]any{}, seq[start:end]...)
}

// elementField reads a dotted path out of a mapping element. Missing segments
// yield nil, matching resolver semantics for absent paths.
func elementField(item any, path string) any {
	current := item
	for _, segment := range splitPath(path) {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[segment]
	}
	return current
}

func splitPath(path string) []string {
	var out []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			out = append(out, path[start:i])
			start = i + 1
		}
	}
	return append(out, path[start:])
}
