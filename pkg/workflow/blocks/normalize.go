package blocks

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// NormalizeHandler implements the normalize block: a jq program applied to a
// resolved input. Single outputs bind as-is; multiple outputs bind as a
// sequence.
type NormalizeHandler struct{}

// Handle executes a normalize block.
func (NormalizeHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	program, err := requiredString(block, wctx, "normalize_query")
	if err != nil {
		return nil, err
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, &errors.ValidationError{Field: "normalize_query", Message: "invalid jq program: " + err.Error()}
	}
	compiled, err := gojq.Compile(query)
	if err != nil {
		return nil, &errors.ValidationError{Field: "normalize_query", Message: "invalid jq program: " + err.Error()}
	}

	input := field(block, wctx, "normalize_field")

	var outputs []any
	iter := compiled.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, errors.Wrap(err, "jq evaluation failed")
		}
		outputs = append(outputs, v)
	}

	var value any
	switch len(outputs) {
	case 0:
		value = nil
	case 1:
		value = outputs[0]
	default:
		value = outputs
	}
	return bindDelta(block, wctx, "normalize_bind_value", value), nil
}
