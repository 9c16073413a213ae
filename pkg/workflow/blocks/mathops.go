package blocks

import (
	"context"
	"fmt"
	"math"

	"github.com/expr-lang/expr"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// MathHandler implements the math block: a named operation over one or two
// resolved operands, or a free-form expression evaluated against a scoped
// environment.
type MathHandler struct{}

// Handle executes a math block.
func (MathHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	op, err := requiredString(block, wctx, "math_operation")
	if err != nil {
		return nil, err
	}

	var value float64
	switch op {
	case "add", "subtract", "multiply", "divide", "modulo", "power", "min", "max":
		value, err = binaryMath(op, block, wctx)
	case "abs", "round", "floor", "ceil", "sqrt", "negate":
		value, err = unaryMath(op, block, wctx)
	case "sum", "average":
		value, err = aggregateMath(op, block, wctx)
	case "expression":
		value, err = exprMath(block, wctx)
	default:
		return nil, &errors.ValidationError{
			Field:      "math_operation",
			Message:    "unknown math operation: " + op,
			Suggestion: "use add, subtract, multiply, divide, modulo, power, min, max, abs, round, floor, ceil, sqrt, negate, sum, average, or expression",
		}
	}
	if err != nil {
		return nil, err
	}
	return bindDelta(block, wctx, "math_bind_value", value), nil
}

func binaryMath(op string, block *workflow.Block, wctx *workflow.Context) (float64, error) {
	left, err := requiredNumber(block, wctx, "math_field")
	if err != nil {
		return 0, err
	}
	right, err := requiredNumber(block, wctx, "math_operand")
	if err != nil {
		return 0, err
	}
	switch op {
	case "add":
		return left + right, nil
	case "subtract":
		return left - right, nil
	case "multiply":
		return left * right, nil
	case "divide":
		if right == 0 {
			return 0, &errors.ValidationError{Field: "math_operand", Message: "division by zero"}
		}
		return left / right, nil
	case "modulo":
		if right == 0 {
			return 0, &errors.ValidationError{Field: "math_operand", Message: "modulo by zero"}
		}
		return math.Mod(left, right), nil
	case "power":
		return math.Pow(left, right), nil
	case "min":
		return math.Min(left, right), nil
	default:
		return math.Max(left, right), nil
	}
}

func unaryMath(op string, block *workflow.Block, wctx *workflow.Context) (float64, error) {
	v, err := requiredNumber(block, wctx, "math_field")
	if err != nil {
		return 0, err
	}
	switch op {
	case "abs":
		return math.Abs(v), nil
	case "round":
		return math.Round(v), nil
	case "floor":
		return math.Floor(v), nil
	case "ceil":
		return math.Ceil(v), nil
	case "sqrt":
		if v < 0 {
			return 0, &errors.ValidationError{Field: "math_field", Message: "sqrt of a negative number"}
		}
		return math.Sqrt(v), nil
	default:
		return -v, nil
	}
}

func aggregateMath(op string, block *workflow.Block, wctx *workflow.Context) (float64, error) {
	seq, err := sequenceField(block, wctx, "math_field")
	if err != nil {
		return 0, err
	}
	var total float64
	for i, item := range seq {
		n, ok := toNumber(item)
		if !ok {
			return 0, &errors.ValidationError{
				Field:   "math_field",
				Message: fmt.Sprintf("element %d is not numeric: %v", i, item),
			}
		}
		total += n
	}
	if op == "average" {
		if len(seq) == 0 {
			return 0, &errors.ValidationError{Field: "math_field", Message: "average of an empty sequence"}
		}
		return total / float64(len(seq)), nil
	}
	return total, nil
}

// exprMath evaluates math_expression with expr-lang. The environment exposes
// the resolver scopes as plain maps, so expressions read state.total rather
// than $state.total.
func exprMath(block *workflow.Block, wctx *workflow.Context) (float64, error) {
	source, err := requiredString(block, wctx, "math_expression")
	if err != nil {
		return 0, err
	}

	env := map[string]any{
		"state": wctx.State,
		"event": wctx.Event,
	}
	program, err := expr.Compile(source, expr.Env(env), expr.AsFloat64())
	if err != nil {
		return 0, &errors.ValidationError{Field: "math_expression", Message: err.Error()}
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return 0, &errors.ValidationError{Field: "math_expression", Message: err.Error()}
	}
	f, ok := toNumber(out)
	if !ok {
		return 0, &errors.ValidationError{Field: "math_expression", Message: fmt.Sprintf("expression did not produce a number: %v", out)}
	}
	return f, nil
}

func requiredNumber(block *workflow.Block, wctx *workflow.Context, key string) (float64, error) {
	v := field(block, wctx, key)
	if v == nil {
		return 0, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("block %q requires %s", block.Name, key),
		}
	}
	f, ok := toNumber(v)
	if !ok {
		return 0, &errors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("%s must resolve to a number, got %T", key, v),
		}
	}
	return f, nil
}
