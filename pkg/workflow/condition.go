package workflow

import (
	"regexp"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow/ref"
)

// Condition operators.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpGreater      = ">"
	OpLessEqual    = "<="
	OpGreaterEqual = ">="
	OpContains     = "contains"
	OpStartsWith   = "startsWith"
	OpEndsWith     = "endsWith"
	OpIn           = "in"
	OpIsEmpty      = "isEmpty"
	OpIsFalsy      = "isFalsy"
	OpIsNull       = "isNull"
	OpRegex        = "regex"
)

// stringCollator orders non-numeric operands for the relational operators.
// Collation is locale-aware so "a" < "B" holds the way users expect.
var stringCollator = collate.New(language.Und, collate.IgnoreCase)

// EvaluateAll returns true if every condition holds. An empty or nil list is
// vacuously true. Operands are resolved against the context before the
// operator is applied. An unknown operator is an error, never a silent false.
func EvaluateAll(conditions []Condition, ctx *Context) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	env := ctx.Env()
	for _, cond := range conditions {
		ok, err := Evaluate(cond, env)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Evaluate applies a single condition against the resolver environment.
func Evaluate(cond Condition, env ref.Env) (bool, error) {
	left := ref.ResolveValue(cond.Left, env)
	right := ref.ResolveValue(cond.Right, env)
	return ApplyOperator(left, cond.Operator, right)
}

// ApplyOperator applies a condition operator to already-resolved operands.
// The array filter operation shares these semantics.
func ApplyOperator(left any, operator string, right any) (bool, error) {
	switch operator {
	case OpEqual:
		return looseEqual(left, right), nil
	case OpNotEqual:
		return !looseEqual(left, right), nil
	case OpLess:
		return compare(left, right) < 0, nil
	case OpGreater:
		return compare(left, right) > 0, nil
	case OpLessEqual:
		return compare(left, right) <= 0, nil
	case OpGreaterEqual:
		return compare(left, right) >= 0, nil
	case OpContains:
		return contains(left, right), nil
	case OpStartsWith:
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasPrefix(ls, rs), nil
	case OpEndsWith:
		ls, lok := left.(string)
		rs, rok := right.(string)
		return lok && rok && strings.HasSuffix(ls, rs), nil
	case OpIn:
		return isIn(left, right), nil
	case OpIsEmpty:
		return isEmpty(left), nil
	case OpIsFalsy:
		return !Truthy(left), nil
	case OpIsNull:
		return left == nil, nil
	case OpRegex:
		pattern, ok := right.(string)
		if !ok {
			return false, nil
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			// A malformed pattern is a non-match, not a run failure.
			return false, nil
		}
		return re.MatchString(ref.Stringify(left)), nil
	default:
		return false, &errors.ValidationError{
			Field:      "operator",
			Message:    "unknown condition operator: " + operator,
			Suggestion: "use one of ==, !=, <, >, <=, >=, contains, startsWith, endsWith, in, isEmpty, isFalsy, isNull, regex",
		}
	}
}

// looseEqual implements the equality used by == and in: when either side is
// null both must be null; otherwise the stringified forms are compared. The
// stringification step makes 1 == "1" and 1 == 1.0 hold, which matches how
// logic values round-trip through JSON.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return ref.Stringify(a) == ref.Stringify(b)
}

// compare orders two operands: numerically when both coerce cleanly, else by
// locale-aware string collation.
func compare(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
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
	return stringCollator.CompareString(ref.Stringify(a), ref.Stringify(b))
}

// contains handles substring match for strings, membership for sequences,
// and key membership for mappings.
func contains(left, right any) bool {
	switch l := left.(type) {
	case string:
		return strings.Contains(l, ref.Stringify(right))
	case []any:
		for _, item := range l {
			if looseEqual(item, right) {
				return true
			}
		}
		return false
	case map[string]any:
		key, ok := right.(string)
		if !ok {
			key = ref.Stringify(right)
		}
		_, present := l[key]
		return present
	default:
		return false
	}
}

// isIn reports membership of left in right: a sequence, or a comma-separated
// string whose parts are trimmed.
func isIn(left, right any) bool {
	switch r := right.(type) {
	case []any:
		for _, item := range r {
			if looseEqual(left, item) {
				return true
			}
		}
		return false
	case string:
		for _, part := range strings.Split(r, ",") {
			if looseEqual(left, strings.TrimSpace(part)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

// Truthy implements standard truthiness over the JSON-like value space:
// nil, false, zero, and the empty string are falsy; everything else is truthy.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}
