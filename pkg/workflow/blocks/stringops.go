package blocks

import (
	"context"
	"regexp"
	"strings"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
	"github.com/blockflow/blockflow/pkg/workflow/ref"
)

// StringHandler implements the string block: transformations over a resolved
// string field.
type StringHandler struct{}

// Handle executes a string block.
func (StringHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	op, err := requiredString(block, wctx, "string_operation")
	if err != nil {
		return nil, err
	}

	input := ref.Stringify(field(block, wctx, "string_field"))

	var value any
	switch op {
	case "uppercase":
		value = strings.ToUpper(input)
	case "lowercase":
		value = strings.ToLower(input)
	case "trim":
		value = strings.TrimSpace(input)
	case "length":
		value = float64(len([]rune(input)))
	case "split":
		sep := stringField(block, wctx, "string_separator", ",")
		parts := strings.Split(input, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		value = out
	case "join":
		seq, err := sequenceField(block, wctx, "string_field")
		if err != nil {
			return nil, err
		}
		sep := stringField(block, wctx, "string_separator", ",")
		parts := make([]string, len(seq))
		for i, item := range seq {
			parts[i] = ref.Stringify(item)
		}
		value = strings.Join(parts, sep)
	case "replace":
		search := stringField(block, wctx, "string_search", "")
		replacement := stringField(block, wctx, "string_replacement", "")
		value = strings.ReplaceAll(input, search, replacement)
	case "regex_replace":
		pattern := stringField(block, wctx, "string_search", "")
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &errors.ValidationError{Field: "string_search", Message: err.Error()}
		}
		value = re.ReplaceAllString(input, stringField(block, wctx, "string_replacement", ""))
	case "regex_extract":
		pattern := stringField(block, wctx, "string_search", "")
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &errors.ValidationError{Field: "string_search", Message: err.Error()}
		}
		matches := re.FindAllString(input, -1)
		out := make([]any, len(matches))
		for i, m := range matches {
			out[i] = m
		}
		value = out
	case "substring":
		start := int(numberField(block, wctx, "string_start", 0))
		end := int(numberField(block, wctx, "string_end", float64(len([]rune(input)))))
		value = substring(input, start, end)
	case "concat":
		value = input + stringField(block, wctx, "string_suffix", "")
	case "template":
		value = wctx.Interpolate(stringField(block, wctx, "string_template", ""))
	default:
		return nil, &errors.ValidationError{
			Field:      "string_operation",
			Message:    "unknown string operation: " + op,
			Suggestion: "use uppercase, lowercase, trim, length, split, join, replace, regex_replace, regex_extract, substring, concat, or template",
		}
	}

	return bindDelta(block, wctx, "string_bind_value", value), nil
}

// substring slices by rune index with out-of-range bounds clamped, matching
// how logic authors expect negative-free slicing to behave.
func substring(s string, start, end int) string {
	runes := []rune(s)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return ""
	}
	return string(runes[start:end])
}
