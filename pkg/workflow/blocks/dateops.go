package blocks

import (
	"context"
	"strings"
	"time"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// clock is swapped in tests; production always reads the wall clock.
var clock = time.Now

// dateLayouts are tried in order when parsing an input timestamp.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// DateHandler implements the date block: now, parse, format, arithmetic, and
// component extraction. All outputs are UTC RFC 3339 strings or numbers.
type DateHandler struct{}

// Handle executes a date block.
func (DateHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	op, err := requiredString(block, wctx, "date_operation")
	if err != nil {
		return nil, err
	}

	var value any
	switch op {
	case "now":
		value = clock().UTC().Format(time.RFC3339)
	case "timestamp":
		value = float64(clock().UTC().UnixMilli())
	case "parse":
		t, err := parseDateField(block, wctx)
		if err != nil {
			return nil, err
		}
		value = t.UTC().Format(time.RFC3339)
	case "format":
		t, err := parseDateField(block, wctx)
		if err != nil {
			return nil, err
		}
		layout := stringField(block, wctx, "date_layout", time.RFC3339)
		value = t.UTC().Format(layout)
	case "add", "subtract":
		t, err := parseDateField(block, wctx)
		if err != nil {
			return nil, err
		}
		amount := numberField(block, wctx, "date_amount", 0)
		if op == "subtract" {
			amount = -amount
		}
		unit := stringField(block, wctx, "date_unit", "seconds")
		shifted, err := shiftDate(t, amount, unit)
		if err != nil {
			return nil, err
		}
		value = shifted.UTC().Format(time.RFC3339)
	case "diff":
		t, err := parseDateField(block, wctx)
		if err != nil {
			return nil, err
		}
		other, err := parseDate(stringField(block, wctx, "date_other", ""))
		if err != nil {
			return nil, &errors.ValidationError{Field: "date_other", Message: err.Error()}
		}
		unit := stringField(block, wctx, "date_unit", "seconds")
		value, err = diffDates(t, other, unit)
		if err != nil {
			return nil, err
		}
	case "component":
		t, err := parseDateField(block, wctx)
		if err != nil {
			return nil, err
		}
		value, err = dateComponent(t.UTC(), stringField(block, wctx, "date_unit", ""))
		if err != nil {
			return nil, err
		}
	default:
		return nil, &errors.ValidationError{
			Field:      "date_operation",
			Message:    "unknown date operation: " + op,
			Suggestion: "use now, timestamp, parse, format, add, subtract, diff, or component",
		}
	}

	return bindDelta(block, wctx, "date_bind_value", value), nil
}

func parseDateField(block *workflow.Block, wctx *workflow.Context) (time.Time, error) {
	raw := stringField(block, wctx, "date_field", "")
	if raw == "" {
		return clock().UTC(), nil
	}
	t, err := parseDate(raw)
	if err != nil {
		return time.Time{}, &errors.ValidationError{Field: "date_field", Message: err.Error()}
	}
	return t, nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.New("unrecognized timestamp: " + raw)
}

func shiftDate(t time.Time, amount float64, unit string) (time.Time, error) {
	switch unit {
	case "milliseconds":
		return t.Add(time.Duration(amount) * time.Millisecond), nil
	case "seconds":
		return t.Add(time.Duration(amount) * time.Second), nil
	case "minutes":
		return t.Add(time.Duration(amount) * time.Minute), nil
	case "hours":
		return t.Add(time.Duration(amount) * time.Hour), nil
	case "days":
		return t.AddDate(0, 0, int(amount)), nil
	case "months":
		return t.AddDate(0, int(amount), 0), nil
	case "years":
		return t.AddDate(int(amount), 0, 0), nil
	default:
		return time.Time{}, &errors.ValidationError{
			Field:      "date_unit",
			Message:    "unknown date unit: " + unit,
			Suggestion: "use milliseconds, seconds, minutes, hours, days, months, or years",
		}
	}
}

func diffDates(a, b time.Time, unit string) (float64, error) {
	d := a.Sub(b)
	switch unit {
	case "milliseconds":
		return float64(d.Milliseconds()), nil
	case "seconds":
		return d.Seconds(), nil
	case "minutes":
		return d.Minutes(), nil
	case "hours":
		return d.Hours(), nil
	case "days":
		return d.Hours() / 24, nil
	default:
		return 0, &errors.ValidationError{
			Field:      "date_unit",
			Message:    "unknown date unit: " + unit,
			Suggestion: "use milliseconds, seconds, minutes, hours, or days",
		}
	}
}

func dateComponent(t time.Time, unit string) (float64, error) {
	switch unit {
	case "year":
		return float64(t.Year()), nil
	case "month":
		return float64(t.Month()), nil
	case "day":
		return float64(t.Day()), nil
	case "hour":
		return float64(t.Hour()), nil
	case "minute":
		return float64(t.Minute()), nil
	case "second":
		return float64(t.Second()), nil
	case "weekday":
		return float64(t.Weekday()), nil
	default:
		return 0, &errors.ValidationError{
			Field:      "date_unit",
			Message:    "unknown date component: " + unit,
			Suggestion: "use year, month, day, hour, minute, second, or weekday",
		}
	}
}
