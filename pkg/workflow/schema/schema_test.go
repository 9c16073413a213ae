package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

func TestApplyDefaults(t *testing.T) {
	block := &workflow.Block{
		ID:   "b1",
		Name: "get users",
		Type: "fetch",
		Logic: map[string]any{
			"fetch_url": "https://api.example.com/users",
		},
	}
	ApplyDefaults(block)

	assert.Equal(t, "GET", block.Logic["fetch_method"])
	assert.Equal(t, float64(30000), block.Logic["fetch_timeout_ms"])
	assert.Equal(t, float64(1), block.Logic["fetch_max_retries"])

	t.Run("explicit values are kept", func(t *testing.T) {
		block := &workflow.Block{Type: "fetch", Logic: map[string]any{
			"fetch_url":    "https://api.example.com",
			"fetch_method": "POST",
		}}
		ApplyDefaults(block)
		assert.Equal(t, "POST", block.Logic["fetch_method"])
	})

	t.Run("unknown types untouched", func(t *testing.T) {
		block := &workflow.Block{Type: "ui_form"}
		ApplyDefaults(block)
		assert.Empty(t, block.Logic)
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid block passes", func(t *testing.T) {
		require.NoError(t, Validate(&workflow.Block{
			Name: "double", Type: "math",
			Logic: map[string]any{
				"math_operation": "multiply",
				"math_field":     "$state.total",
				"math_operand":   float64(2),
			},
		}))
	})

	t.Run("missing required field", func(t *testing.T) {
		err := Validate(&workflow.Block{Name: "m", Type: "math", Logic: map[string]any{}})
		var validation *errors.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Equal(t, "math_operation", validation.Field)
	})

	t.Run("enum violation", func(t *testing.T) {
		err := Validate(&workflow.Block{
			Name: "m", Type: "math",
			Logic: map[string]any{"math_operation": "explode"},
		})
		var validation *errors.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Contains(t, validation.Suggestion, "add")
	})

	t.Run("type mismatch on literal", func(t *testing.T) {
		err := Validate(&workflow.Block{
			Name: "f", Type: "fetch",
			Logic: map[string]any{
				"fetch_url":        "https://api.example.com",
				"fetch_timeout_ms": "soon",
			},
		})
		var validation *errors.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Equal(t, "fetch_timeout_ms", validation.Field)
	})

	t.Run("dynamic values bypass checks", func(t *testing.T) {
		require.NoError(t, Validate(&workflow.Block{
			Name: "f", Type: "fetch",
			Logic: map[string]any{
				"fetch_url":        "{{$state.base}}/users",
				"fetch_method":     "$state.method",
				"fetch_timeout_ms": "$state.timeout",
			},
		}))
	})

	t.Run("schemaless types validate trivially", func(t *testing.T) {
		require.NoError(t, Validate(&workflow.Block{Type: "ui_approval"}))
	})
}

func TestValidateBlocks(t *testing.T) {
	blocks := []*workflow.Block{
		{Name: "a", Type: "math", Logic: map[string]any{"math_operation": "add", "math_field": float64(1), "math_operand": float64(2)}},
		{Name: "b", Type: "sleep", Logic: map[string]any{}},
	}
	err := ValidateBlocks(blocks)
	var validation *errors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "sleep_duration_ms", validation.Field)
}

func TestIsDynamic(t *testing.T) {
	assert.True(t, IsDynamic("$state.x"))
	assert.True(t, IsDynamic("prefix {{$event.id}}"))
	assert.False(t, IsDynamic("literal"))
	assert.False(t, IsDynamic(42))
}

func TestLookupAliases(t *testing.T) {
	s, ok := Lookup("fetch")
	require.True(t, ok)
	f, ok := s.Field("fetch_url")
	require.True(t, ok)
	assert.Contains(t, f.Aliases, "url")
}
