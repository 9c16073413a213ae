package blocks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/blockflow/pkg/workflow"
)

func TestRegisterAll(t *testing.T) {
	registry := workflow.NewRegistry()
	RegisterAll(registry, Deps{})

	want := []string{
		"agent", "array", "code", "date", "fetch", "location",
		"math", "normalize", "object", "sleep", "string",
	}
	assert.Equal(t, want, registry.Types())
}

func TestLocationHandler(t *testing.T) {
	handler := NewLocationHandler(Location{
		Latitude:  51.5072,
		Longitude: -0.1276,
		Label:     "office",
		Timezone:  "Europe/London",
	})

	wctx := workflow.NewContext()
	result, err := handler.Handle(context.Background(), &workflow.Block{
		ID: "l1", Name: "where", Type: "location",
		Logic: map[string]any{"location_bind_value": "here"},
	}, wctx)
	require.NoError(t, err)

	here := result.StateDelta["here"].(map[string]any)
	assert.Equal(t, 51.5072, here["latitude"])
	assert.Equal(t, "office", here["label"])
	assert.Equal(t, "Europe/London", here["timezone"])
}
