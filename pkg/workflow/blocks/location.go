package blocks

import (
	"context"

	"github.com/blockflow/blockflow/pkg/workflow"
)

// Location is the configured position reported by the location block.
// Servers have no GPS; deployments set this from config.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Label     string  `json:"label,omitempty" yaml:"label"`
	Timezone  string  `json:"timezone,omitempty" yaml:"timezone"`
}

// LocationHandler implements the location block: a stub that binds the
// deployment's configured coordinates.
type LocationHandler struct {
	loc Location
}

// NewLocationHandler builds the handler with a fixed location.
func NewLocationHandler(loc Location) *LocationHandler {
	return &LocationHandler{loc: loc}
}

// Handle executes a location block.
func (h *LocationHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	view := map[string]any{
		"latitude":  h.loc.Latitude,
		"longitude": h.loc.Longitude,
	}
	if h.loc.Label != "" {
		view["label"] = h.loc.Label
	}
	if h.loc.Timezone != "" {
		view["timezone"] = h.loc.Timezone
	}
	return bindDelta(block, wctx, "location_bind_value", view), nil
}
