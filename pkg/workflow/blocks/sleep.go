package blocks

import (
	"context"
	"time"

	"github.com/blockflow/blockflow/pkg/workflow"
)

// MaxSleep caps a single sleep block so one block cannot eat the whole run
// time budget.
const MaxSleep = 30 * time.Second

// SleepHandler implements the sleep block: a bounded, cancellable delay.
type SleepHandler struct{}

// Handle executes a sleep block.
func (SleepHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	d := time.Duration(numberField(block, wctx, "sleep_duration_ms", 0)) * time.Millisecond
	if d <= 0 {
		return &workflow.BlockResult{}, nil
	}
	if d > MaxSleep {
		d = MaxSleep
	}

	select {
	case <-time.After(d):
		return &workflow.BlockResult{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
