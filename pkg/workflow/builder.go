package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunBuilder owns the step ledger of a run. It knows nothing about
// scheduling: the interpreter decides what executes, the builder records the
// attempts. Every attempt appends a step, including skips and failures, so
// executionOrder is dense across the run. Appends are safe under the
// parallel deferred iterations fanned out by goto_foreach.
type RunBuilder struct {
	mu             sync.Mutex
	runID          string
	steps          []*Step
	executionCount int
}

// NewRunBuilder creates a builder for a run. An existing step history (from
// a resumed run) seeds the ledger and the execution counter.
func NewRunBuilder(runID string, existing []*Step) *RunBuilder {
	b := &RunBuilder{runID: runID}
	if len(existing) > 0 {
		b.steps = append(b.steps, existing...)
		b.executionCount = len(existing)
	}
	return b
}

// CreateStep appends a running step for the block, snapshotting its logic.
func (b *RunBuilder) CreateStep(block *Block) *Step {
	b.mu.Lock()
	defer b.mu.Unlock()
	step := b.newStep(block)
	b.steps = append(b.steps, step)
	return step
}

// CreateDeferredStep is CreateStep for a block inside a deferred iteration:
// the step is tagged with the iteration id.
func (b *RunBuilder) CreateDeferredStep(block *Block, iterationID string) *Step {
	b.mu.Lock()
	defer b.mu.Unlock()
	step := b.newStep(block)
	step.IsDeferred = true
	step.IterationID = iterationID
	b.steps = append(b.steps, step)
	return step
}

func (b *RunBuilder) newStep(block *Block) *Step {
	step := &Step{
		ID:             uuid.NewString(),
		RunID:          b.runID,
		BlockID:        block.ID,
		BlockName:      block.Name,
		BlockType:      block.Type,
		BlockOrder:     block.Order,
		ExecutionOrder: b.executionCount,
		Status:         StepStatusRunning,
		Logic:          DeepCopyMap(block.Logic),
		StartedAt:      time.Now().UTC(),
	}
	b.executionCount++
	return step
}

// CompleteStep marks the step completed and records the result deltas.
func (b *RunBuilder) CompleteStep(step *Step, result *BlockResult) {
	step.Status = StepStatusCompleted
	step.EndedAt = time.Now().UTC()
	if result == nil {
		return
	}
	step.StateDelta = result.StateDelta
	step.CacheDelta = result.CacheDelta
	step.ArtifactsDelta = result.ArtifactsDelta
	step.EventDelta = result.EventDelta
}

// FailStep marks the step failed with the given error.
func (b *RunBuilder) FailStep(step *Step, stepErr *StepError) {
	step.Status = StepStatusFailed
	step.EndedAt = time.Now().UTC()
	step.Error = stepErr
}

// SkipStep marks the step skipped (guard conditions evaluated false).
func (b *RunBuilder) SkipStep(step *Step) {
	step.Status = StepStatusSkipped
	step.EndedAt = time.Now().UTC()
}

// GetSteps returns the ledger in execution order.
func (b *RunBuilder) GetSteps() []*Step {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.steps
}

// GetExecutionCount returns the number of steps recorded so far. The
// interpreter compares this against the step budget.
func (b *RunBuilder) GetExecutionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executionCount
}

// CalculateDelta returns the keys of after that are new or whose value
// differs from before by deep equality. Deletions are not tracked here; only
// the sandbox diff records them.
func CalculateDelta(before, after map[string]any) map[string]any {
	delta := make(map[string]any)
	for k, v := range after {
		prev, existed := before[k]
		if !existed || !DeepEqual(prev, v) {
			delta[k] = v
		}
	}
	return delta
}

// ApplyDeltas merges a block result into the run context: stateDelta keys
// overwrite state (the Deleted sentinel removes the key), cacheDelta entries
// are written through the ordered cache, artifacts are appended, and
// eventDelta keys merge into the trigger event.
func ApplyDeltas(ctx *Context, result *BlockResult) {
	if result == nil {
		return
	}
	for k, v := range result.StateDelta {
		if IsDeleted(v) {
			delete(ctx.State, k)
			continue
		}
		ctx.State[k] = v
	}
	for k, v := range result.CacheDelta {
		if IsDeleted(v) {
			ctx.Cache.Delete(k)
			continue
		}
		ctx.Cache.Set(k, v)
	}
	if len(result.ArtifactsDelta) > 0 {
		ctx.Artifacts = append(ctx.Artifacts, result.ArtifactsDelta...)
	}
	for k, v := range result.EventDelta {
		ctx.Event[k] = v
	}
}
