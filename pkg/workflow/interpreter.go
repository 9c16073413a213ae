package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/blockflow/blockflow/pkg/errors"
)

// Interpreter defaults.
const (
	DefaultMaxSteps         = 10000
	DefaultMaxDuration      = 5 * time.Minute
	DefaultDeferConcurrency = 3
)

// ErrCancelled is returned when a run is cancelled between blocks. The
// orchestrator maps it to the cancelled run status.
var ErrCancelled = errors.New("cancelled")

// Config bounds a single run.
type Config struct {
	// MaxSteps caps the number of recorded steps (the step budget).
	MaxSteps int

	// MaxDuration caps wall-clock time from entry into the main loop.
	MaxDuration time.Duration

	// DeferConcurrency bounds parallel deferred iterations fanned out by
	// goto_foreach. A plain deferred goto always runs one iteration.
	DeferConcurrency int
}

// DefaultInterpreterConfig returns the stock budgets.
func DefaultInterpreterConfig() Config {
	return Config{
		MaxSteps:         DefaultMaxSteps,
		MaxDuration:      DefaultMaxDuration,
		DeferConcurrency: DefaultDeferConcurrency,
	}
}

// Notifier receives engine progress events (iteration boundaries). The
// orchestrator bridges these onto the event broadcaster.
type Notifier func(event string, data map[string]any)

// Interpreter drives sequential block execution for one run at a time. It is
// stateless between runs; all per-run state lives in the Context and the
// RunBuilder.
type Interpreter struct {
	registry *Registry
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	notify   Notifier

	// cancelled is polled between blocks, in addition to ctx cancellation.
	// The orchestrator backs it with its per-run cancellation flag.
	cancelled func() bool
}

// NewInterpreter creates an interpreter with default budgets.
func NewInterpreter(registry *Registry) *Interpreter {
	return &Interpreter{
		registry: registry,
		cfg:      DefaultInterpreterConfig(),
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("workflow"),
	}
}

// WithConfig overrides the run budgets. Zero fields keep their defaults.
func (i *Interpreter) WithConfig(cfg Config) *Interpreter {
	if cfg.MaxSteps > 0 {
		i.cfg.MaxSteps = cfg.MaxSteps
	}
	if cfg.MaxDuration > 0 {
		i.cfg.MaxDuration = cfg.MaxDuration
	}
	if cfg.DeferConcurrency > 0 {
		i.cfg.DeferConcurrency = cfg.DeferConcurrency
	}
	return i
}

// WithLogger sets the logger.
func (i *Interpreter) WithLogger(logger *slog.Logger) *Interpreter {
	if logger != nil {
		i.logger = logger
	}
	return i
}

// WithTracer sets the tracer used for per-block spans.
func (i *Interpreter) WithTracer(tracer trace.Tracer) *Interpreter {
	if tracer != nil {
		i.tracer = tracer
	}
	return i
}

// WithCancelCheck installs an out-of-band cancellation probe polled between
// blocks.
func (i *Interpreter) WithCancelCheck(cancelled func() bool) *Interpreter {
	i.cancelled = cancelled
	return i
}

// WithNotifier installs the progress event sink.
func (i *Interpreter) WithNotifier(n Notifier) *Interpreter {
	i.notify = n
	return i
}

// Result is the terminal outcome of an interpreter pass: either the run
// completed, or it paused on a UI block and Paused carries everything needed
// to resume it.
type Result struct {
	Status RunStatus
	Paused *PausedRunState
	Steps  []*Step
}

// Execute runs the blocks from the top. Blocks are sorted by order first;
// the caller's slice is not mutated.
func (i *Interpreter) Execute(ctx context.Context, blocks []*Block, wctx *Context, builder *RunBuilder) (*Result, error) {
	return i.run(ctx, sortBlocks(blocks), wctx, builder, 0)
}

// Resume re-enters the main loop at fromIndex with a rehydrated context.
// The caller restores the context from the paused snapshot and reattaches
// secrets, paths, and the key resolver before calling.
func (i *Interpreter) Resume(ctx context.Context, blocks []*Block, wctx *Context, builder *RunBuilder, fromIndex int) (*Result, error) {
	return i.run(ctx, sortBlocks(blocks), wctx, builder, fromIndex)
}

func sortBlocks(blocks []*Block) []*Block {
	sorted := make([]*Block, len(blocks))
	copy(sorted, blocks)
	sort.SliceStable(sorted, func(a, b int) bool { return sorted[a].Order < sorted[b].Order })
	return sorted
}

func (i *Interpreter) run(ctx context.Context, blocks []*Block, wctx *Context, builder *RunBuilder, startIndex int) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("run.id", wctx.Run.ID),
			attribute.String("workflow.id", wctx.Run.WorkflowID),
		))
	defer span.End()

	start := time.Now()
	idx := startIndex

	for idx < len(blocks) {
		if err := i.checkBudgets(ctx, builder, start); err != nil {
			return nil, err
		}

		block := blocks[idx]
		wctx.Run.StepIndex = idx
		wctx.Run.BlockID = block.ID
		wctx.Run.BlockName = block.Name
		wctx.Run.BlockType = block.Type

		proceed, err := EvaluateAll(block.Conditions, wctx)
		if err != nil {
			step := builder.CreateStep(block)
			stepErr := i.asStepError(err, block)
			builder.FailStep(step, stepErr)
			return nil, stepErr
		}
		if !proceed {
			step := builder.CreateStep(block)
			builder.SkipStep(step)
			i.logger.Debug("block skipped", "run_id", wctx.Run.ID, "block_id", block.ID, "block_name", block.Name)
			idx++
			continue
		}

		if block.IsUI() {
			step := builder.CreateStep(block)
			builder.CompleteStep(step, nil)
			uiConfig, _ := wctx.ResolveValue(block.UIConfig()).(map[string]any)
			i.logger.Info("run awaiting action",
				"run_id", wctx.Run.ID, "block_id", block.ID, "block_type", block.Type)
			return &Result{
				Status: RunStatusAwaitingAction,
				Paused: &PausedRunState{
					CurrentBlockIndex: idx,
					ContextSnapshot:   wctx.Snapshot(),
					PausedBlockID:     block.ID,
					PausedUIConfig:    uiConfig,
				},
				Steps: builder.GetSteps(),
			}, nil
		}

		if block.Type == BlockTypeGoto {
			next, err := i.executeGoto(ctx, blocks, block, idx, wctx, builder, start)
			if err != nil {
				return nil, err
			}
			idx = next
			continue
		}

		if err := i.executeBlock(ctx, block, wctx, builder, builder.CreateStep); err != nil {
			return nil, err
		}
		idx++
	}

	return &Result{Status: RunStatusCompleted, Steps: builder.GetSteps()}, nil
}

// checkBudgets enforces cancellation, the step budget, and the time budget,
// in that order.
func (i *Interpreter) checkBudgets(ctx context.Context, builder *RunBuilder, start time.Time) error {
	if ctx.Err() != nil || (i.cancelled != nil && i.cancelled()) {
		return ErrCancelled
	}
	if builder.GetExecutionCount() >= i.cfg.MaxSteps {
		return fmt.Errorf("Step limit reached (%d). Possible infinite loop.", i.cfg.MaxSteps)
	}
	if time.Since(start) > i.cfg.MaxDuration {
		return fmt.Errorf("Time limit reached (%dms). Possible infinite loop.", i.cfg.MaxDuration.Milliseconds())
	}
	return nil
}

// executeBlock dispatches one block to its handler and applies the result.
// makeStep selects the regular or deferred step constructor. A handler
// failure under on_error=continue is recorded on the step and returns nil so
// the caller advances.
func (i *Interpreter) executeBlock(ctx context.Context, block *Block, wctx *Context, builder *RunBuilder, makeStep func(*Block) *Step) error {
	handler, ok := i.registry.Handler(block.Type)
	if !ok {
		step := makeStep(block)
		stepErr := &StepError{
			Message:   fmt.Sprintf("no handler registered for block type %q", block.Type),
			BlockID:   block.ID,
			BlockName: block.Name,
		}
		builder.FailStep(step, stepErr)
		return stepErr
	}

	step := makeStep(block)
	before := DeepCopyMap(wctx.State)

	spanCtx, span := i.tracer.Start(ctx, "workflow.block",
		trace.WithAttributes(
			attribute.String("block.id", block.ID),
			attribute.String("block.type", block.Type),
			attribute.String("run.id", wctx.Run.ID),
		))
	started := time.Now()
	result, err := handler(spanCtx, block, wctx)
	span.End()

	if err != nil {
		stepErr := i.asStepError(err, block)
		builder.FailStep(step, stepErr)
		wctx.LastError = stepErr.AsMap()
		i.logger.Warn("block failed",
			"run_id", wctx.Run.ID, "block_id", block.ID, "block_type", block.Type,
			"error", stepErr.Message, "duration", time.Since(started))
		if onErrorStrategy(block) == "continue" {
			return nil
		}
		return stepErr
	}

	ApplyDeltas(wctx, result)
	recorded := recordedResult(result, before, wctx.State)
	builder.CompleteStep(step, recorded)
	wctx.LastError = nil
	i.logger.Debug("block completed",
		"run_id", wctx.Run.ID, "block_id", block.ID, "block_type", block.Type,
		"duration", time.Since(started))
	return nil
}

// recordedResult computes the deltas recorded on the step. The actual state
// delta (diff of state before/after) overrides the handler-reported one when
// non-empty; deletion markers from the handler survive the override since the
// diff cannot see removals.
func recordedResult(result *BlockResult, before, after map[string]any) *BlockResult {
	actual := CalculateDelta(before, after)
	if len(actual) == 0 {
		return result
	}
	if result != nil {
		for k, v := range result.StateDelta {
			if IsDeleted(v) {
				actual[k] = v
			}
		}
	}
	recorded := &BlockResult{StateDelta: actual}
	if result != nil {
		recorded.CacheDelta = result.CacheDelta
		recorded.ArtifactsDelta = result.ArtifactsDelta
		recorded.EventDelta = result.EventDelta
	}
	return recorded
}

// asStepError normalizes a handler error into the step error shape exposed
// as $error.
func (i *Interpreter) asStepError(err error, block *Block) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}
	return &StepError{
		Message:   err.Error(),
		BlockID:   block.ID,
		BlockName: block.Name,
	}
}

// onErrorStrategy reads block.logic.on_error; anything but "continue" aborts.
func onErrorStrategy(block *Block) string {
	if v, ok := block.Logic["on_error"].(string); ok && v == "continue" {
		return "continue"
	}
	return "abort"
}

// executeGoto handles a goto block and returns the next main-loop index.
// The target is a block name, resolved once at goto time. goto_defer runs an
// isolated iteration instead of jumping; goto_foreach fans out one deferred
// iteration per element of the resolved sequence, bounded by the concurrency
// limit.
func (i *Interpreter) executeGoto(ctx context.Context, blocks []*Block, block *Block, gotoIndex int, wctx *Context, builder *RunBuilder, start time.Time) (int, error) {
	step := builder.CreateStep(block)

	rawTarget := wctx.ResolveValue(block.Logic["goto_target"])
	targetName, _ := rawTarget.(string)
	if targetName == "" {
		stepErr := &StepError{
			Message:   "goto requires a goto_target block name",
			BlockID:   block.ID,
			BlockName: block.Name,
		}
		builder.FailStep(step, stepErr)
		return 0, stepErr
	}

	targetIndex := -1
	for idx, candidate := range blocks {
		if candidate.Name == targetName {
			targetIndex = idx
			break
		}
	}
	if targetIndex < 0 {
		stepErr := &StepError{
			Message:   fmt.Sprintf("goto target %q not found", targetName),
			BlockID:   block.ID,
			BlockName: block.Name,
		}
		builder.FailStep(step, stepErr)
		return 0, stepErr
	}

	deferred := Truthy(wctx.ResolveValue(block.Logic["goto_defer"]))
	if !deferred {
		builder.CompleteStep(step, nil)
		i.logger.Debug("goto jump",
			"run_id", wctx.Run.ID, "block_id", block.ID, "target", targetName)
		return targetIndex, nil
	}

	var err error
	if foreachRaw, ok := block.Logic["goto_foreach"]; ok {
		err = i.runForeachIterations(ctx, blocks, block, targetIndex, gotoIndex, wctx, builder, start, foreachRaw)
	} else {
		err = i.runDeferredIteration(ctx, blocks, block, targetIndex, gotoIndex, wctx, builder, start, wctx.CloneForIteration(), uuid.NewString(), -1)
	}
	if err != nil {
		builder.FailStep(step, i.asStepError(err, block))
		return 0, err
	}
	builder.CompleteStep(step, nil)
	return gotoIndex + 1, nil
}

// runDeferredIteration performs one isolated pass over the deferred range:
// [targetIndex, gotoIndex) when the target precedes the goto, otherwise
// [targetIndex, end). UI blocks are skipped entirely inside the pass; every
// executed block is recorded as a deferred step tagged with the iteration id.
// On success the iteration's state merges back into the parent key-wise.
func (i *Interpreter) runDeferredIteration(ctx context.Context, blocks []*Block, gotoBlock *Block, targetIndex, gotoIndex int, parent *Context, builder *RunBuilder, start time.Time, iterCtx *Context, iterationID string, iterationIndex int) error {
	end := len(blocks)
	if targetIndex <= gotoIndex {
		end = gotoIndex
	}

	i.emit("iteration_started", map[string]any{
		"runId":       parent.Run.ID,
		"blockId":     gotoBlock.ID,
		"iterationId": iterationID,
		"index":       iterationIndex,
	})

	makeStep := func(b *Block) *Step { return builder.CreateDeferredStep(b, iterationID) }

	idx := targetIndex
	for idx < end {
		if err := i.checkBudgets(ctx, builder, start); err != nil {
			return err
		}

		block := blocks[idx]
		iterCtx.Run.StepIndex = idx
		iterCtx.Run.BlockID = block.ID
		iterCtx.Run.BlockName = block.Name
		iterCtx.Run.BlockType = block.Type

		if block.IsUI() {
			// No pause and no step inside an iteration.
			idx++
			continue
		}

		proceed, err := EvaluateAll(block.Conditions, iterCtx)
		if err != nil {
			step := makeStep(block)
			stepErr := i.asStepError(err, block)
			builder.FailStep(step, stepErr)
			return stepErr
		}
		if !proceed {
			step := makeStep(block)
			builder.SkipStep(step)
			idx++
			continue
		}

		if block.Type == BlockTypeGoto {
			stepErr := &StepError{
				Message:   "goto is not allowed inside a deferred iteration",
				BlockID:   block.ID,
				BlockName: block.Name,
			}
			builder.FailStep(makeStep(block), stepErr)
			return stepErr
		}

		if err := i.executeBlock(ctx, block, iterCtx, builder, makeStep); err != nil {
			return err
		}
		idx++
	}

	// Key-wise overwrite into the parent state and event map.
	for k, v := range iterCtx.State {
		parent.State[k] = v
	}
	if len(iterCtx.Event) > 0 {
		if parent.Event == nil {
			parent.Event = make(map[string]any, len(iterCtx.Event))
		}
		for k, v := range iterCtx.Event {
			parent.Event[k] = v
		}
	}

	i.emit("iteration_ended", map[string]any{
		"runId":       parent.Run.ID,
		"blockId":     gotoBlock.ID,
		"iterationId": iterationID,
		"index":       iterationIndex,
	})
	return nil
}

// runForeachIterations fans out one deferred iteration per element of the
// resolved goto_foreach sequence, at most DeferConcurrency at a time. Each
// iteration sees its element as $item/$row and its position as $index.
// Iteration states merge back into the parent in element order, so the merge
// is deterministic regardless of completion order.
func (i *Interpreter) runForeachIterations(ctx context.Context, blocks []*Block, gotoBlock *Block, targetIndex, gotoIndex int, parent *Context, builder *RunBuilder, start time.Time, foreachRaw any) error {
	resolved := parent.ResolveValue(foreachRaw)
	items, ok := resolved.([]any)
	if !ok {
		return &StepError{
			Message:   "goto_foreach must resolve to a sequence",
			BlockID:   gotoBlock.ID,
			BlockName: gotoBlock.Name,
		}
	}
	if len(items) == 0 {
		return nil
	}

	type iterationRun struct {
		index int
		ctx   *Context
		id    string
	}
	runs := make([]iterationRun, len(items))
	for idx, item := range items {
		iterCtx := parent.CloneForIteration()
		iterCtx.OpenLoop(gotoBlock.ID, idx, DeepCopyValue(item))
		runs[idx] = iterationRun{index: idx, ctx: iterCtx, id: uuid.NewString()}
	}

	sem := make(chan struct{}, i.cfg.DeferConcurrency)
	errs := make([]error, len(runs))
	var wg sync.WaitGroup

	for _, r := range runs {
		wg.Add(1)
		go func(r iterationRun) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			// The parent merge happens after all iterations finish; each
			// goroutine gets a scratch merge target so concurrent iterations
			// never write into the parent state.
			scratch := &Context{State: make(map[string]any), Run: parent.Run}
			errs[r.index] = i.runDeferredIteration(ctx, blocks, gotoBlock, targetIndex, gotoIndex, scratch, builder, start, r.ctx, r.id, r.index)
		}(r)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	for _, r := range runs {
		r.ctx.CloseLoop(gotoBlock.ID)
		for k, v := range r.ctx.State {
			parent.State[k] = v
		}
		for k, v := range r.ctx.Event {
			parent.Event[k] = v
		}
	}
	return nil
}

func (i *Interpreter) emit(event string, data map[string]any) {
	if i.notify != nil {
		i.notify(event, data)
	}
}
