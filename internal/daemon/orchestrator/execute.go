package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/blockflow/blockflow/internal/daemon/events"
	"github.com/blockflow/blockflow/internal/daemon/metrics"
	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/secrets"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// execute drives a fresh run from block zero to a terminal state or a pause.
func (o *Orchestrator) execute(ctx context.Context, run *workflow.Run, blocks []*workflow.Block, eventData map[string]any) {
	started := time.Now().UTC()
	run.Status = workflow.RunStatusRunning
	run.StartedAt = &started
	if err := o.backend.UpdateRun(ctx, run); err != nil {
		o.logger.Error("marking run running", "run_id", run.ID, "error", err)
	}

	metrics.RecordRunStarted(string(run.TriggerType))
	o.publish(run, events.EventRunStarted, map[string]any{
		"workflowId":  run.WorkflowID,
		"version":     run.Version,
		"triggerType": string(run.TriggerType),
		"startedAt":   started.Format(time.RFC3339),
	})
	o.logger.Info("run started",
		"run_id", run.ID, "workflow", run.WorkflowID, "version", run.Version,
		"trigger_type", string(run.TriggerType))

	wctx := o.newRunContext(ctx, run, started)
	if eventData != nil {
		wctx.Event = workflow.DeepCopyMap(eventData)
	}

	builder := workflow.NewRunBuilder(run.ID, nil)
	result, err := o.newInterpreter(run).Execute(ctx, blocks, wctx, builder)
	o.finish(ctx, run, blocks, wctx, builder, 0, result, err)
}

// resume re-enters a paused run one block past the pause point, with the
// action payload merged into the restored state.
func (o *Orchestrator) resume(ctx context.Context, run *workflow.Run, blocks []*workflow.Block, paused *workflow.PausedRunState, sub workflow.ActionSubmission, priorSteps []*workflow.Step) {
	metrics.RecordRunResumed()
	o.publish(run, events.EventRunStarted, map[string]any{
		"workflowId":  run.WorkflowID,
		"version":     run.Version,
		"triggerType": string(run.TriggerType),
		"startedAt":   time.Now().UTC().Format(time.RFC3339),
		"resumed":     true,
	})
	o.logger.Info("run resumed",
		"run_id", run.ID, "workflow", run.WorkflowID,
		"from_index", paused.CurrentBlockIndex+1, "action_type", sub.ActionType)

	wctx := workflow.RestoreContext(paused.ContextSnapshot)
	for k, v := range sub.Payload {
		wctx.State[k] = v
	}
	started := run.CreatedAt
	if run.StartedAt != nil {
		started = *run.StartedAt
	}
	o.attachRunContext(ctx, wctx, run, started)

	builder := workflow.NewRunBuilder(run.ID, priorSteps)
	result, err := o.newInterpreter(run).Resume(ctx, blocks, wctx, builder, paused.CurrentBlockIndex+1)
	o.finish(ctx, run, blocks, wctx, builder, len(priorSteps), result, err)
}

// newRunContext builds the context for a fresh run.
func (o *Orchestrator) newRunContext(ctx context.Context, run *workflow.Run, started time.Time) *workflow.Context {
	wctx := workflow.NewContext()
	o.attachRunContext(ctx, wctx, run, started)
	return wctx
}

// attachRunContext reattaches the environment a snapshot never carries:
// secrets, paths, run metadata, and the key resolver.
func (o *Orchestrator) attachRunContext(ctx context.Context, wctx *workflow.Context, run *workflow.Run, started time.Time) {
	wctx.Secrets = o.secrets
	wctx.Paths = o.paths
	wctx.Run = workflow.RunInfo{
		ID:          run.ID,
		WorkflowID:  run.WorkflowID,
		Version:     run.Version,
		OrgID:       run.OrgID,
		DeviceID:    o.deviceID,
		TriggerType: run.TriggerType,
		StartedAt:   started,
	}
	if o.resolver != nil {
		wctx.KeyResolver = o.resolver.KeyFunc(ctx)
	}
}

// newInterpreter assembles a per-run interpreter wired to this run's
// cancellation flag and the broadcaster.
func (o *Orchestrator) newInterpreter(run *workflow.Run) *workflow.Interpreter {
	interp := workflow.NewInterpreter(o.registry).
		WithConfig(o.interpCfg).
		WithLogger(o.logger).
		WithCancelCheck(func() bool { return o.isCancelled(run.ID) }).
		WithNotifier(func(event string, data map[string]any) {
			o.publish(run, event, data)
		})
	if o.tracer != nil {
		interp = interp.WithTracer(o.tracer)
	}
	return interp
}

// finish translates an interpreter outcome into persisted state and
// broadcasts. fromStep marks where this segment's steps begin in the ledger,
// so a resumed run does not re-announce history.
func (o *Orchestrator) finish(ctx context.Context, run *workflow.Run, blocks []*workflow.Block, wctx *workflow.Context, builder *workflow.RunBuilder, fromStep int, result *workflow.Result, runErr error) {
	defer o.clearCancelled(run.ID)

	steps := builder.GetSteps()
	if err := o.backend.SaveSteps(ctx, run.ID, steps); err != nil {
		o.logger.Error("persisting steps", "run_id", run.ID, "error", err)
	}
	o.emitSteps(run, steps, fromStep)

	switch {
	case errors.Is(runErr, workflow.ErrCancelled):
		o.finalizeRun(ctx, run, workflow.RunStatusCancelled, "cancelled")
		o.publish(run, events.EventRunCancelled, map[string]any{"message": "cancelled"})
		o.logger.Info("run cancelled", "run_id", run.ID)

	case runErr != nil:
		o.finalizeRun(ctx, run, workflow.RunStatusFailed, runErr.Error())
		data := map[string]any{"message": runErr.Error()}
		var stepErr *workflow.StepError
		if errors.As(runErr, &stepErr) {
			data["blockId"] = stepErr.BlockID
			data["failedAtStep"] = len(steps) - 1
			if bt := blockType(blocks, stepErr.BlockID); bt != "" {
				data["blockType"] = bt
			}
		}
		o.publish(run, events.EventRunFailed, data)
		o.logger.Warn("run failed", "run_id", run.ID, "error", runErr.Error())

	case result.Status == workflow.RunStatusAwaitingAction:
		o.pauseRun(ctx, run, result.Paused, blockType(blocks, result.Paused.PausedBlockID))

	default:
		o.finalizeRun(ctx, run, workflow.RunStatusCompleted, "")
		o.publish(run, events.EventRunCompleted, map[string]any{
			"durationMs":      run.DurationMs,
			"totalSteps":      len(steps),
			"totalDurationMs": sumStepDurations(steps),
			"artifactCount":   len(wctx.Artifacts),
		})
		o.logger.Info("run completed",
			"run_id", run.ID, "duration_ms", run.DurationMs, "total_steps", len(steps))
	}
}

// pauseRun seals the paused state, persists it, and announces the pause.
// A sealing or persistence failure fails the run: resuming would otherwise be
// impossible.
func (o *Orchestrator) pauseRun(ctx context.Context, run *workflow.Run, paused *workflow.PausedRunState, pausedBlockType string) {
	plaintext, err := json.Marshal(paused)
	if err == nil {
		var sealed []byte
		sealed, err = secrets.Seal(o.sealKey, plaintext)
		if err == nil {
			err = o.backend.SavePaused(ctx, run.ID, sealed)
		}
	}
	if err != nil {
		o.finalizeRun(ctx, run, workflow.RunStatusFailed, errors.Wrap(err, "persisting paused state").Error())
		o.publish(run, events.EventRunFailed, map[string]any{"message": run.Error})
		o.logger.Error("persisting paused state", "run_id", run.ID, "error", err)
		return
	}

	run.Status = workflow.RunStatusAwaitingAction
	if err := o.backend.UpdateRun(ctx, run); err != nil {
		o.logger.Error("marking run awaiting action", "run_id", run.ID, "error", err)
	}
	metrics.RecordRunPaused()

	o.publish(run, events.EventRunAwaitingAction, map[string]any{
		"blockId":   paused.PausedBlockID,
		"blockType": pausedBlockType,
		"stepIndex": paused.CurrentBlockIndex,
		"uiConfig":  paused.PausedUIConfig,
	})
	o.logger.Info("run awaiting action",
		"run_id", run.ID, "block_id", paused.PausedBlockID, "step_index", paused.CurrentBlockIndex)
}

// finalizeRun stamps the terminal status and timing onto the run and
// persists it.
func (o *Orchestrator) finalizeRun(ctx context.Context, run *workflow.Run, status workflow.RunStatus, message string) {
	completed := time.Now().UTC()
	run.Status = status
	run.Error = message
	run.CompletedAt = &completed
	if run.StartedAt != nil {
		run.DurationMs = completed.Sub(*run.StartedAt).Milliseconds()
	}
	if err := o.backend.UpdateRun(ctx, run); err != nil {
		o.logger.Error("persisting terminal run state", "run_id", run.ID, "error", err)
	}
	metrics.RecordRunFinished(string(status), time.Duration(run.DurationMs)*time.Millisecond)
}

// emitSteps batch-announces the segment's steps in execution order and
// records per-step metrics.
func (o *Orchestrator) emitSteps(run *workflow.Run, steps []*workflow.Step, fromStep int) {
	if fromStep < 0 || fromStep > len(steps) {
		fromStep = 0
	}
	for _, step := range steps[fromStep:] {
		metrics.RecordStep(step.BlockType, string(step.Status))
		data := map[string]any{
			"stepId":     step.ID,
			"blockId":    step.BlockID,
			"status":     string(step.Status),
			"stepIndex":  step.ExecutionOrder,
			"blockType":  step.BlockType,
			"blockName":  step.BlockName,
			"outputKeys": outputKeys(step),
		}
		if step.Error != nil {
			data["error"] = step.Error.Message
		}
		o.publish(run, events.EventRunStep, data)
	}
}

// outputKeys lists the state keys a step wrote, sorted for stable payloads.
func outputKeys(step *workflow.Step) []string {
	keys := make([]string, 0, len(step.StateDelta))
	for k := range step.StateDelta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// blockType finds a block's type by id.
func blockType(blocks []*workflow.Block, blockID string) string {
	for _, b := range blocks {
		if b.ID == blockID {
			return b.Type
		}
	}
	return ""
}

// sumStepDurations totals per-step wall time across the ledger.
func sumStepDurations(steps []*workflow.Step) int64 {
	var total int64
	for _, step := range steps {
		if !step.EndedAt.IsZero() {
			total += step.EndedAt.Sub(step.StartedAt).Milliseconds()
		}
	}
	return total
}

// decodePaused parses an unsealed paused-state payload.
func decodePaused(plaintext []byte) (*workflow.PausedRunState, error) {
	var paused workflow.PausedRunState
	if err := json.Unmarshal(plaintext, &paused); err != nil {
		return nil, errors.Wrap(err, "decoding paused state")
	}
	return &paused, nil
}
