package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockflow/blockflow/internal/daemon/backend/memory"
	"github.com/blockflow/blockflow/internal/daemon/events"
	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

type testEnv struct {
	backend  *memory.Backend
	events   *events.Broadcaster
	registry *workflow.Registry
	orch     *Orchestrator
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		backend:  memory.New(),
		events:   events.New(),
		registry: workflow.NewRegistry(),
	}
	t.Cleanup(env.events.Close)
	opts = append([]Option{
		WithBroadcaster(env.events),
		WithSealKey([]byte("test-passphrase")),
	}, opts...)
	env.orch = New(env.backend, env.registry, opts...)
	return env
}

// seedVersion stores a workflow and one published version with the given
// blocks, assigning orders by position.
func (env *testEnv) seedVersion(t *testing.T, blocks ...*workflow.Block) {
	t.Helper()
	ctx := context.Background()
	for i, b := range blocks {
		b.Order = i
	}
	require.NoError(t, env.backend.CreateWorkflow(ctx, &workflow.Workflow{
		ID: "wf-1", OrgID: "org-1", Name: "test", ActiveVersion: 1,
	}))
	require.NoError(t, env.backend.CreateVersion(ctx, &workflow.Version{
		WorkflowID: "wf-1", Version: 1, Status: workflow.VersionPublished,
		TriggerType: workflow.TriggerAPI, Blocks: blocks,
	}))
}

// setValue returns a handler that writes one state key.
func setValue(key string, value any) workflow.Handler {
	return func(_ context.Context, _ *workflow.Block, _ *workflow.Context) (*workflow.BlockResult, error) {
		return &workflow.BlockResult{StateDelta: map[string]any{key: value}}, nil
	}
}

func waitEvent(t *testing.T, ch <-chan events.Event, eventType string) events.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			require.True(t, ok, "event channel closed while waiting for %s", eventType)
			if e.Type == eventType {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestTriggerRunsToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("first", setValue("a", float64(1)))
	env.registry.Register("second", setValue("b", float64(2)))
	env.seedVersion(t,
		&workflow.Block{ID: "b1", Name: "one", Type: "first"},
		&workflow.Block{ID: "b2", Name: "two", Type: "second"},
	)

	ch, cancel := env.events.Subscribe(events.RunTopic("run-1"))
	defer cancel()

	ctx := context.Background()
	run, err := env.orch.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, TriggerType: workflow.TriggerAPI,
		OrgID: "org-1", RunID: "run-1",
		EventData: map[string]any{"source": "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusPending, run.Status)

	started := waitEvent(t, ch, events.EventRunStarted)
	assert.Equal(t, "wf-1", started.Data["workflowId"])

	completed := waitEvent(t, ch, events.EventRunCompleted)
	assert.Equal(t, 2, completed.Data["totalSteps"])

	persisted, err := env.backend.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCompleted, persisted.Status)
	require.NotNil(t, persisted.CompletedAt)

	steps, err := env.backend.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for i, step := range steps {
		assert.Equal(t, i, step.ExecutionOrder)
		assert.Equal(t, workflow.StepStatusCompleted, step.Status)
	}
	assert.Equal(t, map[string]any{"a": float64(1)}, steps[0].StateDelta)
}

func TestTriggerStepEventsCarryOutputKeys(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("first", setValue("total", float64(9)))
	env.seedVersion(t, &workflow.Block{ID: "b1", Name: "one", Type: "first"})

	ch, cancel := env.events.Subscribe(events.RunTopic("run-1"))
	defer cancel()

	_, err := env.orch.Trigger(context.Background(), workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1", RunID: "run-1",
	})
	require.NoError(t, err)

	step := waitEvent(t, ch, events.EventRunStep)
	assert.Equal(t, "b1", step.Data["blockId"])
	assert.Equal(t, []string{"total"}, step.Data["outputKeys"])
	assert.Equal(t, string(workflow.StepStatusCompleted), step.Data["status"])
}

func TestConditionalSkipIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("first", setValue("a", float64(1)))
	env.seedVersion(t,
		&workflow.Block{ID: "b1", Name: "guarded", Type: "first", Conditions: []workflow.Condition{
			{Left: "$event.go", Operator: "==", Right: true},
		}},
	)

	ch, cancel := env.events.Subscribe(events.RunTopic("run-1"))
	defer cancel()

	_, err := env.orch.Trigger(context.Background(), workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1", RunID: "run-1",
		EventData: map[string]any{"go": false},
	})
	require.NoError(t, err)
	waitEvent(t, ch, events.EventRunCompleted)

	steps, err := env.backend.ListSteps(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, workflow.StepStatusSkipped, steps[0].Status)
}

func TestPauseAndResumeWithActionMerge(t *testing.T) {
	env := newTestEnv(t)
	var observed map[string]any
	env.registry.Register("first", setValue("before", true))
	env.registry.Register("after", func(_ context.Context, _ *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
		observed = workflow.DeepCopyMap(wctx.State)
		return nil, nil
	})
	env.seedVersion(t,
		&workflow.Block{ID: "b1", Name: "prepare", Type: "first"},
		&workflow.Block{ID: "b2", Name: "approve", Type: "ui_approval", Logic: map[string]any{"ui_prompt": "ok?"}},
		&workflow.Block{ID: "b3", Name: "continue", Type: "after"},
	)

	ch, cancel := env.events.Subscribe(events.RunTopic("run-1"))
	defer cancel()

	ctx := context.Background()
	_, err := env.orch.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1", RunID: "run-1",
	})
	require.NoError(t, err)

	paused := waitEvent(t, ch, events.EventRunAwaitingAction)
	assert.Equal(t, "b2", paused.Data["blockId"])
	assert.Equal(t, "ui_approval", paused.Data["blockType"])
	assert.Equal(t, map[string]any{"ui_prompt": "ok?"}, paused.Data["uiConfig"])

	persisted, err := env.backend.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusAwaitingAction, persisted.Status)

	sealed, err := env.backend.GetPaused(ctx, "run-1")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "before")

	_, err = env.orch.SubmitAction(ctx, "run-1", workflow.ActionSubmission{
		ActionType: "approve",
		Payload:    map[string]any{"approved": true},
	})
	require.NoError(t, err)

	resumed := waitEvent(t, ch, events.EventRunStarted)
	assert.Equal(t, true, resumed.Data["resumed"])
	waitEvent(t, ch, events.EventRunCompleted)

	assert.Equal(t, true, observed["before"])
	assert.Equal(t, true, observed["approved"])

	steps, err := env.backend.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.ExecutionOrder)
	}

	_, err = env.backend.GetPaused(ctx, "run-1")
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPauseResumeMatchesUninterruptedRun(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("seed", setValue("a", float64(1)))
	env.registry.Register("double", func(_ context.Context, _ *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
		current, _ := wctx.State["a"].(float64)
		return &workflow.BlockResult{StateDelta: map[string]any{"b": current * 2}}, nil
	})

	ctx := context.Background()
	seedWorkflow := func(id string, blocks ...*workflow.Block) {
		for i, b := range blocks {
			b.Order = i
		}
		require.NoError(t, env.backend.CreateWorkflow(ctx, &workflow.Workflow{
			ID: id, OrgID: "org-1", Name: id, ActiveVersion: 1,
		}))
		require.NoError(t, env.backend.CreateVersion(ctx, &workflow.Version{
			WorkflowID: id, Version: 1, Status: workflow.VersionPublished,
			TriggerType: workflow.TriggerAPI, Blocks: blocks,
		}))
	}
	seedWorkflow("wf-paused",
		&workflow.Block{ID: "b1", Name: "seed", Type: "seed"},
		&workflow.Block{ID: "b2", Name: "hold", Type: "ui_confirm"},
		&workflow.Block{ID: "b3", Name: "double", Type: "double"},
	)
	seedWorkflow("wf-straight",
		&workflow.Block{ID: "b1", Name: "seed", Type: "seed"},
		&workflow.Block{ID: "b3", Name: "double", Type: "double"},
	)

	pausedCh, cancelPaused := env.events.Subscribe(events.RunTopic("run-paused"))
	defer cancelPaused()
	straightCh, cancelStraight := env.events.Subscribe(events.RunTopic("run-straight"))
	defer cancelStraight()

	_, err := env.orch.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: "wf-paused", Version: 1, OrgID: "org-1", RunID: "run-paused",
	})
	require.NoError(t, err)
	waitEvent(t, pausedCh, events.EventRunAwaitingAction)

	// Resume with no action data: the pause must be invisible to the
	// remaining blocks.
	_, err = env.orch.SubmitAction(ctx, "run-paused", workflow.ActionSubmission{ActionType: "confirm"})
	require.NoError(t, err)
	waitEvent(t, pausedCh, events.EventRunCompleted)

	_, err = env.orch.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: "wf-straight", Version: 1, OrgID: "org-1", RunID: "run-straight",
	})
	require.NoError(t, err)
	waitEvent(t, straightCh, events.EventRunCompleted)

	mergedDeltas := func(runID string) map[string]any {
		steps, err := env.backend.ListSteps(ctx, runID)
		require.NoError(t, err)
		merged := make(map[string]any)
		for _, s := range steps {
			for k, v := range s.StateDelta {
				merged[k] = v
			}
		}
		return merged
	}

	// Same terminal status and the same cumulative state effects; the paused
	// run's ledger differs only by the recorded pause step.
	for _, runID := range []string{"run-paused", "run-straight"} {
		persisted, err := env.backend.GetRun(ctx, runID)
		require.NoError(t, err)
		assert.Equal(t, workflow.RunStatusCompleted, persisted.Status)
	}
	assert.Equal(t, mergedDeltas("run-straight"), mergedDeltas("run-paused"))
	assert.Equal(t, map[string]any{"a": float64(1), "b": float64(2)}, mergedDeltas("run-paused"))
}

func TestSubmitActionRejectedUnlessAwaiting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.backend.CreateRun(ctx, &workflow.Run{
		ID: "run-1", WorkflowID: "wf-1", OrgID: "org-1",
		Status: workflow.RunStatusRunning, TriggerType: workflow.TriggerAPI,
	}))

	_, err := env.orch.SubmitAction(ctx, "run-1", workflow.ActionSubmission{ActionType: "approve"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not awaiting action")
}

func TestCancelRunningRun(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	env.registry.Register("slow", func(_ context.Context, _ *workflow.Block, _ *workflow.Context) (*workflow.BlockResult, error) {
		close(entered)
		<-release
		return nil, nil
	})
	env.registry.Register("second", setValue("late", true))
	env.seedVersion(t,
		&workflow.Block{ID: "b1", Name: "slow", Type: "slow"},
		&workflow.Block{ID: "b2", Name: "after", Type: "second"},
	)

	ch, cancel := env.events.Subscribe(events.RunTopic("run-1"))
	defer cancel()

	ctx := context.Background()
	_, err := env.orch.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1", RunID: "run-1",
	})
	require.NoError(t, err)

	<-entered
	require.NoError(t, env.orch.Cancel(ctx, "run-1"))
	require.NoError(t, env.orch.Cancel(ctx, "run-1")) // idempotent
	close(release)

	cancelled := waitEvent(t, ch, events.EventRunCancelled)
	assert.Equal(t, "cancelled", cancelled.Data["message"])

	persisted, err := env.backend.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCancelled, persisted.Status)
	assert.Equal(t, "cancelled", persisted.Error)

	// The flag is observed between blocks: the second block never ran.
	steps, err := env.backend.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "b1", steps[0].BlockID)
}

func TestCancelPausedRun(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersion(t,
		&workflow.Block{ID: "b1", Name: "approve", Type: "ui_approval"},
	)

	ch, cancel := env.events.Subscribe(events.RunTopic("run-1"))
	defer cancel()

	ctx := context.Background()
	_, err := env.orch.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1", RunID: "run-1",
	})
	require.NoError(t, err)
	waitEvent(t, ch, events.EventRunAwaitingAction)

	require.NoError(t, env.orch.Cancel(ctx, "run-1"))
	waitEvent(t, ch, events.EventRunCancelled)

	persisted, err := env.backend.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusCancelled, persisted.Status)

	_, err = env.backend.GetPaused(ctx, "run-1")
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestRunFailureIsBroadcastAndPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("broken", func(_ context.Context, _ *workflow.Block, _ *workflow.Context) (*workflow.BlockResult, error) {
		return nil, errors.New("upstream exploded")
	})
	env.seedVersion(t, &workflow.Block{ID: "b1", Name: "boom", Type: "broken"})

	ch, cancel := env.events.Subscribe(events.RunTopic("run-1"))
	defer cancel()

	ctx := context.Background()
	_, err := env.orch.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1", RunID: "run-1",
	})
	require.NoError(t, err)

	failed := waitEvent(t, ch, events.EventRunFailed)
	assert.Contains(t, failed.Data["message"], "upstream exploded")
	assert.Equal(t, "b1", failed.Data["blockId"])
	assert.Equal(t, "broken", failed.Data["blockType"])

	persisted, err := env.backend.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.RunStatusFailed, persisted.Status)
	assert.Contains(t, persisted.Error, "upstream exploded")
}

func TestTriggerUsesActiveVersionWhenUnspecified(t *testing.T) {
	env := newTestEnv(t)
	env.registry.Register("first", setValue("a", float64(1)))
	env.seedVersion(t, &workflow.Block{ID: "b1", Name: "one", Type: "first"})

	run, err := env.orch.Trigger(context.Background(), workflow.TriggerRequest{
		WorkflowID: "wf-1", OrgID: "org-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Version)
}

func TestTriggerValidatesBlocks(t *testing.T) {
	env := newTestEnv(t)
	env.seedVersion(t, &workflow.Block{
		ID: "b1", Name: "bad math", Type: "math",
		Logic: map[string]any{},
	})

	_, err := env.orch.Trigger(context.Background(), workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1", RunID: "run-1",
	})
	var validation *errors.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "math_operation", validation.Field)

	// Validation failed before any run was persisted.
	_, err = env.backend.GetRun(context.Background(), "run-1")
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestTriggerMissingWorkflow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Trigger(context.Background(), workflow.TriggerRequest{
		WorkflowID: "ghost", Version: 1, OrgID: "org-1",
	})
	var notFound *errors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDrainingRejectsTriggers(t *testing.T) {
	env := newTestEnv(t)
	env.orch.StartDraining()

	_, err := env.orch.Trigger(context.Background(), workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1",
	})
	require.ErrorIs(t, err, ErrDraining)
}

func TestWaitForDrain(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	entered := make(chan struct{})
	env.registry.Register("slow", func(_ context.Context, _ *workflow.Block, _ *workflow.Context) (*workflow.BlockResult, error) {
		close(entered)
		<-release
		return nil, nil
	})
	env.seedVersion(t, &workflow.Block{ID: "b1", Name: "slow", Type: "slow"})

	ctx := context.Background()
	_, err := env.orch.Trigger(ctx, workflow.TriggerRequest{
		WorkflowID: "wf-1", Version: 1, OrgID: "org-1", RunID: "run-1",
	})
	require.NoError(t, err)

	<-entered
	env.orch.StartDraining()
	assert.Equal(t, 1, env.orch.ActiveRunCount())

	err = env.orch.WaitForDrain(ctx, 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain timeout")

	close(release)
	require.NoError(t, env.orch.WaitForDrain(ctx, 2*time.Second))
	assert.Equal(t, 0, env.orch.ActiveRunCount())
}

func TestPrepareBlocksDoesNotMutateStoredVersion(t *testing.T) {
	stored := []*workflow.Block{{
		ID: "b1", Name: "f", Type: "fetch",
		Logic: map[string]any{"fetch_url": "https://api.example.com"},
	}}
	prepared := prepareBlocks(stored)

	assert.Equal(t, "GET", prepared[0].Logic["fetch_method"])
	_, present := stored[0].Logic["fetch_method"]
	assert.False(t, present)
}
