// Package orchestrator bridges persistence and the workflow interpreter: it
// turns trigger requests into background runs, resumes paused runs on action
// submission, honors cooperative cancellation, and broadcasts run lifecycle
// events.
package orchestrator

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/blockflow/blockflow/internal/daemon/backend"
	"github.com/blockflow/blockflow/internal/daemon/events"
	"github.com/blockflow/blockflow/internal/daemon/metrics"
	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/secrets"
	"github.com/blockflow/blockflow/pkg/workflow"
	"github.com/blockflow/blockflow/pkg/workflow/schema"
)

// ErrDraining is returned by Trigger while the orchestrator is shutting down.
var ErrDraining = errors.New("orchestrator is draining")

// Orchestrator coordinates run execution. Each run executes on its own
// goroutine; the cancellation flag map is the only state shared across runs.
type Orchestrator struct {
	backend   backend.Backend
	registry  *workflow.Registry
	events    *events.Broadcaster
	resolver  *secrets.Resolver
	sealKey   []byte
	secrets   map[string]string
	paths     map[string]string
	deviceID  string
	interpCfg workflow.Config
	logger    *slog.Logger
	tracer    trace.Tracer

	mu        sync.Mutex
	cancelled map[string]struct{}

	active   atomic.Int64
	draining atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithBroadcaster sets the event broadcaster. Without one, lifecycle events
// are not emitted.
func WithBroadcaster(b *events.Broadcaster) Option {
	return func(o *Orchestrator) { o.events = b }
}

// WithKeyResolver sets the secrets resolver backing the $keys scope.
func WithKeyResolver(r *secrets.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithSealKey sets the passphrase used to seal paused run state. Without it a
// random per-process key is generated, which means paused runs do not survive
// a daemon restart.
func WithSealKey(key []byte) Option {
	return func(o *Orchestrator) {
		if len(key) > 0 {
			o.sealKey = key
		}
	}
}

// WithSecrets sets the secret map attached read-only to every run context.
func WithSecrets(s map[string]string) Option {
	return func(o *Orchestrator) { o.secrets = s }
}

// WithPaths sets the path map attached read-only to every run context.
func WithPaths(p map[string]string) Option {
	return func(o *Orchestrator) { o.paths = p }
}

// WithDeviceID sets the device id stamped into $run.
func WithDeviceID(id string) Option {
	return func(o *Orchestrator) { o.deviceID = id }
}

// WithInterpreterConfig overrides the run budgets. Zero fields keep their
// defaults.
func WithInterpreterConfig(cfg workflow.Config) Option {
	return func(o *Orchestrator) { o.interpCfg = cfg }
}

// WithTracer sets the tracer used for per-block spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = tracer }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an orchestrator over the given backend and handler registry.
func New(be backend.Backend, registry *workflow.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:   be,
		registry:  registry,
		interpCfg: workflow.DefaultInterpreterConfig(),
		logger:    slog.Default(),
		cancelled: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.sealKey == nil {
		o.sealKey = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, o.sealKey); err != nil {
			panic(errors.Wrap(err, "generating seal key"))
		}
	}
	return o
}

// Trigger persists a new pending run and schedules background execution.
// It returns as soon as the run is durable; the caller polls or subscribes
// for progress. Version 0 selects the workflow's active version.
func (o *Orchestrator) Trigger(ctx context.Context, req workflow.TriggerRequest) (*workflow.Run, error) {
	if o.draining.Load() {
		return nil, ErrDraining
	}

	version := req.Version
	if version == 0 {
		wf, err := o.backend.GetWorkflow(ctx, req.WorkflowID)
		if err != nil {
			return nil, err
		}
		version = wf.ActiveVersion
	}

	ver, err := o.backend.GetVersion(ctx, req.WorkflowID, version)
	if err != nil {
		return nil, err
	}

	blocks := prepareBlocks(ver.Blocks)
	if err := schema.ValidateBlocks(blocks); err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = ver.TriggerType
	}

	run := &workflow.Run{
		ID:          runID,
		WorkflowID:  req.WorkflowID,
		Version:     version,
		OrgID:       req.OrgID,
		Status:      workflow.RunStatusPending,
		TriggerType: triggerType,
		CreatedAt:   time.Now().UTC(),
	}
	if err := o.backend.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	o.active.Add(1)
	go func() {
		defer o.active.Add(-1)
		o.execute(context.Background(), run, blocks, req.EventData)
	}()

	return run, nil
}

// SubmitAction resumes a paused run with the submitted action payload merged
// into its state. Rejected unless the run is awaiting action.
func (o *Orchestrator) SubmitAction(ctx context.Context, runID string, sub workflow.ActionSubmission) (*workflow.Run, error) {
	run, err := o.backend.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != workflow.RunStatusAwaitingAction {
		return nil, fmt.Errorf("run %s is %s, not awaiting action", runID, run.Status)
	}

	sealed, err := o.backend.GetPaused(ctx, runID)
	if err != nil {
		return nil, err
	}
	plaintext, err := secrets.Open(o.sealKey, sealed)
	if err != nil {
		return nil, errors.Wrap(err, "unsealing paused state")
	}
	paused, err := decodePaused(plaintext)
	if err != nil {
		return nil, err
	}

	ver, err := o.backend.GetVersion(ctx, run.WorkflowID, run.Version)
	if err != nil {
		return nil, err
	}
	blocks := prepareBlocks(ver.Blocks)

	priorSteps, err := o.backend.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}

	run.Status = workflow.RunStatusRunning
	if err := o.backend.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := o.backend.DeletePaused(ctx, runID); err != nil {
		o.logger.Warn("deleting paused state", "run_id", runID, "error", err)
	}

	o.active.Add(1)
	go func() {
		defer o.active.Add(-1)
		o.resume(context.Background(), run, blocks, paused, sub, priorSteps)
	}()

	return run, nil
}

// Cancel flags a run for cooperative cancellation. The interpreter observes
// the flag between blocks. Cancelling a run awaiting action terminates it
// immediately; cancelling a terminal run is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	run, err := o.backend.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	switch run.Status {
	case workflow.RunStatusCompleted, workflow.RunStatusFailed, workflow.RunStatusCancelled:
		return nil
	case workflow.RunStatusAwaitingAction:
		return o.cancelPaused(ctx, run)
	}

	o.mu.Lock()
	o.cancelled[runID] = struct{}{}
	o.mu.Unlock()
	return nil
}

// cancelPaused terminates a paused run in place; there is no goroutine to
// observe the flag.
func (o *Orchestrator) cancelPaused(ctx context.Context, run *workflow.Run) error {
	if err := o.backend.DeletePaused(ctx, run.ID); err != nil {
		o.logger.Warn("deleting paused state", "run_id", run.ID, "error", err)
	}
	// Rebalance the paused/active gauges before recording the terminal state.
	metrics.RecordRunResumed()
	o.finalizeRun(ctx, run, workflow.RunStatusCancelled, "cancelled")
	o.publish(run, events.EventRunCancelled, map[string]any{"message": "cancelled"})
	return nil
}

// isCancelled reports whether a run was flagged.
func (o *Orchestrator) isCancelled(runID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.cancelled[runID]
	return ok
}

// clearCancelled removes a run's flag on termination.
func (o *Orchestrator) clearCancelled(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.cancelled, runID)
}

// StartDraining puts the orchestrator into draining mode: new triggers are
// rejected while in-flight runs finish.
func (o *Orchestrator) StartDraining() {
	o.draining.Store(true)
}

// ActiveRunCount returns the number of runs currently executing.
func (o *Orchestrator) ActiveRunCount() int {
	return int(o.active.Load())
}

// WaitForDrain blocks until all active runs complete or the timeout elapses.
func (o *Orchestrator) WaitForDrain(ctx context.Context, timeout time.Duration) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			if remaining := o.ActiveRunCount(); remaining > 0 {
				return fmt.Errorf("drain timeout: %d run(s) still executing", remaining)
			}
			return nil
		case <-ticker.C:
			if o.ActiveRunCount() == 0 {
				return nil
			}
		}
	}
}

// publish emits a lifecycle event when a broadcaster is configured.
func (o *Orchestrator) publish(run *workflow.Run, eventType string, data map[string]any) {
	if o.events == nil {
		return
	}
	o.events.Publish(events.Event{
		Type:  eventType,
		RunID: run.ID,
		OrgID: run.OrgID,
		Data:  data,
	})
}

// prepareBlocks deep-copies a version's blocks and applies schema defaults.
// The stored version is immutable; defaults land on the copy only.
func prepareBlocks(blocks []*workflow.Block) []*workflow.Block {
	out := make([]*workflow.Block, len(blocks))
	for i, b := range blocks {
		copied := *b
		copied.Logic = workflow.DeepCopyMap(b.Logic)
		copied.Conditions = append([]workflow.Condition(nil), b.Conditions...)
		schema.ApplyDefaults(&copied)
		out[i] = &copied
	}
	return out
}
