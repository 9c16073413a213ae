// Package memory provides an in-memory backend implementation, used by
// tests and ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blockflow/blockflow/internal/daemon/backend"
	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// Compile-time interface assertions.
var (
	_ backend.WorkflowStore = (*Backend)(nil)
	_ backend.RunStore      = (*Backend)(nil)
	_ backend.PausedStore   = (*Backend)(nil)
	_ backend.Backend       = (*Backend)(nil)
)

// Backend is an in-memory storage backend.
type Backend struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	versions  map[string]*workflow.Version // key: workflowID/version
	runs      map[string]*workflow.Run
	steps     map[string][]*workflow.Step
	paused    map[string][]byte
}

// New creates a new in-memory backend.
func New() *Backend {
	return &Backend{
		workflows: make(map[string]*workflow.Workflow),
		versions:  make(map[string]*workflow.Version),
		runs:      make(map[string]*workflow.Run),
		steps:     make(map[string][]*workflow.Step),
		paused:    make(map[string][]byte),
	}
}

func versionKey(workflowID string, version int) string {
	return fmt.Sprintf("%s/%d", workflowID, version)
}

// CreateWorkflow creates a new workflow.
func (b *Backend) CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.workflows[wf.ID]; exists {
		return fmt.Errorf("workflow already exists: %s", wf.ID)
	}
	wf.CreatedAt = time.Now()
	wf.UpdatedAt = wf.CreatedAt
	b.workflows[wf.ID] = wf
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (b *Backend) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	wf, exists := b.workflows[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return wf, nil
}

// UpdateWorkflow updates workflow metadata.
func (b *Backend) UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.workflows[wf.ID]; !exists {
		return &errors.NotFoundError{Resource: "workflow", ID: wf.ID}
	}
	wf.UpdatedAt = time.Now()
	b.workflows[wf.ID] = wf
	return nil
}

// ListWorkflows lists an organization's workflows.
func (b *Backend) ListWorkflows(ctx context.Context, orgID string) ([]*workflow.Workflow, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*workflow.Workflow
	for _, wf := range b.workflows {
		if orgID == "" || wf.OrgID == orgID {
			result = append(result, wf)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// CreateVersion stores a version snapshot.
func (b *Backend) CreateVersion(ctx context.Context, v *workflow.Version) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := versionKey(v.WorkflowID, v.Version)
	if _, exists := b.versions[key]; exists {
		return fmt.Errorf("version already exists: %s", key)
	}
	v.CreatedAt = time.Now()
	b.versions[key] = v
	return nil
}

// GetVersion retrieves a specific version of a workflow.
func (b *Backend) GetVersion(ctx context.Context, workflowID string, version int) (*workflow.Version, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, exists := b.versions[versionKey(workflowID, version)]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "version", ID: versionKey(workflowID, version)}
	}
	return v, nil
}

// CreateRun creates a new run.
func (b *Backend) CreateRun(ctx context.Context, run *workflow.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	run.CreatedAt = time.Now()
	b.runs[run.ID] = run
	return nil
}

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	run, exists := b.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return run, nil
}

// UpdateRun updates an existing run.
func (b *Backend) UpdateRun(ctx context.Context, run *workflow.Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.runs[run.ID]; !exists {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	b.runs[run.ID] = run
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter backend.RunFilter) ([]*workflow.Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []*workflow.Run
	for _, run := range b.runs {
		if filter.OrgID != "" && run.OrgID != filter.OrgID {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, run)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// SaveSteps replaces the step ledger of a run.
func (b *Backend) SaveSteps(ctx context.Context, runID string, steps []*workflow.Step) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.steps[runID] = append([]*workflow.Step(nil), steps...)
	return nil
}

// ListSteps retrieves a run's step ledger in execution order.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*workflow.Step, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	steps := append([]*workflow.Step(nil), b.steps[runID]...)
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].ExecutionOrder < steps[j].ExecutionOrder
	})
	return steps, nil
}

// SavePaused stores the sealed paused state for a run.
func (b *Backend) SavePaused(ctx context.Context, runID string, sealed []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.paused[runID] = append([]byte(nil), sealed...)
	return nil
}

// GetPaused retrieves the sealed paused state for a run.
func (b *Backend) GetPaused(ctx context.Context, runID string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	sealed, exists := b.paused[runID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "paused state", ID: runID}
	}
	return append([]byte(nil), sealed...), nil
}

// DeletePaused removes the paused state for a run.
func (b *Backend) DeletePaused(ctx context.Context, runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.paused, runID)
	return nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}
