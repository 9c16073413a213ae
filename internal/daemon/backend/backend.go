// Package backend provides storage for the daemon.
//
// # Interface Hierarchy
//
// The package uses interface segregation so minimal deployments can supply
// less:
//
//   - WorkflowStore: workflows and their versions
//   - RunStore (core, required): runs and their step ledgers
//   - PausedStore: sealed paused-run state for awaiting_action runs
//   - io.Closer (optional): Close
//
// Backend composes all of these for full-featured implementations. Components
// that only need run persistence should accept RunStore and detect optional
// capabilities with type assertions.
package backend

import (
	"context"
	"io"

	"github.com/blockflow/blockflow/pkg/workflow"
)

// WorkflowStore persists workflows and their immutable versions.
type WorkflowStore interface {
	// CreateWorkflow creates a new workflow.
	CreateWorkflow(ctx context.Context, wf *workflow.Workflow) error

	// GetWorkflow retrieves a workflow by ID.
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)

	// UpdateWorkflow updates workflow metadata (name, active version).
	UpdateWorkflow(ctx context.Context, wf *workflow.Workflow) error

	// ListWorkflows lists an organization's workflows.
	ListWorkflows(ctx context.Context, orgID string) ([]*workflow.Workflow, error)

	// CreateVersion stores a version snapshot. (workflowID, version) is
	// unique; published versions are never overwritten.
	CreateVersion(ctx context.Context, v *workflow.Version) error

	// GetVersion retrieves a specific version of a workflow.
	GetVersion(ctx context.Context, workflowID string, version int) (*workflow.Version, error)
}

// RunStore is the core interface for run persistence.
type RunStore interface {
	// CreateRun creates a new run.
	CreateRun(ctx context.Context, run *workflow.Run) error

	// GetRun retrieves a run by ID, without its step ledger.
	GetRun(ctx context.Context, id string) (*workflow.Run, error)

	// UpdateRun updates an existing run.
	UpdateRun(ctx context.Context, run *workflow.Run) error

	// ListRuns lists runs with optional filtering, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*workflow.Run, error)

	// SaveSteps replaces the step ledger of a run.
	SaveSteps(ctx context.Context, runID string, steps []*workflow.Step) error

	// ListSteps retrieves a run's step ledger in execution order.
	ListSteps(ctx context.Context, runID string) ([]*workflow.Step, error)
}

// PausedStore persists sealed paused-run state. Payloads are encrypted
// before they reach the store; implementations treat them as opaque bytes.
type PausedStore interface {
	// SavePaused stores the sealed paused state for a run.
	SavePaused(ctx context.Context, runID string, sealed []byte) error

	// GetPaused retrieves the sealed paused state for a run.
	GetPaused(ctx context.Context, runID string) ([]byte, error)

	// DeletePaused removes the paused state once a run resumes or
	// terminates.
	DeletePaused(ctx context.Context, runID string) error
}

// Backend is the full storage interface the daemon wires up.
type Backend interface {
	WorkflowStore
	RunStore
	PausedStore
	io.Closer
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	OrgID      string
	WorkflowID string
	Status     workflow.RunStatus
	Limit      int
	Offset     int
}
