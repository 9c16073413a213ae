// Package workflow implements the blockflow execution engine: workflow and
// block types, the per-run context, the reference resolver glue, the
// condition evaluator, the run builder, and the interpreter that drives
// sequential block execution.
package workflow

import (
	"fmt"
	"time"
)

// TriggerType identifies how a run was initiated.
type TriggerType string

const (
	TriggerInteractive TriggerType = "interactive"
	TriggerAPI         TriggerType = "api"
	TriggerSchedule    TriggerType = "schedule"
	TriggerHook        TriggerType = "hook"
	TriggerVision      TriggerType = "vision"
)

// VersionStatus is the publication state of a workflow version.
type VersionStatus string

const (
	VersionDraft     VersionStatus = "draft"
	VersionPublished VersionStatus = "published"
)

// RunStatus represents the lifecycle status of a run.
type RunStatus string

const (
	RunStatusPending        RunStatus = "pending"
	RunStatusRunning        RunStatus = "running"
	RunStatusAwaitingAction RunStatus = "awaiting_action"
	RunStatusCompleted      RunStatus = "completed"
	RunStatusFailed         RunStatus = "failed"
	RunStatusCancelled      RunStatus = "cancelled"
)

// StepStatus represents the execution status of a single step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// UIBlockPrefix marks block types that render user interface instead of
// executing. The rule is purely lexical: any block whose type string begins
// with this prefix pauses the run (or is skipped inside a deferred
// iteration). UI blocks never dispatch to a handler.
const UIBlockPrefix = "ui_"

// BlockTypeGoto is intercepted by the interpreter before handler dispatch.
const BlockTypeGoto = "goto"

// Workflow is the top-level entity owned by an organization. The engine
// treats workflows as read-only; mutation happens through the API surface.
type Workflow struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id"`
	Name          string    `json:"name"`
	ActiveVersion int       `json:"active_version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Version is an immutable snapshot of a workflow: its blocks and trigger
// configuration. (workflowID, version) is unique; a published version is
// never edited.
type Version struct {
	WorkflowID    string         `json:"workflow_id"`
	Version       int            `json:"version"`
	Status        VersionStatus  `json:"status"`
	TriggerType   TriggerType    `json:"trigger_type"`
	TriggerConfig map[string]any `json:"trigger_config,omitempty"`
	Blocks        []*Block       `json:"blocks"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Block is a single executable unit within a workflow version.
//
// Logic keys are prefixed by the block's type (e.g., "fetch_url",
// "code_source"). Values may be literals, $-expressions, or {{...}}
// templates; handlers resolve them against the run context.
type Block struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Logic      map[string]any `json:"logic"`
	Conditions []Condition    `json:"conditions,omitempty"`
	Order      int            `json:"order"`
}

// IsUI reports whether the block is a UI marker block.
func (b *Block) IsUI() bool {
	return len(b.Type) >= len(UIBlockPrefix) && b.Type[:len(UIBlockPrefix)] == UIBlockPrefix
}

// UIConfig extracts the ui_-prefixed logic entries of a UI block.
// Returns an empty map for non-UI blocks.
func (b *Block) UIConfig() map[string]any {
	cfg := make(map[string]any)
	if !b.IsUI() {
		return cfg
	}
	for k, v := range b.Logic {
		cfg[k] = v
	}
	return cfg
}

// Condition is a single guard clause on a block. All of a block's conditions
// must evaluate true for the block to execute.
type Condition struct {
	Left     any    `json:"left"`
	Operator string `json:"operator"`
	Right    any    `json:"right"`
}

// Artifact is a named asset produced by a run (file, image, JSON blob).
type Artifact struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MediaType string `json:"media_type,omitempty"`
	Path      string `json:"path,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// StepError captures a handler failure on a step. Stack traces are sanitized
// before they reach this struct; host-internal frames never appear here.
type StepError struct {
	Message   string `json:"message"`
	Stack     string `json:"stack,omitempty"`
	BlockID   string `json:"block_id"`
	BlockName string `json:"block_name"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("block %s (%s): %s", e.BlockName, e.BlockID, e.Message)
}

// AsMap returns the $error representation exposed to later blocks.
func (e *StepError) AsMap() map[string]any {
	m := map[string]any{
		"message":   e.Message,
		"blockId":   e.BlockID,
		"blockName": e.BlockName,
	}
	if e.Stack != "" {
		m["stack"] = e.Stack
	}
	return m
}

// Step is one block execution attempt inside a run. A step is appended on
// every attempt, including skips and failures, so executionOrder is dense.
type Step struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	BlockID        string         `json:"block_id"`
	BlockName      string         `json:"block_name"`
	BlockType      string         `json:"block_type"`
	BlockOrder     int            `json:"block_order"`
	ExecutionOrder int            `json:"execution_order"`
	Status         StepStatus     `json:"status"`
	Logic          map[string]any `json:"logic,omitempty"`
	StateDelta     map[string]any `json:"state_delta,omitempty"`
	CacheDelta     map[string]any `json:"cache_delta,omitempty"`
	ArtifactsDelta []Artifact     `json:"artifacts_delta,omitempty"`
	EventDelta     map[string]any `json:"event_delta,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at,omitzero"`
	Error          *StepError     `json:"error,omitempty"`
	IsDeferred     bool           `json:"is_deferred,omitempty"`
	IterationID    string         `json:"iteration_id,omitempty"`
}

// BlockResult is what a handler returns: the deltas it wants applied to the
// run context. A nil result or empty deltas mean no effect.
type BlockResult struct {
	StateDelta     map[string]any
	CacheDelta     map[string]any
	ArtifactsDelta []Artifact
	EventDelta     map[string]any
}

// Run is a single execution of a workflow version.
type Run struct {
	ID            string          `json:"id"`
	WorkflowID    string          `json:"workflow_id"`
	Version       int             `json:"version"`
	OrgID         string          `json:"org_id"`
	Status        RunStatus       `json:"status"`
	TriggerType   TriggerType     `json:"trigger_type"`
	TriggerSource string          `json:"trigger_source,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`
	Steps         []*Step         `json:"steps,omitempty"`
	Paused        *PausedRunState `json:"paused,omitempty"`
}

// PausedRunState is the durable record saved when a UI block pauses a run.
// It is sufficient to resume the run: the index of the paused block, a full
// context snapshot (cache serialized as ordered pairs), and the paused
// block's UI configuration.
type PausedRunState struct {
	CurrentBlockIndex int              `json:"currentBlockIndex"`
	ContextSnapshot   *ContextSnapshot `json:"contextSnapshot"`
	PausedBlockID     string           `json:"pausedBlockId"`
	PausedUIConfig    map[string]any   `json:"pausedUiConfig,omitempty"`
}

// ContextSnapshot is the serializable projection of a run context.
// Secrets and paths are intentionally absent: they are reattached from the
// environment on resume, never persisted.
type ContextSnapshot struct {
	State     map[string]any        `json:"state"`
	Cache     []CachePair           `json:"cache"`
	Artifacts []Artifact            `json:"artifacts"`
	Event     map[string]any        `json:"event"`
	Loops     map[string]*LoopState `json:"loops,omitempty"`
}

// LoopState tracks one open loop: the current iteration index and the
// artifact (element) the iteration operates on.
type LoopState struct {
	Index    int `json:"index"`
	Artifact any `json:"artifact"`
}

// TriggerRequest is the payload the orchestrator receives to start a run.
type TriggerRequest struct {
	WorkflowID  string         `json:"workflowId"`
	Version     int            `json:"version"`
	TriggerType TriggerType    `json:"triggerType"`
	EventData   map[string]any `json:"eventData,omitempty"`
	OrgID       string         `json:"orgId"`
	RunID       string         `json:"runId,omitempty"`
}

// ActionSubmission is the payload submitted to resume a paused run.
// Payload keys are merged into the resumed state.
type ActionSubmission struct {
	ActionType string         `json:"actionType"`
	Payload    map[string]any `json:"payload,omitempty"`
}
