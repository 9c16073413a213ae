package blocks

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/blockflow/blockflow/pkg/sandbox"
	"github.com/blockflow/blockflow/pkg/workflow"
)

// CodeHandler runs user scripts in the sandbox. Top-level state changes come
// back as a diff; deletions are recorded with the deletion marker so the run
// ledger can distinguish "removed" from "never touched".
type CodeHandler struct {
	client  *http.Client
	limiter *rate.Limiter
}

// NewCodeHandler creates the handler. A nil client disables the sandbox
// fetch binding entirely.
func NewCodeHandler(client *http.Client, limiter *rate.Limiter) *CodeHandler {
	return &CodeHandler{client: client, limiter: limiter}
}

// Handle executes a code block.
func (h *CodeHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	source, err := requiredString(block, wctx, "code_source")
	if err != nil {
		return nil, err
	}

	opts := sandbox.Options{
		Source:     source,
		Language:   stringField(block, wctx, "code_language", ""),
		Timeout:    time.Duration(numberField(block, wctx, "code_timeout_ms", 0)) * time.Millisecond,
		State:      wctx.State,
		Cache:      wctx.Cache,
		Artifacts:  workflow.ArtifactsView(wctx.Artifacts),
		Secrets:    wctx.Secrets,
		HTTPClient: h.client,
		FetchLimit: h.limiter,
	}

	result, err := sandbox.Execute(ctx, opts)
	if err != nil {
		return nil, err
	}

	delta := make(map[string]any, len(result.StateDelta)+len(result.Deletions))
	for k, v := range result.StateDelta {
		delta[k] = v
	}
	for _, k := range result.Deletions {
		delta[k] = workflow.Deleted
	}

	// Bind only when the script actually returned a value; a script with no
	// return (or returning null/undefined) leaves the target untouched.
	if target := stringField(block, wctx, "code_bind_value", ""); target != "" && result.Value != nil {
		delta[target] = result.Value
	}

	out := &workflow.BlockResult{StateDelta: delta}
	if len(result.Console) > 0 {
		out.EventDelta = map[string]any{"__consoleOutput": consoleAsAny(result.Console)}
	}
	return out, nil
}

func consoleAsAny(entries []sandbox.ConsoleEntry) []any {
	view := make([]any, len(entries))
	for i, e := range entries {
		view[i] = map[string]any{
			"level":     e.Level,
			"message":   e.Message,
			"timestamp": e.Timestamp,
		}
	}
	return view
}
