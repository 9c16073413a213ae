package blocks

import (
	"context"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/blockflow/blockflow/pkg/errors"
	"github.com/blockflow/blockflow/pkg/workflow"
)

const (
	defaultAgentModel     = string(sdk.ModelClaudeSonnet4_5_20250929)
	defaultAgentMaxTokens = 1024
)

// MessagesClient is the subset of the Anthropic SDK the agent block uses.
// *sdk.MessageService satisfies it; tests pass a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AgentHandler implements the agent block: one prompt, one completion, the
// text bound into state. Token usage rides along in the event delta so the
// run ledger records cost.
type AgentHandler struct {
	messages MessagesClient
}

// NewAgentHandler builds the handler over a Messages client.
func NewAgentHandler(messages MessagesClient) *AgentHandler {
	return &AgentHandler{messages: messages}
}

// NewAgentHandlerFromAPIKey constructs the handler with the default SDK
// client.
func NewAgentHandlerFromAPIKey(apiKey string) *AgentHandler {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAgentHandler(&client.Messages)
}

// Handle executes an agent block.
func (h *AgentHandler) Handle(ctx context.Context, block *workflow.Block, wctx *workflow.Context) (*workflow.BlockResult, error) {
	if h.messages == nil {
		return nil, &errors.ProviderError{
			Provider: "anthropic",
			Message:  "agent blocks are not configured on this deployment",
		}
	}

	prompt, err := requiredString(block, wctx, "agent_prompt")
	if err != nil {
		return nil, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(stringField(block, wctx, "agent_model", defaultAgentModel)),
		MaxTokens: int64(numberField(block, wctx, "agent_max_tokens", defaultAgentMaxTokens)),
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	}
	if system := stringField(block, wctx, "agent_system", ""); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if v := field(block, wctx, "agent_temperature"); v != nil {
		if temp, ok := toNumber(v); ok {
			params.Temperature = sdk.Float(temp)
		}
	}

	msg, err := h.messages.New(ctx, params)
	if err != nil {
		return nil, &errors.ProviderError{Provider: "anthropic", Message: err.Error()}
	}

	var text strings.Builder
	for _, content := range msg.Content {
		if content.Type == "text" {
			text.WriteString(content.Text)
		}
	}

	result := bindDelta(block, wctx, "agent_bind_value", text.String())
	result.EventDelta = map[string]any{
		"__agentUsage": map[string]any{
			"model":        string(msg.Model),
			"inputTokens":  float64(msg.Usage.InputTokens),
			"outputTokens": float64(msg.Usage.OutputTokens),
		},
	}
	return result, nil
}
