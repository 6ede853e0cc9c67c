package orchports

import (
	"context"
)

// ChatMessage is a single message in the model conversation. Assistant
// messages may carry tool calls; tool messages carry the result of one call
// and reference it by ID.
type ChatMessage struct {
	Role       string     // "system", "user", "assistant", "tool"
	Content    string     // text, or the tool result payload for role "tool"
	ToolCalls  []ToolCall // set on assistant messages that request tools
	ToolCallID string     // set on tool messages, echoes the call being answered
	Name       string     // tool name on tool messages, optional elsewhere
}

// Options controls sampling and limits for one completion.
type Options struct {
	Model        string
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	// ToolChoice: "auto" | "none" | specific tool name (if the provider supports it)
	ToolChoice string
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the provider's response to one request. Either Text is the
// final answer or ToolCalls names the tools the model wants executed next.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
	Raw       any    // raw provider payload for debugging/telemetry
	Usage     *Usage // optional usage information
}

// Provider is the abstraction over the model endpoint.
type Provider interface {
	Complete(ctx context.Context, messages []ChatMessage, tools []ToolSpec, opts Options) (Completion, error)
}
