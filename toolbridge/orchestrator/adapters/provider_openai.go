package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/ports"
)

// OpenAIProvider implements the Provider port against any OpenAI-compatible
// chat completions endpoint (llama.cpp server, vLLM, LM Studio, OpenAI).
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

type ProviderOption func(*OpenAIProvider)

// WithHTTPClient overrides the default HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *OpenAIProvider) { p.httpClient = c }
}

func NewOpenAIProvider(baseURL, apiKey string, options ...ProviderOption) *OpenAIProvider {
	p := &OpenAIProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// Wire types for the chat completions API.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	ToolChoice  string        `json:"tool_choice,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete performs one non-streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []ports.ChatMessage, tools []ports.ToolSpec, opts ports.Options) (ports.Completion, error) {
	reqBody := chatRequest{
		Model:       opts.Model,
		Messages:    toWireMessages(messages),
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		MaxTokens:   opts.MaxNewTokens,
	}
	if len(tools) > 0 {
		reqBody.Tools = make([]chatTool, 0, len(tools))
		for _, spec := range tools {
			reqBody.Tools = append(reqBody.Tools, chatTool{
				Type: "function",
				Function: chatFunction{
					Name:        spec.Name,
					Description: spec.Description,
					Parameters:  spec.JSONSchema,
				},
			})
		}
		if opts.ToolChoice != "" {
			reqBody.ToolChoice = opts.ToolChoice
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("failed to build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ports.Completion{}, fmt.Errorf("model endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("failed to read completion response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return ports.Completion{}, fmt.Errorf("model endpoint returned status %d", resp.StatusCode)
		}
		return ports.Completion{}, fmt.Errorf("failed to decode completion response: %w", err)
	}
	if parsed.Error != nil {
		return ports.Completion{}, fmt.Errorf("model endpoint error: %s", parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return ports.Completion{}, fmt.Errorf("model endpoint returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 {
		return ports.Completion{}, fmt.Errorf("model endpoint returned no choices")
	}

	choice := parsed.Choices[0].Message
	completion := ports.Completion{Text: choice.Content, Raw: parsed}
	for _, call := range choice.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, ports.ToolCall{
			ID:   call.ID,
			Name: call.Function.Name,
			Args: json.RawMessage(call.Function.Arguments),
		})
	}
	if parsed.Usage != nil {
		completion.Usage = &ports.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return completion, nil
}

func toWireMessages(messages []ports.ChatMessage) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		wire := chatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, call := range m.ToolCalls {
			wc := chatToolCall{ID: call.ID, Type: "function"}
			wc.Function.Name = call.Name
			wc.Function.Arguments = string(call.Args)
			wire.ToolCalls = append(wire.ToolCalls, wc)
		}
		out = append(out, wire)
	}
	return out
}

var _ ports.Provider = (*OpenAIProvider)(nil)
