package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/toolbridge/toolbridge/orchestrator/ports"
)

func TestOpenAIProviderTextCompletion(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"role": "assistant", "content": "It is 31C in Lagos."},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 8, "total_tokens": 28},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "sk-test")
	completion, err := p.Complete(context.Background(),
		[]ports.ChatMessage{
			{Role: "system", Content: "You are helpful."},
			{Role: "user", Content: "Weather in Lagos?"},
		},
		nil,
		ports.Options{Model: "local-model", Temperature: 0.3})

	require.NoError(t, err)
	assert.Equal(t, "It is 31C in Lagos.", completion.Text)
	assert.Empty(t, completion.ToolCalls)
	require.NotNil(t, completion.Usage)
	assert.Equal(t, 28, completion.Usage.TotalTokens)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "local-model", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
}

func TestOpenAIProviderToolCallCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "weather/get_weather", req.Tools[0].Function.Name)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"id":   "call_1",
						"type": "function",
						"function": map[string]any{
							"name":      "weather/get_weather",
							"arguments": `{"city":"Lagos"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "")
	completion, err := p.Complete(context.Background(),
		[]ports.ChatMessage{{Role: "user", Content: "Weather in Lagos?"}},
		[]ports.ToolSpec{{
			Name:        "weather/get_weather",
			Description: "Current weather",
			JSONSchema:  json.RawMessage(`{"type":"object"}`),
		}},
		ports.Options{Model: "local-model"})

	require.NoError(t, err)
	require.Len(t, completion.ToolCalls, 1)
	assert.Equal(t, "call_1", completion.ToolCalls[0].ID)
	assert.Equal(t, "weather/get_weather", completion.ToolCalls[0].Name)
	assert.JSONEq(t, `{"city":"Lagos"}`, string(completion.ToolCalls[0].Args))
}

func TestOpenAIProviderEndpointError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited", "type": "rate_limit_error"},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "sk-test")
	_, err := p.Complete(context.Background(),
		[]ports.ChatMessage{{Role: "user", Content: "hi"}}, nil, ports.Options{Model: "m"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestOpenAIProviderRoundTripsToolResults(t *testing.T) {
	var gotBody chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "done"},
			}},
		})
	}))
	defer server.Close()

	p := NewOpenAIProvider(server.URL, "")
	_, err := p.Complete(context.Background(), []ports.ChatMessage{
		{Role: "user", Content: "Weather in Lagos?"},
		{Role: "assistant", ToolCalls: []ports.ToolCall{{
			ID: "call_1", Name: "weather/get_weather", Args: json.RawMessage(`{"city":"Lagos"}`),
		}}},
		{Role: "tool", ToolCallID: "call_1", Name: "weather/get_weather", Content: "31C"},
	}, nil, ports.Options{Model: "m"})

	require.NoError(t, err)
	require.Len(t, gotBody.Messages, 3)
	assert.Equal(t, "call_1", gotBody.Messages[1].ToolCalls[0].ID)
	assert.Equal(t, "call_1", gotBody.Messages[2].ToolCallID)
	assert.Equal(t, "31C", gotBody.Messages[2].Content)
}
