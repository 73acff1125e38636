package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedChatRequest struct {
	Model    string                   `json:"model"`
	Messages []map[string]interface{} `json:"messages"`
	Tools    []map[string]interface{} `json:"tools"`
}

func newChatCompletionServer(t *testing.T, body string) (*httptest.Server, <-chan capturedChatRequest) {
	t.Helper()
	seen := make(chan capturedChatRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		var req capturedChatRequest
		_ = json.Unmarshal(raw, &req)
		select {
		case seen <- req:
		default:
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, seen
}

func TestOpenAIChatParsesToolCalls(t *testing.T) {
	srv, seen := newChatCompletionServer(t, `{
		"id": "cmpl-2", "object": "chat.completion", "created": 1, "model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "tool_calls",
			"message": {"role": "assistant", "content": "",
				"reasoning_content": "thinking about files",
				"tool_calls": [{"id": "call_1", "type": "function",
					"function": {"name": "read_file", "arguments": "{\"path\":\"notes.md\"}"}}]}}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
	}`)

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1/")
	tools := []ToolDefinition{{
		Type: "function",
		Function: ToolFunctionDefinition{
			Name:        "read_file",
			Description: "Read a file",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"path": map[string]interface{}{"type": "string"}},
				"required":   []string{"path"},
			},
		},
	}}
	history := []Message{
		{Role: "system", Content: "you are helpful"},
		{Role: "user", Content: "read my notes"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call_0", Name: "list_dir", Arguments: map[string]interface{}{"path": "."}}}},
		{Role: "tool", ToolCallID: "call_0", Name: "list_dir", Content: "FILE: notes.md"},
	}

	resp, err := p.Chat(context.Background(), history, tools, "", map[string]interface{}{"temperature": 0.2, "max_tokens": 512})
	require.NoError(t, err)

	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "read_file", resp.ToolCalls[0].Name)
	assert.Equal(t, "notes.md", resp.ToolCalls[0].Arguments["path"])
	assert.Equal(t, "thinking about files", resp.ReasoningContent)
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	req := <-seen
	assert.Equal(t, "gpt-4o", req.Model)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, "tool", req.Messages[3]["role"])
	require.Len(t, req.Tools, 1)
}

func TestOpenAIChatTextOnly(t *testing.T) {
	srv, _ := newChatCompletionServer(t, `{
		"id": "cmpl-3", "object": "chat.completion", "created": 1, "model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "stop",
			"message": {"role": "assistant", "content": "plain answer"}}]
	}`)

	p := NewOpenAIProvider("sk-test", srv.URL+"/v1/")
	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "gpt-4o", nil)
	require.NoError(t, err)
	assert.False(t, resp.HasToolCalls())
	assert.Equal(t, "plain answer", resp.Content)
}

func TestRawArgumentsPrefersWireString(t *testing.T) {
	tc := ToolCall{Arguments: map[string]interface{}{"a": 1}, Function: &FunctionCall{Arguments: `{"a":2}`}}
	assert.Equal(t, `{"a":2}`, rawArguments(tc))
	assert.Equal(t, "{}", rawArguments(ToolCall{}))
	assert.JSONEq(t, `{"a":1}`, rawArguments(ToolCall{Arguments: map[string]interface{}{"a": 1}}))
}
