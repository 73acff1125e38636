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

func TestAnthropicChatRoundTrip(t *testing.T) {
	var captured map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
			"stop_reason": "tool_use", "stop_sequence": null,
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "list_tasks", "input": {"status": "open"}}
			],
			"usage": {"input_tokens": 12, "output_tokens": 7}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("sk-ant-test", srv.URL)
	msgs := []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "what is pending?"},
		{Role: "assistant", ToolCalls: []ToolCall{
			{ID: "a", Name: "x", Arguments: map[string]interface{}{}},
			{ID: "b", Name: "y", Arguments: map[string]interface{}{}},
		}},
		{Role: "tool", ToolCallID: "a", Content: "ok a"},
		{Role: "tool", ToolCallID: "b", Content: "ok b"},
	}

	resp, err := p.Chat(context.Background(), msgs, nil, "", map[string]interface{}{"max_tokens": 256})
	require.NoError(t, err)

	assert.Equal(t, "Let me check.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "list_tasks", resp.ToolCalls[0].Name)
	assert.Equal(t, "open", resp.ToolCalls[0].Arguments["status"])
	assert.Equal(t, "tool_use", resp.FinishReason)
	assert.Equal(t, 19, resp.Usage.TotalTokens)

	require.NotNil(t, captured)
	assert.Equal(t, "claude-sonnet-4-5", captured["model"])
	sent, ok := captured["messages"].([]interface{})
	require.True(t, ok)
	// user, assistant(tool_use x2), user(tool_result x2)
	assert.Len(t, sent, 3)
}

func TestConvertAnthropicMessagesFoldsSystemAndToolResults(t *testing.T) {
	system, out := convertAnthropicMessages([]Message{
		{Role: "system", Content: "one"},
		{Role: "system", Content: "two"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: ""},
	})
	assert.Equal(t, "one\n\ntwo", system)
	// empty assistant turns are dropped
	assert.Len(t, out, 1)
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields(map[string]interface{}{"required": []string{"a"}}))
	assert.Equal(t, []string{"b"}, requiredFields(map[string]interface{}{"required": []interface{}{"b", 3}}))
	assert.Nil(t, requiredFields(map[string]interface{}{}))
}
