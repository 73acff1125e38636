package tools

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/digiclaw/pkg/bus"
)

type SendCallback func(msg bus.OutboundMessage)

// MessageTool lets the model push a message to the user mid-turn. The agent
// resets the sent flag at the start of every turn and suppresses its own
// final reply when the flag is set.
type MessageTool struct {
	send SendCallback

	mu          sync.Mutex
	channel     string
	chatID      string
	sentInRound bool
}

func NewMessageTool(send SendCallback) *MessageTool {
	return &MessageTool{send: send}
}

func (t *MessageTool) Name() string {
	return "message"
}

func (t *MessageTool) Description() string {
	return "Send a message to the user right away. Use it for proactive notices; your final answer is delivered automatically."
}

func (t *MessageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"content": map[string]interface{}{
				"type":        "string",
				"description": "The message text",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Optional target channel; defaults to the current conversation",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional target chat id; defaults to the current conversation",
			},
		},
		"required": []string{"content"},
	}
}

func (t *MessageTool) SetContext(channel, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
}

// StartTurn clears the per-turn sent flag.
func (t *MessageTool) StartTurn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentInRound = false
}

// SentInTurn reports whether the tool delivered a message to the current
// conversation during this turn.
func (t *MessageTool) SentInTurn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentInRound
}

func (t *MessageTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	content, _ := args["content"].(string)
	if content == "" {
		return ErrorResult("content is required")
	}

	t.mu.Lock()
	channel, chatID := t.channel, t.chatID
	if c, ok := args["channel"].(string); ok && c != "" {
		channel = c
	}
	if c, ok := args["chat_id"].(string); ok && c != "" {
		chatID = c
	}
	sameChat := channel == t.channel && chatID == t.chatID
	t.mu.Unlock()

	if channel == "" || chatID == "" {
		return ErrorResult("no target conversation")
	}
	if t.send == nil {
		return ErrorResult("message sending not configured")
	}

	t.send(bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: content})

	if sameChat {
		t.mu.Lock()
		t.sentInRound = true
		t.mu.Unlock()
	}
	return NewToolResult(fmt.Sprintf("Message sent to %s:%s", channel, chatID))
}
