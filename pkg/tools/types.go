package tools

import (
	"context"

	"github.com/sipeed/digiclaw/pkg/providers"
)

// Re-export provider types so tool code does not import providers directly.
type Message = providers.Message
type ToolCall = providers.ToolCall
type ToolDefinition = providers.ToolDefinition
type ToolFunctionDefinition = providers.ToolFunctionDefinition

// Tool is a named, schema-described capability the model can invoke.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *ToolResult
}

// ContextualTool receives the routing destination of the current turn.
type ContextualTool interface {
	Tool
	SetContext(channel, chatID string)
}

// ToolResult is what a tool hands back to the orchestrator. Failures are
// reported through IsError, never by panicking or returning an error.
type ToolResult struct {
	ForLLM  string
	IsError bool
	Err     error
}

func NewToolResult(content string) *ToolResult {
	return &ToolResult{ForLLM: content}
}

func ErrorResult(message string) *ToolResult {
	return &ToolResult{ForLLM: message, IsError: true}
}

// WithError attaches the underlying error for logging.
func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}

// ToDefinition renders a tool in the function-calling schema providers expect.
func ToDefinition(t Tool) ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunctionDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
