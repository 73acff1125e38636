package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sipeed/digiclaw/pkg/logger"
	"github.com/sipeed/digiclaw/pkg/memory"
	"github.com/sipeed/digiclaw/pkg/providers"
	"github.com/sipeed/digiclaw/pkg/session"
	"github.com/sipeed/digiclaw/pkg/tools"
)

var bootstrapFiles = []string{"AGENTS.md", "SOUL.md", "USER.md", "IDENTITY.md"}

type ContextBuilder struct {
	workspace string
	memory    *memory.Store
	tools     *tools.ToolRegistry
	now       func() time.Time
}

func NewContextBuilder(workspace string, mem *memory.Store, registry *tools.ToolRegistry) *ContextBuilder {
	return &ContextBuilder{
		workspace: workspace,
		memory:    mem,
		tools:     registry,
		now:       time.Now,
	}
}

func (cb *ContextBuilder) getIdentity() string {
	now := cb.now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(cb.workspace)
	rt := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	return fmt.Sprintf(`# digiclaw

You are digiclaw, a personal study and productivity assistant.

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s
- Long-term memory: %s/memory/MEMORY.md
- History log: %s/memory/HISTORY.md (grep it to recall past conversations)

%s

## Important Rules

1. **ALWAYS use tools** when you need real data or need to act. Do NOT pretend to call a tool.
2. Be brief when explaining what you are doing.
3. Keep lines short, most users read on mobile.`,
		now, rt, workspacePath, workspacePath, workspacePath, cb.buildToolsSection())
}

func (cb *ContextBuilder) buildToolsSection() string {
	if cb.tools == nil || cb.tools.Count() == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	for _, def := range cb.tools.Definitions() {
		fmt.Fprintf(&sb, "- `%s`: %s\n", def.Function.Name, def.Function.Description)
	}
	return sb.String()
}

func (cb *ContextBuilder) LoadBootstrapFiles() string {
	var sb strings.Builder
	for _, name := range bootstrapFiles {
		if data, err := os.ReadFile(filepath.Join(cb.workspace, name)); err == nil {
			fmt.Fprintf(&sb, "## %s\n\n%s\n\n", name, string(data))
		}
	}
	return sb.String()
}

func (cb *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{cb.getIdentity()}
	if boot := cb.LoadBootstrapFiles(); boot != "" {
		parts = append(parts, boot)
	}
	if cb.memory != nil {
		if mem := cb.memory.GetMemoryContext(); mem != "" {
			parts = append(parts, "# Memory\n\n"+mem)
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// BuildMessages assembles the model conversation: system prompt, prior turns
// and the current user message with any media references appended.
func (cb *ContextBuilder) BuildMessages(history []session.Message, current string, media []string, channel, chatID string) []providers.Message {
	systemPrompt := cb.BuildSystemPrompt()
	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}
	logger.DebugCF("agent", "System prompt built", map[string]interface{}{
		"total_chars": len(systemPrompt),
		"history":     len(history),
	})

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: systemPrompt})
	for _, h := range history {
		if h.Role != "user" && h.Role != "assistant" {
			continue
		}
		messages = append(messages, providers.Message{Role: h.Role, Content: h.Content})
	}

	if len(media) > 0 {
		var sb strings.Builder
		sb.WriteString(current)
		sb.WriteString("\n\n[Attached media]")
		for _, m := range media {
			sb.WriteString("\n- ")
			sb.WriteString(m)
		}
		current = sb.String()
	}
	return append(messages, providers.Message{Role: "user", Content: current})
}

// AddAssistantMessage records a tool-calling assistant turn. Arguments are
// also kept in their serialized form for providers that replay them verbatim.
func (cb *ContextBuilder) AddAssistantMessage(messages []providers.Message, content string, calls []providers.ToolCall, reasoning string) []providers.Message {
	recorded := make([]providers.ToolCall, len(calls))
	for i, tc := range calls {
		args := []byte("{}")
		if len(tc.Arguments) > 0 {
			if b, err := json.Marshal(tc.Arguments); err == nil {
				args = b
			} else {
				logger.WarnCF("agent", "Unserializable tool arguments", map[string]interface{}{
					"tool":  tc.Name,
					"error": err.Error(),
				})
			}
		}
		recorded[i] = providers.ToolCall{
			ID:        tc.ID,
			Type:      "function",
			Name:      tc.Name,
			Arguments: tc.Arguments,
			Function:  &providers.FunctionCall{Name: tc.Name, Arguments: string(args)},
		}
	}
	return append(messages, providers.Message{
		Role:             "assistant",
		Content:          content,
		ToolCalls:        recorded,
		ReasoningContent: reasoning,
	})
}

func (cb *ContextBuilder) AddToolResult(messages []providers.Message, toolCallID, toolName, result string) []providers.Message {
	return append(messages, providers.Message{
		Role:       "tool",
		Content:    result,
		ToolCallID: toolCallID,
		Name:       toolName,
	})
}
