package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/digiclaw/pkg/logger"
)

type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds or replaces a tool under its name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// NormalizeToolName lowercases a name and strips separators so that
// "ReadFile", "read-file" and "read_file" compare equal.
func NormalizeToolName(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(name)
}

// Get looks a tool up by exact name, falling back to a normalized match for
// models that mangle tool names.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if tool, ok := r.tools[name]; ok {
		return tool, true
	}
	want := NormalizeToolName(name)
	for n, tool := range r.tools {
		if NormalizeToolName(n) == want {
			return tool, true
		}
	}
	return nil, false
}

// Execute runs the named tool and always returns model-facing text. Unknown
// tools, tool failures and panics become descriptive error strings.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (result string) {
	tool, ok := r.Get(name)
	if !ok {
		return fmt.Sprintf("Error: Tool '%s' not found", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			logger.ErrorCF("tool", "Tool panicked", map[string]interface{}{
				"tool":  name,
				"panic": fmt.Sprint(rec),
			})
			result = fmt.Sprintf("Error executing %s: %v", name, rec)
		}
	}()

	res := tool.Execute(ctx, args)
	if res == nil {
		return ""
	}

	fields := map[string]interface{}{
		"tool":        name,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if res.IsError {
		if res.Err != nil {
			fields["error"] = res.Err.Error()
		}
		logger.WarnCF("tool", "Tool returned error", fields)
		if strings.HasPrefix(res.ForLLM, "Error") {
			return res.ForLLM
		}
		return "Error: " + res.ForLLM
	}
	logger.DebugCF("tool", "Tool executed", fields)
	return res.ForLLM
}

// Definitions returns the schemas of all tools sorted by name so the model
// sees a stable tool list between turns.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)

	defs := make([]ToolDefinition, 0, len(names))
	for _, n := range names {
		defs = append(defs, ToDefinition(r.tools[n]))
	}
	return defs
}

// SetContext forwards the turn's routing destination to contextual tools.
func (r *ToolRegistry) SetContext(channel, chatID string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tools {
		if ct, ok := t.(ContextualTool); ok {
			ct.SetContext(channel, chatID)
		}
	}
}

func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
