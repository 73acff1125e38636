package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sipeed/digiclaw/pkg/tools"
)

const callTimeout = 30 * time.Second

// Tool exposes one remote tool as mcp_<server>_<tool>.
type Tool struct {
	name    string
	remote  string
	def     mcp.Tool
	session Session
}

func NewTool(server string, def mcp.Tool, session Session) *Tool {
	return &Tool{
		name:    "mcp_" + server + "_" + def.Name,
		remote:  def.Name,
		def:     def,
		session: session,
	}
}

func (t *Tool) Name() string { return t.name }

func (t *Tool) Description() string {
	if t.def.Description == "" {
		return t.remote
	}
	return t.def.Description
}

func (t *Tool) Parameters() map[string]interface{} {
	props := t.def.InputSchema.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	params := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(t.def.InputSchema.Required) > 0 {
		params["required"] = t.def.InputSchema.Required
	}
	return params
}

func (t *Tool) Execute(ctx context.Context, args map[string]interface{}) *tools.ToolResult {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	res, err := t.session.CallTool(ctx, t.remote, args)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("MCP tool %s failed: %v", t.remote, err)).WithError(err)
	}
	text := contentText(res.Content)
	if res.IsError {
		return tools.ErrorResult(text)
	}
	if text == "" {
		text = "(no output)"
	}
	return tools.NewToolResult(text)
}

func contentText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	return strings.Join(parts, "\n")
}
