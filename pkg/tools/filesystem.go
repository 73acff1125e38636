package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolvePath makes rawPath absolute relative to workspace and, when restrict
// is set, rejects anything outside the workspace.
func resolvePath(workspace string, restrict bool, rawPath string) (string, error) {
	if rawPath == "" {
		return "", fmt.Errorf("path is required")
	}
	if !filepath.IsAbs(rawPath) && workspace != "" {
		rawPath = filepath.Join(workspace, rawPath)
	}
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	if !restrict || workspace == "" {
		return absPath, nil
	}
	allowedAbs, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("invalid workspace: %w", err)
	}
	if !strings.HasPrefix(absPath, allowedAbs+string(filepath.Separator)) && absPath != allowedAbs {
		return "", fmt.Errorf("access denied: path %q is outside workspace %q", absPath, allowedAbs)
	}
	return absPath, nil
}

type fsTool struct {
	workspace string
	restrict  bool
}

type ReadFileTool struct{ fsTool }

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{fsTool{workspace: workspace, restrict: restrict}}
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file"
}

func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	safePath, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err)).WithError(err)
	}
	return NewToolResult(string(content))
}

type WriteFileTool struct{ fsTool }

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{fsTool{workspace: workspace, restrict: restrict}}
}

func (t *WriteFileTool) Name() string {
	return "write_file"
}

func (t *WriteFileTool) Description() string {
	return "Write content to a file"
}

func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to write",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "Content to write to the file",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	content, ok := args["content"].(string)
	if !ok {
		return ErrorResult("content is required")
	}

	safePath, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(safePath), 0755); err != nil {
		return ErrorResult(fmt.Sprintf("failed to create directory: %v", err)).WithError(err)
	}
	if err := os.WriteFile(safePath, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err)).WithError(err)
	}
	return NewToolResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

type EditFileTool struct{ fsTool }

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{fsTool{workspace: workspace, restrict: restrict}}
}

func (t *EditFileTool) Name() string {
	return "edit_file"
}

func (t *EditFileTool) Description() string {
	return "Replace one exact occurrence of old_text with new_text in a file"
}

func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the file to edit",
			},
			"old_text": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to replace; must occur exactly once",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if oldText == "" {
		return ErrorResult("old_text is required")
	}

	safePath, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(safePath)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err)).WithError(err)
	}
	content := string(data)

	switch n := strings.Count(content, oldText); {
	case n == 0:
		return ErrorResult("old_text not found in file")
	case n > 1:
		return ErrorResult(fmt.Sprintf("old_text appears %d times; provide more context to make it unique", n))
	}

	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(safePath, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err)).WithError(err)
	}
	return NewToolResult("File edited: " + path)
}

type ListDirTool struct{ fsTool }

func NewListDirTool(workspace string, restrict bool) *ListDirTool {
	return &ListDirTool{fsTool{workspace: workspace, restrict: restrict}}
}

func (t *ListDirTool) Name() string {
	return "list_dir"
}

func (t *ListDirTool) Description() string {
	return "List files and directories in a path"
}

func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to list",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		path = "."
	}

	safePath, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}

	entries, err := os.ReadDir(safePath)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read directory: %v", err)).WithError(err)
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			sb.WriteString("DIR:  " + entry.Name() + "\n")
		} else {
			sb.WriteString("FILE: " + entry.Name() + "\n")
		}
	}
	return NewToolResult(sb.String())
}
