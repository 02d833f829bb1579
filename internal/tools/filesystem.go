package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	allowedDir string
	restrict   bool
}

func NewReadFileTool(allowedDir string, restrict bool) *ReadFileTool {
	return &ReadFileTool{allowedDir: allowedDir, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
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

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("Error: path is required")
	}

	resolved, err := resolvePath(path, t.baseDir(ctx), t.restrict)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to read file: %v", err))
	}
	return SilentResult(string(data))
}

func (t *ReadFileTool) baseDir(ctx context.Context) string {
	if ws := ToolWorkspaceFromCtx(ctx); ws != "" {
		return ws
	}
	return t.allowedDir
}

// WriteFileTool writes content to a file, creating parent directories.
type WriteFileTool struct {
	allowedDir string
	restrict   bool
}

func NewWriteFileTool(allowedDir string, restrict bool) *WriteFileTool {
	return &WriteFileTool{allowedDir: allowedDir, restrict: restrict}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }
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

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		return ErrorResult("Error: path is required")
	}
	content, _ := args["content"].(string)

	base := t.allowedDir
	if ws := ToolWorkspaceFromCtx(ctx); ws != "" {
		base = ws
	}
	resolved, err := resolvePath(path, base, t.restrict)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to create directory: %v", err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("Wrote %d bytes to %s", len(content), path))
}

// EditFileTool replaces an exact text fragment within a file.
type EditFileTool struct {
	allowedDir string
	restrict   bool
}

func NewEditFileTool(allowedDir string, restrict bool) *EditFileTool {
	return &EditFileTool{allowedDir: allowedDir, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact text fragment in a file with new text"
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
				"description": "Exact text to replace (must occur in the file)",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	if path == "" {
		return ErrorResult("Error: path is required")
	}
	if oldText == "" {
		return ErrorResult("Error: old_text is required")
	}

	base := t.allowedDir
	if ws := ToolWorkspaceFromCtx(ctx); ws != "" {
		base = ws
	}
	resolved, err := resolvePath(path, base, t.restrict)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to read file: %v", err))
	}
	text := string(data)
	if !strings.Contains(text, oldText) {
		return ErrorResult("Error: old_text not found in file")
	}

	updated := strings.Replace(text, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to write file: %v", err))
	}
	return SilentResult(fmt.Sprintf("Edited %s", path))
}

// ListDirTool lists directory entries.
type ListDirTool struct {
	allowedDir string
	restrict   bool
}

func NewListDirTool(allowedDir string, restrict bool) *ListDirTool {
	return &ListDirTool{allowedDir: allowedDir, restrict: restrict}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the entries of a directory" }
func (t *ListDirTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Path to the directory to list (default: workspace root)",
			},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}

	base := t.allowedDir
	if ws := ToolWorkspaceFromCtx(ctx); ws != "" {
		base = ws
	}
	resolved, err := resolvePath(path, base, t.restrict)
	if err != nil {
		return ErrorResult("Error: " + err.Error())
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("Error: failed to list directory: %v", err))
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			sb.WriteString(e.Name() + "/\n")
		} else {
			sb.WriteString(e.Name() + "\n")
		}
	}
	if sb.Len() == 0 {
		return SilentResult("(empty directory)")
	}
	return SilentResult(sb.String())
}
