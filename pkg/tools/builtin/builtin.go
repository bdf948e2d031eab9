// Package builtin implements the required and supplemented tools that wrap
// the shared Sandbox: shell_exec, write_file, read_file, list_files, and
// delete_file.
package builtin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nstogner/agentserver/pkg/sandbox"
	"github.com/nstogner/agentserver/pkg/tools"
)

// maxReadDisplayBytes caps how much of a file's content read_file returns to
// the model in one call; callers that need the full file use the file
// transfer surface instead.
const maxReadDisplayBytes = 64 * 1024

// New returns the full required+supplemented tool catalog backed by sb.
func New(sb sandbox.Sandbox, defaultTimeout time.Duration) []tools.Tool {
	return []tools.Tool{
		&ShellExec{sandbox: sb, defaultTimeout: defaultTimeout},
		&WriteFile{sandbox: sb},
		&ReadFile{sandbox: sb},
		&ListFiles{sandbox: sb},
		&DeleteFile{sandbox: sb},
	}
}

// ShellExec runs a shell command in the caller's sandbox workspace.
type ShellExec struct {
	sandbox        sandbox.Sandbox
	defaultTimeout time.Duration
}

func (t *ShellExec) Name() string { return "shell_exec" }

func (t *ShellExec) Description() string {
	return "Run a shell command in your sandboxed workspace and return its combined stdout and stderr."
}

func (t *ShellExec) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to run."},
			"timeout": map[string]any{"type": "integer", "description": "Timeout in seconds (optional)."},
		},
		"required": []string{"command"},
	}
}

func (t *ShellExec) Execute(ctx context.Context, session tools.Session, input map[string]any) (string, error) {
	command, _ := input["command"].(string)
	if command == "" {
		return "", errors.New("tools: shell_exec: command is required")
	}

	timeout := t.defaultTimeout
	if v, ok := input["timeout"]; ok {
		if secs, ok := asInt(v); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	res, err := t.sandbox.Exec(ctx, session.UserID, command, timeout)
	if err != nil {
		if errors.Is(err, sandbox.ErrPathEscape) {
			return "", fmt.Errorf("path-escape: %w", err)
		}
		return "", fmt.Errorf("sandbox-unavailable: %w", err)
	}

	out := res.Stdout + res.Stderr
	if res.Truncated {
		out += "\n[truncated]"
	}
	if res.TimedOut {
		return "", fmt.Errorf("timeout: shell_exec exceeded %s", timeout)
	}
	if res.ExitCode != 0 {
		out += fmt.Sprintf("\n[exit code %d]", res.ExitCode)
	}
	return out, nil
}

// WriteFile writes (or appends to) a file in the caller's sandbox workspace.
type WriteFile struct {
	sandbox sandbox.Sandbox
}

func (t *WriteFile) Name() string { return "write_file" }

func (t *WriteFile) Description() string {
	return "Write content to a file in your sandboxed workspace, overwriting or appending."
}

func (t *WriteFile) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string"},
			"content": map[string]any{"type": "string"},
			"mode":    map[string]any{"type": "string", "enum": []string{"overwrite", "append"}},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFile) Execute(ctx context.Context, session tools.Session, input map[string]any) (string, error) {
	path, _ := input["path"].(string)
	content, _ := input["content"].(string)
	if path == "" {
		return "", errors.New("tools: write_file: path is required")
	}

	mode, _ := input["mode"].(string)
	data := []byte(content)
	if mode == "append" {
		existing, err := t.sandbox.GetFile(ctx, session.UserID, path)
		if err != nil && !errors.Is(err, sandbox.ErrPathEscape) {
			// File may not exist yet; treat any other read failure as "start
			// fresh" rather than blocking the append.
			existing = nil
		} else if err != nil {
			return "", fmt.Errorf("path-escape: %w", err)
		}
		data = append(existing, data...)
	}

	if err := t.sandbox.PutFile(ctx, session.UserID, path, data); err != nil {
		if errors.Is(err, sandbox.ErrPathEscape) {
			return "", fmt.Errorf("path-escape: %w", err)
		}
		return "", fmt.Errorf("sandbox-unavailable: %w", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(data), path), nil
}

// ReadFile reads a file from the caller's sandbox workspace.
type ReadFile struct {
	sandbox sandbox.Sandbox
}

func (t *ReadFile) Name() string { return "read_file" }

func (t *ReadFile) Description() string {
	return "Read the contents of a file in your sandboxed workspace."
}

func (t *ReadFile) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFile) Execute(ctx context.Context, session tools.Session, input map[string]any) (string, error) {
	path, _ := input["path"].(string)
	if path == "" {
		return "", errors.New("tools: read_file: path is required")
	}

	data, err := t.sandbox.GetFile(ctx, session.UserID, path)
	if err != nil {
		if errors.Is(err, sandbox.ErrPathEscape) {
			return "", fmt.Errorf("path-escape: %w", err)
		}
		return "", fmt.Errorf("sandbox-unavailable: %w", err)
	}

	if len(data) > maxReadDisplayBytes {
		return string(data[:maxReadDisplayBytes]) + "\n[truncated]", nil
	}
	return string(data), nil
}

// ListFiles enumerates a directory in the caller's sandbox workspace.
type ListFiles struct {
	sandbox sandbox.Sandbox
}

func (t *ListFiles) Name() string { return "list_files" }

func (t *ListFiles) Description() string {
	return "List the entries in a directory of your sandboxed workspace."
}

func (t *ListFiles) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory relative to your workspace root; defaults to the root."},
		},
	}
}

func (t *ListFiles) Execute(ctx context.Context, session tools.Session, input map[string]any) (string, error) {
	path, _ := input["path"].(string)

	entries, err := t.sandbox.List(ctx, session.UserID, path)
	if err != nil {
		if errors.Is(err, sandbox.ErrPathEscape) {
			return "", fmt.Errorf("path-escape: %w", err)
		}
		return "", fmt.Errorf("sandbox-unavailable: %w", err)
	}

	if len(entries) == 0 {
		return "(empty)", nil
	}
	out := ""
	for _, e := range entries {
		kind := "file"
		if e.IsDir {
			kind = "dir"
		}
		out += fmt.Sprintf("%s\t%s\t%d\n", kind, e.Name, e.Size)
	}
	return out, nil
}

// DeleteFile removes a file or empty directory from the caller's sandbox
// workspace.
type DeleteFile struct {
	sandbox sandbox.Sandbox
}

func (t *DeleteFile) Name() string { return "delete_file" }

func (t *DeleteFile) Description() string {
	return "Delete a file or empty directory in your sandboxed workspace."
}

func (t *DeleteFile) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteFile) Execute(ctx context.Context, session tools.Session, input map[string]any) (string, error) {
	path, _ := input["path"].(string)
	if path == "" {
		return "", errors.New("tools: delete_file: path is required")
	}

	if err := t.sandbox.Delete(ctx, session.UserID, path); err != nil {
		if errors.Is(err, sandbox.ErrPathEscape) {
			return "", fmt.Errorf("path-escape: %w", err)
		}
		return "", fmt.Errorf("sandbox-unavailable: %w", err)
	}
	return fmt.Sprintf("deleted %s", path), nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}
