package builtin

import (
	"context"
	"testing"
	"time"

	"github.com/nstogner/agentserver/pkg/sandbox"
	"github.com/nstogner/agentserver/pkg/tools"
)

// fakeSandbox is an in-memory stand-in for sandbox.Sandbox, keyed by
// userID+path, so builtin tool tests never need a Docker daemon.
type fakeSandbox struct {
	files    map[string][]byte
	execFn   func(ctx context.Context, userID, command string, timeout time.Duration) (sandbox.ExecResult, error)
	entries  map[string][]sandbox.FileInfo
	failPath bool
}

func newFakeSandbox() *fakeSandbox {
	return &fakeSandbox{files: map[string][]byte{}, entries: map[string][]sandbox.FileInfo{}}
}

func (f *fakeSandbox) key(userID, path string) string { return userID + ":" + path }

func (f *fakeSandbox) Ensure(ctx context.Context) error { return nil }
func (f *fakeSandbox) State() sandbox.State              { return sandbox.StateReady }
func (f *fakeSandbox) Close() error                      { return nil }

func (f *fakeSandbox) Exec(ctx context.Context, userID, command string, timeout time.Duration) (sandbox.ExecResult, error) {
	if f.execFn != nil {
		return f.execFn(ctx, userID, command, timeout)
	}
	return sandbox.ExecResult{Stdout: "ok\n"}, nil
}

func (f *fakeSandbox) PutFile(ctx context.Context, userID, path string, content []byte) error {
	if f.failPath {
		return sandbox.ErrPathEscape
	}
	f.files[f.key(userID, path)] = content
	return nil
}

func (f *fakeSandbox) GetFile(ctx context.Context, userID, path string) ([]byte, error) {
	if f.failPath {
		return nil, sandbox.ErrPathEscape
	}
	data, ok := f.files[f.key(userID, path)]
	if !ok {
		return nil, nil
	}
	return data, nil
}

func (f *fakeSandbox) List(ctx context.Context, userID, path string) ([]sandbox.FileInfo, error) {
	if f.failPath {
		return nil, sandbox.ErrPathEscape
	}
	return f.entries[f.key(userID, path)], nil
}

func (f *fakeSandbox) Delete(ctx context.Context, userID, path string) error {
	if f.failPath {
		return sandbox.ErrPathEscape
	}
	delete(f.files, f.key(userID, path))
	return nil
}

func TestShellExec_RequiresCommand(t *testing.T) {
	tool := &ShellExec{sandbox: newFakeSandbox(), defaultTimeout: time.Second}
	if _, err := tool.Execute(context.Background(), tools.Session{}, map[string]any{}); err == nil {
		t.Error("expected missing command to error")
	}
}

func TestShellExec_ReturnsCombinedOutput(t *testing.T) {
	sb := newFakeSandbox()
	sb.execFn = func(ctx context.Context, userID, command string, timeout time.Duration) (sandbox.ExecResult, error) {
		return sandbox.ExecResult{Stdout: "out", Stderr: "err"}, nil
	}
	tool := &ShellExec{sandbox: sb, defaultTimeout: time.Second}
	out, err := tool.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{"command": "echo hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "outerr" {
		t.Errorf("Execute() = %q, want %q", out, "outerr")
	}
}

func TestShellExec_TimeoutReportedAsError(t *testing.T) {
	sb := newFakeSandbox()
	sb.execFn = func(ctx context.Context, userID, command string, timeout time.Duration) (sandbox.ExecResult, error) {
		return sandbox.ExecResult{TimedOut: true}, nil
	}
	tool := &ShellExec{sandbox: sb, defaultTimeout: time.Second}
	if _, err := tool.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{"command": "sleep 100"}); err == nil {
		t.Error("expected a timeout to surface as an error")
	}
}

func TestWriteFileThenReadFile_RoundTrips(t *testing.T) {
	sb := newFakeSandbox()
	write := &WriteFile{sandbox: sb}
	read := &ReadFile{sandbox: sb}

	if _, err := write.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{
		"path": "notes.txt", "content": "hello",
	}); err != nil {
		t.Fatalf("write Execute: %v", err)
	}

	out, err := read.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{"path": "notes.txt"})
	if err != nil {
		t.Fatalf("read Execute: %v", err)
	}
	if out != "hello" {
		t.Errorf("read back %q, want %q", out, "hello")
	}
}

func TestWriteFile_AppendModeConcatenates(t *testing.T) {
	sb := newFakeSandbox()
	write := &WriteFile{sandbox: sb}

	if _, err := write.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{
		"path": "log.txt", "content": "line1\n",
	}); err != nil {
		t.Fatalf("write Execute: %v", err)
	}
	if _, err := write.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{
		"path": "log.txt", "content": "line2\n", "mode": "append",
	}); err != nil {
		t.Fatalf("write Execute: %v", err)
	}

	read := &ReadFile{sandbox: sb}
	out, err := read.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{"path": "log.txt"})
	if err != nil {
		t.Fatalf("read Execute: %v", err)
	}
	if out != "line1\nline2\n" {
		t.Errorf("read back %q, want appended content", out)
	}
}

func TestReadFile_RequiresPath(t *testing.T) {
	tool := &ReadFile{sandbox: newFakeSandbox()}
	if _, err := tool.Execute(context.Background(), tools.Session{}, map[string]any{}); err == nil {
		t.Error("expected missing path to error")
	}
}

func TestListFiles_EmptyDirectoryReportsEmpty(t *testing.T) {
	tool := &ListFiles{sandbox: newFakeSandbox()}
	out, err := tool.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "(empty)" {
		t.Errorf("Execute() = %q, want %q", out, "(empty)")
	}
}

func TestListFiles_PathEscapePropagates(t *testing.T) {
	sb := newFakeSandbox()
	sb.failPath = true
	tool := &ListFiles{sandbox: sb}
	if _, err := tool.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{"path": "../etc"}); err == nil {
		t.Error("expected a path-escape error to propagate")
	}
}

func TestDeleteFile_RequiresPath(t *testing.T) {
	tool := &DeleteFile{sandbox: newFakeSandbox()}
	if _, err := tool.Execute(context.Background(), tools.Session{}, map[string]any{}); err == nil {
		t.Error("expected missing path to error")
	}
}

func TestDeleteFile_RemovesWrittenFile(t *testing.T) {
	sb := newFakeSandbox()
	write := &WriteFile{sandbox: sb}
	del := &DeleteFile{sandbox: sb}
	read := &ReadFile{sandbox: sb}

	if _, err := write.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{
		"path": "tmp.txt", "content": "x",
	}); err != nil {
		t.Fatalf("write Execute: %v", err)
	}
	if _, err := del.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{"path": "tmp.txt"}); err != nil {
		t.Fatalf("delete Execute: %v", err)
	}

	out, err := read.Execute(context.Background(), tools.Session{UserID: "u1"}, map[string]any{"path": "tmp.txt"})
	if err != nil {
		t.Fatalf("read Execute: %v", err)
	}
	if out != "" {
		t.Errorf("expected no content after delete, got %q", out)
	}
}

func TestNew_ReturnsFiveTools(t *testing.T) {
	got := New(newFakeSandbox(), time.Second)
	if len(got) != 5 {
		t.Fatalf("New() returned %d tools, want 5", len(got))
	}
}
