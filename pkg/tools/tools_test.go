package tools

import (
	"context"
	"testing"
)

type echoTool struct {
	called bool
}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "echoes the message field" }
func (t *echoTool) InputSchema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"message": map[string]any{"type": "string"}},
		"required":   []string{"message"},
	}
}

func (t *echoTool) Execute(ctx context.Context, session Session, input map[string]any) (string, error) {
	t.called = true
	msg, _ := input["message"].(string)
	return msg, nil
}

func TestSet_ExecuteValidatesInput(t *testing.T) {
	tool := &echoTool{}
	set, err := NewSet(tool)
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	if _, err := set.Execute(context.Background(), Session{}, "echo", map[string]any{}); err == nil {
		t.Error("expected missing required field to fail validation")
	}
	if tool.called {
		t.Error("tool should not run when validation fails")
	}

	out, err := set.Execute(context.Background(), Session{}, "echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "hi" {
		t.Errorf("Execute() = %q, want %q", out, "hi")
	}
}

func TestSet_ExecuteUnknownTool(t *testing.T) {
	set, err := NewSet()
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	_, err = set.Execute(context.Background(), Session{}, "missing", nil)
	if err == nil {
		t.Error("expected an error for an unregistered tool")
	}
}

func TestSet_List(t *testing.T) {
	set, err := NewSet(&echoTool{})
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}
	list := set.List()
	if len(list) != 1 {
		t.Fatalf("List() returned %d tools, want 1", len(list))
	}
	if list[0].Name() != "echo" {
		t.Errorf("List()[0].Name() = %q, want %q", list[0].Name(), "echo")
	}

	if _, ok := set.Get("echo"); !ok {
		t.Error("expected Get to find the registered tool")
	}
	if _, ok := set.Get("nope"); ok {
		t.Error("expected Get to miss an unregistered tool")
	}
}
