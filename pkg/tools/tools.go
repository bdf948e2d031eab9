// Package tools defines the Tool Set abstraction: a registry of named
// operations the agent loop may invoke, each either running in-process or
// dispatching into the shared Sandbox.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Session carries the request-scoped data a tool handler needs beyond its
// validated input: whose sandbox subtree it runs against, plus ancillary
// fields (turn_id, client_request_id) threaded through for log correlation.
type Session struct {
	UserID string
	Extra  map[string]string
}

// Tool is one callable operation exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// InputSchema returns a JSON-Schema document (as a Go value tree, the
	// same shape encoding/json would produce) describing valid input.
	InputSchema() map[string]any
	// Execute runs the tool for the given caller and validated input.
	// Tools read the caller's identity (UserID, Extra) from session.
	Execute(ctx context.Context, session Session, input map[string]any) (string, error)
}

// Set is the compiled collection of tools available to one Agent. It
// validates every call's input against the tool's declared schema before
// dispatch, turning malformed input into a tool-failed result rather than a
// panic deep in a handler.
type Set struct {
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	order   []string
}

// NewSet compiles schemas for each tool and returns a ready-to-use Set.
// Compilation happens once, at registration, not per call.
func NewSet(tl ...Tool) (*Set, error) {
	s := &Set{
		tools:   make(map[string]Tool, len(tl)),
		schemas: make(map[string]*jsonschema.Schema, len(tl)),
		order:   make([]string, 0, len(tl)),
	}
	for _, t := range tl {
		schema, err := compileSchema(t.Name(), t.InputSchema())
		if err != nil {
			return nil, err
		}
		s.tools[t.Name()] = t
		s.schemas[t.Name()] = schema
		s.order = append(s.order, t.Name())
	}
	return s, nil
}

func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("tools: marshal schema for %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	resourceName := name + ".json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tools: add schema resource for %s: %w", name, err)
	}
	schema, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("tools: compile schema for %s: %w", name, err)
	}
	return schema, nil
}

// List returns the tool declarations in registration order; used to build
// the model-facing tool catalog.
func (s *Set) List() []Tool {
	out := make([]Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// Get returns a tool by name.
func (s *Set) Get(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Validate checks input against the tool's compiled schema.
func (s *Set) Validate(name string, input map[string]any) error {
	schema, ok := s.schemas[name]
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", name)
	}
	if err := schema.Validate(input); err != nil {
		return fmt.Errorf("tools: invalid input for %q: %w", name, err)
	}
	return nil
}

// Execute validates input then dispatches to the tool.
func (s *Set) Execute(ctx context.Context, session Session, name string, input map[string]any) (string, error) {
	t, ok := s.tools[name]
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", name)
	}
	if err := s.Validate(name, input); err != nil {
		return "", err
	}
	return t.Execute(ctx, session, input)
}
