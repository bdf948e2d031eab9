// Package events defines the public event taxonomy the Agent Execution Loop
// streams to the transport layer: the wire contract between C6 and C7.
package events

import (
	"encoding/json"

	"github.com/nstogner/agentserver/pkg/domain"
	"github.com/nstogner/agentserver/pkg/errkind"
)

// Type identifies which event taxonomy member a frame carries.
type Type string

const (
	TypeMessageStart Type = "message_start"
	TypeContent      Type = "content"
	TypeToolStart    Type = "tool_start"
	TypeToolInput    Type = "tool_input"
	TypeToolEnd      Type = "tool_end"
	TypeMessageEnd   Type = "message_end"
	TypeDone         Type = "done"
	TypeStopped      Type = "stopped"
	TypeError        Type = "error"
)

// Event is one frame of the turn's stream. Fields are a superset over the
// taxonomy in spec §4.6; only the fields relevant to Type are populated.
type Event struct {
	Type Type `json:"type"`

	// ThreadID is set on the first frame of a turn whose request omitted
	// thread_id, so the client learns the server-assigned id.
	ThreadID string `json:"thread_id,omitempty"`

	// content
	Node  string `json:"node,omitempty"` // "model" or "tools"
	Delta string `json:"delta,omitempty"`

	// tool_start / tool_input / tool_end
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	InputJSON  json.RawMessage `json:"input_json,omitempty"`
	Output     any             `json:"output_value,omitempty"`
	Status     string          `json:"status,omitempty"`

	// done
	Messages []domain.Message `json:"messages,omitempty"`

	// error
	Kind   errkind.Kind `json:"kind,omitempty"`
	Detail string       `json:"detail,omitempty"`

	// Echoed back verbatim on done/error when the request supplied one.
	ClientRequestID string `json:"client_request_id,omitempty"`
}

// MessageStart builds a message_start frame.
func MessageStart() Event { return Event{Type: TypeMessageStart} }

// Content builds a content frame for the given node ("model" or "tools").
func Content(node, delta string) Event {
	return Event{Type: TypeContent, Node: node, Delta: delta}
}

// ToolStart builds a tool_start frame.
func ToolStart(callID, name string) Event {
	return Event{Type: TypeToolStart, ToolCallID: callID, ToolName: name}
}

// ToolInput builds a tool_input frame with input already marshaled to JSON.
func ToolInput(callID string, input json.RawMessage) Event {
	return Event{Type: TypeToolInput, ToolCallID: callID, InputJSON: input}
}

// ToolEnd builds a tool_end frame.
func ToolEnd(callID string, output any, status domain.ToolStatus) Event {
	return Event{Type: TypeToolEnd, ToolCallID: callID, Output: output, Status: string(status)}
}

// MessageEnd builds a message_end frame.
func MessageEnd() Event { return Event{Type: TypeMessageEnd} }

// Done builds the terminal success frame.
func Done(messages []domain.Message) Event {
	return Event{Type: TypeDone, Messages: messages}
}

// Stopped builds the terminal cancellation frame.
func Stopped() Event { return Event{Type: TypeStopped} }

// Error builds the terminal failure frame.
func Error(kind errkind.Kind, detail string) Event {
	return Event{Type: TypeError, Kind: kind, Detail: detail}
}
