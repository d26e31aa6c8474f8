package stream

import "encoding/json"

// Event is one decoded unit of an assistant reply. The concrete types are
// Text, ToolUse, ToolResult and Plain.
type Event interface {
	// Kind is "text", "tool_use", "tool_result" or "plain".
	Kind() string
	event()
}

// Text is assistant prose.
type Text struct {
	Content string
}

// ToolUse is a tool invocation announced by the backend.
type ToolUse struct {
	Name      string
	Input     json.RawMessage
	ToolUseID string
}

// ToolResult is the outcome of an earlier ToolUse. Non-string content is
// kept as its raw JSON text.
type ToolResult struct {
	ToolUseID string
	Content   string
	IsError   bool
}

// Plain is a frame payload that was not JSON.
type Plain struct {
	Content string
}

func (Text) Kind() string       { return "text" }
func (ToolUse) Kind() string    { return "tool_use" }
func (ToolResult) Kind() string { return "tool_result" }
func (Plain) Kind() string      { return "plain" }

func (Text) event()       {}
func (ToolUse) event()    {}
func (ToolResult) event() {}
func (Plain) event()      {}
