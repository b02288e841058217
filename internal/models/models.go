package models

import (
	"encoding/json"
	"fmt"
)

// Message roles understood by every translator.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the internal conversation history.
// Role sequencing is not enforced here; each vendor translator applies its own rules.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// UnmarshalJSON accepts a null content field.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role       string     `json:"role"`
		Content    *string    `json:"content"`
		ToolCallID string     `json:"tool_call_id"`
		Name       string     `json:"name"`
		ToolCalls  []ToolCall `json:"tool_calls"`
	}
	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	m.Role = raw.Role
	m.Content = ""
	if raw.Content != nil {
		m.Content = *raw.Content
	}
	m.ToolCallID = raw.ToolCallID
	m.Name = raw.Name
	m.ToolCalls = raw.ToolCalls
	return nil
}

// ToolSpec describes a function the model may call. Parameters is a JSON-schema-like object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is the vendor-agnostic input of one completion.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// ToolCall is a model-requested function invocation. Arguments holds JSON text.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Usage records token accounting. CachedInputTokens is a subset of InputTokens.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ChatResponse is the normalized result of one completion.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
	Usage     Usage      `json:"usage"`
	Model     string     `json:"model"`
}

// HasToolCalls reports whether the response requests any tool invocation.
func (r ChatResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// CallOptions carries the per-call knobs: credentials, model override and sampling.
type CallOptions struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature *float64
}

// ChunkType tags a StreamChunk.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkToolStart ChunkType = "tool_start"
	ChunkToolDelta ChunkType = "tool_delta"
	ChunkDone      ChunkType = "done"
	ChunkError     ChunkType = "error"
)

// StreamChunk is one incremental unit of a streamed completion.
// Which fields are set depends on Type.
type StreamChunk struct {
	Type      ChunkType
	Text      string
	Index     int
	ID        string
	Name      string
	Arguments string
	Response  *ChatResponse
	Err       error
}

// TextChunk builds a text chunk.
func TextChunk(text string) StreamChunk {
	return StreamChunk{Type: ChunkText, Text: text}
}

// ToolStartChunk builds a tool_start chunk.
func ToolStartChunk(index int, id, name string) StreamChunk {
	return StreamChunk{Type: ChunkToolStart, Index: index, ID: id, Name: name}
}

// ToolDeltaChunk builds a tool_delta chunk.
func ToolDeltaChunk(index int, arguments string) StreamChunk {
	return StreamChunk{Type: ChunkToolDelta, Index: index, Arguments: arguments}
}

// DoneChunk builds the terminal chunk of a successful stream.
func DoneChunk(resp ChatResponse) StreamChunk {
	return StreamChunk{Type: ChunkDone, Response: &resp}
}

// ErrorChunk builds the terminal chunk of a failed stream.
func ErrorChunk(err error) StreamChunk {
	return StreamChunk{Type: ChunkError, Err: err}
}
