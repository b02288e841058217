package models

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/google/uuid"
)

// NewToolCallID returns an identifier for tool calls whose upstream omitted one.
func NewToolCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Normalize enforces the ChatResponse invariants on an already-typed response:
// a non-nil tool call slice whose entries all carry an id and a name,
// non-negative usage, and a model name (fallbackModel when empty).
func Normalize(resp ChatResponse, fallbackModel string) ChatResponse {
	calls := make([]ToolCall, 0, len(resp.ToolCalls))
	for _, tc := range resp.ToolCalls {
		if strings.TrimSpace(tc.Name) == "" {
			continue
		}
		if tc.ID == "" {
			tc.ID = NewToolCallID()
		}
		if strings.TrimSpace(tc.Arguments) == "" {
			tc.Arguments = "{}"
		}
		calls = append(calls, tc)
	}
	resp.ToolCalls = calls

	resp.Usage.InputTokens = max(resp.Usage.InputTokens, 0)
	resp.Usage.OutputTokens = max(resp.Usage.OutputTokens, 0)
	resp.Usage.CachedInputTokens = min(max(resp.Usage.CachedInputTokens, 0), resp.Usage.InputTokens)

	if resp.Model == "" {
		resp.Model = fallbackModel
	}
	return resp
}

// Validate turns an arbitrary decoded payload into a complete ChatResponse.
// Missing or wrongly typed fields fall back to zero values; it never fails.
func Validate(raw any, fallbackModel string) ChatResponse {
	switch v := raw.(type) {
	case ChatResponse:
		return Normalize(v, fallbackModel)
	case *ChatResponse:
		if v == nil {
			return Normalize(ChatResponse{}, fallbackModel)
		}
		return Normalize(*v, fallbackModel)
	case json.RawMessage:
		return Validate(decodeLoose(v), fallbackModel)
	case []byte:
		return Validate(decodeLoose(v), fallbackModel)
	case map[string]any:
		return Normalize(fromMap(v), fallbackModel)
	default:
		return Normalize(ChatResponse{}, fallbackModel)
	}
}

func decodeLoose(data []byte) any {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func fromMap(m map[string]any) ChatResponse {
	resp := ChatResponse{
		Content: stringField(m, "content"),
		Model:   stringField(m, "model"),
	}
	if usage, ok := m["usage"].(map[string]any); ok {
		resp.Usage = Usage{
			InputTokens:       intField(usage, "input_tokens"),
			OutputTokens:      intField(usage, "output_tokens"),
			CachedInputTokens: intField(usage, "cached_input_tokens"),
		}
	}
	if list, ok := m["tool_calls"].([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        stringField(entry, "id"),
				Name:      stringField(entry, "name"),
				Arguments: argumentsField(entry["arguments"]),
			})
		}
	}
	return resp
}

func stringField(m map[string]any, key string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

func argumentsField(v any) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return a
	default:
		data, err := json.Marshal(a)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
