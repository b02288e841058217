package anthropic

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
)

// DefaultMaxTokens is sent when the caller does not set CallOptions.MaxTokens;
// the Messages API rejects requests without max_tokens.
const DefaultMaxTokens = 4096

// ConversationStart is the synthesized first user turn for histories that open
// with an assistant message.
const ConversationStart = "(conversation start)"

// MessagesRequest is the /messages request body.
type MessagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Messages    []Message `json:"messages"`
	System      string    `json:"system,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

// Message content is either a string or a []ContentBlock.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type ContentBlock struct {
	Type      string          `json:"type"`                  // "text", "tool_use", "tool_result"
	Text      string          `json:"text,omitempty"`        // type=text
	ID        string          `json:"id,omitempty"`          // type=tool_use
	Name      string          `json:"name,omitempty"`        // type=tool_use
	Input     json.RawMessage `json:"input,omitempty"`       // type=tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"` // type=tool_result
	Content   string          `json:"content,omitempty"`     // type=tool_result
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// MessagesResponse is the non-streaming response body.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage reports input_tokens net of prompt-cache reads and writes.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// inputTokens folds cache traffic back into the prompt total so the cached share can
// be priced separately.
func (u Usage) inputTokens() (total, cached int) {
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens, u.CacheReadInputTokens
}

// BuildRequest translates an internal request into the Messages API shape. System
// messages move to the top-level system field. The message list always alternates
// roles, starts with a user turn and carries no empty assistant turns.
func BuildRequest(req models.ChatRequest, model string, opts models.CallOptions) MessagesRequest {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	out := MessagesRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
	}
	useTools := len(req.Tools) > 0

	var system []string
	var msgs []Message
	for _, m := range req.Messages {
		switch {
		case m.Role == models.RoleSystem:
			if m.Content != "" {
				system = append(system, m.Content)
			}
		case m.Role == models.RoleTool && useTools:
			msgs = append(msgs, Message{Role: models.RoleUser, Content: []ContentBlock{{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   m.Content,
			}}})
		case m.Role == models.RoleTool:
			msgs = append(msgs, Message{Role: models.RoleUser, Content: providers.ToolResultText(m)})
		case m.Role == models.RoleAssistant && useTools && len(m.ToolCalls) > 0:
			var blocks []ContentBlock
			if m.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, ContentBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: toolInput(tc.Arguments)})
			}
			msgs = append(msgs, Message{Role: models.RoleAssistant, Content: blocks})
		case m.Role == models.RoleAssistant:
			msgs = append(msgs, Message{Role: models.RoleAssistant, Content: m.Content})
		default:
			msgs = append(msgs, Message{Role: models.RoleUser, Content: m.Content})
		}
	}

	out.System = strings.Join(system, "\n\n")
	out.Messages = enforceTurnOrder(msgs)

	if useTools {
		for _, t := range req.Tools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			out.Tools = append(out.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
		}
	}
	return out
}

func toolInput(args string) json.RawMessage {
	if strings.TrimSpace(args) == "" || !json.Valid([]byte(args)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(args)
}

// enforceTurnOrder drops empty assistant turns, merges same-role neighbours and
// makes sure the first turn is from the user.
func enforceTurnOrder(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && isEmpty(m.Content) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content = mergeContent(out[n-1].Content, m.Content)
			continue
		}
		out = append(out, m)
	}
	if len(out) > 0 && out[0].Role == models.RoleAssistant {
		out = append([]Message{{Role: models.RoleUser, Content: ConversationStart}}, out...)
	}
	return out
}

func isEmpty(content any) bool {
	switch v := content.(type) {
	case string:
		return strings.TrimSpace(v) == ""
	case []ContentBlock:
		return len(v) == 0
	default:
		return content == nil
	}
}

// mergeContent joins two strings with a blank line; as soon as either side holds
// blocks, both become block lists and are concatenated.
func mergeContent(a, b any) any {
	as, aText := a.(string)
	bs, bText := b.(string)
	if aText && bText {
		switch {
		case as == "":
			return bs
		case bs == "":
			return as
		}
		return as + "\n\n" + bs
	}
	return append(toBlocks(a), toBlocks(b)...)
}

func toBlocks(content any) []ContentBlock {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: v}}
	case []ContentBlock:
		return v
	}
	return nil
}

// ParseResponse decodes a non-streaming body. Text blocks are concatenated in order
// and tool_use blocks become tool calls. Fields are read one at a time, so a
// refusal whose content is a bare string or a wrongly typed usage counter still
// produces a response; only a body that is not JSON at all is an error.
func ParseResponse(body []byte, fallbackModel string) (models.ChatResponse, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.ChatResponse{}, fmt.Errorf("decode message: %w", err)
	}
	msg, _ := raw.(map[string]any)
	return models.Validate(flatten(msg), fallbackModel), nil
}

// flatten maps the Messages API shape onto the normalized keys Validate reads.
func flatten(msg map[string]any) map[string]any {
	flat := map[string]any{"model": msg["model"]}

	var text strings.Builder
	calls := []any{}
	switch content := msg["content"].(type) {
	case string:
		text.WriteString(content)
	case []any:
		for _, item := range content {
			block, ok := item.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if t, ok := block["text"].(string); ok {
					text.WriteString(t)
				}
			case "tool_use":
				calls = append(calls, map[string]any{
					"id":        block["id"],
					"name":      block["name"],
					"arguments": block["input"],
				})
			}
		}
	}
	flat["content"] = text.String()
	flat["tool_calls"] = calls

	if usage, ok := msg["usage"].(map[string]any); ok {
		cacheRead := tokenCount(usage["cache_read_input_tokens"])
		flat["usage"] = map[string]any{
			"input_tokens":        tokenCount(usage["input_tokens"]) + cacheRead + tokenCount(usage["cache_creation_input_tokens"]),
			"output_tokens":       tokenCount(usage["output_tokens"]),
			"cached_input_tokens": cacheRead,
		}
	}
	return flat
}

// tokenCount reads a JSON number; anything else counts as zero.
func tokenCount(v any) int {
	if f, ok := v.(float64); ok && f > 0 && f < math.MaxInt32 {
		return int(f)
	}
	return 0
}
