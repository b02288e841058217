package openai

import (
	"encoding/json"
	"fmt"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
)

// DefaultMaxTokens is sent when the caller does not set CallOptions.MaxTokens.
const DefaultMaxTokens = 4096

// ChatCompletionRequest is the /chat/completions request body.
type ChatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	Tools         []Tool         `json:"tools,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Tool struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatCompletionResponse is the non-streaming response body.
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage"`
}

type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

type ResponseMessage struct {
	Role      string     `json:"role"`
	Content   *string    `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// StreamResponse is one "data:" payload of a streaming response.
type StreamResponse struct {
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage"`
	Error   *StreamError   `json:"error,omitempty"`
}

type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type StreamDelta struct {
	Content   string           `json:"content"`
	ToolCalls []StreamToolCall `json:"tool_calls"`
}

type StreamToolCall struct {
	Index    int          `json:"index"`
	ID       string       `json:"id"`
	Function FunctionCall `json:"function"`
}

type StreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// BuildRequest translates an internal request into the OpenAI wire shape. When
// nativeTools is false the backend never sees tool definitions or tool-call structure:
// assistant tool_calls are dropped and tool results become "[name result] content" user text.
func BuildRequest(req models.ChatRequest, model string, opts models.CallOptions, nativeTools bool) ChatCompletionRequest {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	out := ChatCompletionRequest{
		Model:       model,
		Messages:    make([]Message, 0, len(req.Messages)),
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
	}

	for _, m := range req.Messages {
		if !nativeTools {
			switch {
			case m.Role == models.RoleTool:
				out.Messages = append(out.Messages, Message{Role: models.RoleUser, Content: providers.ToolResultText(m)})
				continue
			case m.Role == models.RoleAssistant && len(m.ToolCalls) > 0:
				if m.Content != "" {
					out.Messages = append(out.Messages, Message{Role: m.Role, Content: m.Content})
				}
				continue
			}
		}

		msg := Message{Role: m.Role, Content: m.Content}
		if m.Role == models.RoleTool {
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out.Messages = append(out.Messages, msg)
	}

	if nativeTools {
		for _, t := range req.Tools {
			out.Tools = append(out.Tools, Tool{
				Type:     "function",
				Function: FunctionSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
			})
		}
	}
	return out
}

// ParseResponse decodes a non-streaming body. Fields are read one at a time so a
// wrongly typed field degrades to its zero value instead of failing the call; a
// body without choices, such as a content-filter refusal, yields an empty
// response. Only a body that is not JSON at all is an error.
func ParseResponse(body []byte, fallbackModel string) (models.ChatResponse, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return models.ChatResponse{}, fmt.Errorf("decode chat completion: %w", err)
	}
	completion, _ := raw.(map[string]any)
	return models.Validate(flatten(completion), fallbackModel), nil
}

// flatten maps the chat completion shape onto the normalized keys Validate reads.
func flatten(completion map[string]any) map[string]any {
	flat := map[string]any{"model": completion["model"]}

	if usage, ok := completion["usage"].(map[string]any); ok {
		u := map[string]any{
			"input_tokens":  usage["prompt_tokens"],
			"output_tokens": usage["completion_tokens"],
		}
		if details, ok := usage["prompt_tokens_details"].(map[string]any); ok {
			u["cached_input_tokens"] = details["cached_tokens"]
		}
		flat["usage"] = u
	}

	choices, _ := completion["choices"].([]any)
	if len(choices) == 0 {
		return flat
	}
	choice, _ := choices[0].(map[string]any)
	msg, _ := choice["message"].(map[string]any)
	flat["content"] = msg["content"]

	rawCalls, _ := msg["tool_calls"].([]any)
	calls := make([]any, 0, len(rawCalls))
	for _, item := range rawCalls {
		tc, ok := item.(map[string]any)
		if !ok {
			continue
		}
		fn, _ := tc["function"].(map[string]any)
		calls = append(calls, map[string]any{
			"id":        tc["id"],
			"name":      fn["name"],
			"arguments": fn["arguments"],
		})
	}
	flat["tool_calls"] = calls
	return flat
}

func (u *Usage) toModel() models.Usage {
	out := models.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptTokensDetails != nil {
		out.CachedInputTokens = u.PromptTokensDetails.CachedTokens
	}
	return out
}
