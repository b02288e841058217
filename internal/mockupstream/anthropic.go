package mockupstream

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"chatbridge/internal/models"
	"chatbridge/internal/providers/anthropic"
)

// messageText flattens string or block content into plain text.
func messageText(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var text string
		for _, raw := range v {
			block, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := block["text"].(string); ok {
				text += t
			}
			if t, ok := block["content"].(string); ok {
				text += t
			}
		}
		return text
	}
	return ""
}

func (s *Server) handleMessages(c echo.Context) error {
	var req anthropic.MessagesRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.Model == MissingModel {
		return modelNotFound(req.Model)
	}
	if req.MaxTokens <= 0 {
		return apiError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: "max_tokens: field required"}
	}
	if len(req.Messages) == 0 || req.Messages[0].Role != models.RoleUser {
		return apiError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: "messages: first message must use the \"user\" role"}
	}
	for i := 1; i < len(req.Messages); i++ {
		if req.Messages[i].Role == req.Messages[i-1].Role {
			return apiError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: "messages: roles must alternate between \"user\" and \"assistant\""}
		}
	}

	var prompt string
	inputTokens := countWords(req.System)
	for _, m := range req.Messages {
		text := messageText(m.Content)
		inputTokens += countWords(text)
		if m.Role == models.RoleUser {
			prompt = text
		}
	}

	var blocks []anthropic.ContentBlock
	stop := "end_turn"
	outputTokens := 1
	if wantsTool(prompt, len(req.Tools)) {
		blocks = append(blocks, anthropic.ContentBlock{
			Type:  "tool_use",
			ID:    "toolu_" + uuid.NewString(),
			Name:  req.Tools[0].Name,
			Input: json.RawMessage(toolArguments(prompt)),
		})
		stop = "tool_use"
	} else {
		text := Reply(prompt)
		blocks = append(blocks, anthropic.ContentBlock{Type: "text", Text: text})
		outputTokens = countWords(text)
	}

	msg := anthropic.MessagesResponse{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       models.RoleAssistant,
		Model:      req.Model,
		Content:    blocks,
		StopReason: stop,
		Usage:      anthropic.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
	}
	if req.Stream {
		return s.streamMessage(c, msg)
	}
	return c.JSON(http.StatusOK, msg)
}

func (s *Server) streamMessage(c echo.Context, msg anthropic.MessagesResponse) error {
	ctx := c.Request().Context()
	res := sse(c)

	start := msg
	start.Content = []anthropic.ContentBlock{}
	start.StopReason = ""
	start.Usage = anthropic.Usage{InputTokens: msg.Usage.InputTokens}
	if err := writeFrame(res, "message_start", map[string]any{"type": "message_start", "message": start}); err != nil {
		return err
	}

	for i, block := range msg.Content {
		var deltas []map[string]any
		head := block
		if block.Type == "tool_use" {
			head.Input = json.RawMessage("{}")
			args := string(block.Input)
			half := len(args) / 2
			for _, part := range []string{args[:half], args[half:]} {
				deltas = append(deltas, map[string]any{"type": "input_json_delta", "partial_json": part})
			}
		} else {
			head.Text = ""
			for _, word := range splitWords(block.Text) {
				deltas = append(deltas, map[string]any{"type": "text_delta", "text": word})
			}
		}

		if err := writeFrame(res, "content_block_start", map[string]any{"type": "content_block_start", "index": i, "content_block": head}); err != nil {
			return err
		}
		for _, d := range deltas {
			if !s.pause(ctx) {
				return nil
			}
			if err := writeFrame(res, "content_block_delta", map[string]any{"type": "content_block_delta", "index": i, "delta": d}); err != nil {
				return err
			}
		}
		if err := writeFrame(res, "content_block_stop", map[string]any{"type": "content_block_stop", "index": i}); err != nil {
			return err
		}
	}

	if err := writeFrame(res, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": msg.StopReason},
		"usage": map[string]any{"output_tokens": msg.Usage.OutputTokens},
	}); err != nil {
		return err
	}
	return writeFrame(res, "message_stop", map[string]any{"type": "message_stop"})
}
