package mockupstream

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"chatbridge/internal/models"
	"chatbridge/internal/providers/openai"
)

func lastOpenAIUser(msgs []openai.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return msgs[i].Content
		}
	}
	return ""
}

func openAIPromptTokens(msgs []openai.Message) int {
	n := 0
	for _, m := range msgs {
		n += countWords(m.Content)
	}
	return n
}

func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": "gpt-4o-mini", "object": "model", "created": time.Now().Unix()},
		},
	})
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req openai.ChatCompletionRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.Model == MissingModel {
		return modelNotFound(req.Model)
	}

	prompt := lastOpenAIUser(req.Messages)
	usage := &openai.Usage{PromptTokens: openAIPromptTokens(req.Messages)}

	var call *openai.ToolCall
	content := ""
	if wantsTool(prompt, len(req.Tools)) {
		call = &openai.ToolCall{
			ID:       "call_" + uuid.NewString(),
			Type:     "function",
			Function: openai.FunctionCall{Name: req.Tools[0].Function.Name, Arguments: toolArguments(prompt)},
		}
		usage.CompletionTokens = 1
	} else {
		content = Reply(prompt)
		usage.CompletionTokens = countWords(content)
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	if req.Stream {
		return s.streamChatCompletion(c, req, content, call, usage)
	}

	msg := openai.ResponseMessage{Role: models.RoleAssistant}
	finish := "stop"
	if call != nil {
		msg.ToolCalls = []openai.ToolCall{*call}
		finish = "tool_calls"
	} else {
		msg.Content = &content
	}
	return c.JSON(http.StatusOK, openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Model:   req.Model,
		Choices: []openai.Choice{{Message: msg, FinishReason: finish}},
		Usage:   usage,
	})
}

func (s *Server) streamChatCompletion(c echo.Context, req openai.ChatCompletionRequest, content string, call *openai.ToolCall, usage *openai.Usage) error {
	ctx := c.Request().Context()
	res := sse(c)

	chunk := func(delta openai.StreamDelta, finish *string) openai.StreamResponse {
		return openai.StreamResponse{
			Model:   req.Model,
			Choices: []openai.StreamChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	finish := "stop"
	if call != nil {
		finish = "tool_calls"
		args := call.Function.Arguments
		half := len(args) / 2
		fragments := []openai.StreamToolCall{
			{ID: call.ID, Function: openai.FunctionCall{Name: call.Function.Name, Arguments: args[:half]}},
			{Function: openai.FunctionCall{Arguments: args[half:]}},
		}
		for _, f := range fragments {
			if !s.pause(ctx) {
				return nil
			}
			if err := writeFrame(res, "", chunk(openai.StreamDelta{ToolCalls: []openai.StreamToolCall{f}}, nil)); err != nil {
				return err
			}
		}
	} else {
		for _, word := range splitWords(content) {
			if !s.pause(ctx) {
				return nil
			}
			if err := writeFrame(res, "", chunk(openai.StreamDelta{Content: word}, nil)); err != nil {
				return err
			}
		}
	}

	if err := writeFrame(res, "", chunk(openai.StreamDelta{}, &finish)); err != nil {
		return err
	}
	if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		if err := writeFrame(res, "", openai.StreamResponse{Model: req.Model, Choices: []openai.StreamChoice{}, Usage: usage}); err != nil {
			return err
		}
	}
	if _, err := res.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	res.Flush()
	return nil
}
