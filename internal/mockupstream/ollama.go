package mockupstream

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"chatbridge/internal/models"
)

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
}

func (s *Server) handleTags(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"models": []map[string]string{{"name": "llama3.2:latest"}},
	})
}

func (s *Server) handleOllamaChat(c echo.Context) error {
	var req ollamaChatRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	if req.Model == MissingModel {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "model '" + req.Model + "' not found"})
	}

	var prompt string
	promptTokens := 0
	for _, m := range req.Messages {
		promptTokens += countWords(m.Content)
		if m.Role == models.RoleUser {
			prompt = m.Content
		}
	}
	reply := Reply(prompt)
	final := ollamaChatResponse{
		Model:           req.Model,
		Message:         ollamaMessage{Role: models.RoleAssistant},
		Done:            true,
		PromptEvalCount: promptTokens,
		EvalCount:       countWords(reply),
	}

	if !req.Stream {
		final.Message.Content = reply
		return c.JSON(http.StatusOK, final)
	}

	ctx := c.Request().Context()
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(res)
	for _, word := range splitWords(reply) {
		if !s.pause(ctx) {
			return nil
		}
		if err := enc.Encode(ollamaChatResponse{Model: req.Model, Message: ollamaMessage{Role: models.RoleAssistant, Content: word}}); err != nil {
			return err
		}
		res.Flush()
	}
	if err := enc.Encode(final); err != nil {
		return err
	}
	res.Flush()
	return nil
}
