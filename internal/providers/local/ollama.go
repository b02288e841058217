package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
	"chatbridge/pkg/logger"
	"chatbridge/pkg/retry"
)

const DefaultOllamaURL = "http://localhost:11434"

// Ollama is a Runtime backed by an Ollama server's /api/chat endpoint.
type Ollama struct {
	name    string
	baseURL string
	client  *http.Client
	retry   *retry.Executor
}

func NewOllama(name, baseURL string, client *http.Client, exec *retry.Executor) *Ollama {
	if baseURL == "" {
		baseURL = DefaultOllamaURL
	}
	if client == nil {
		client = providers.NewHTTPClient(0)
	}
	if exec == nil {
		exec = retry.New()
	}
	return &Ollama{name: name, baseURL: strings.TrimRight(baseURL, "/"), client: client, retry: exec}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// Open returns a session bound to systemPrompt. Ollama keeps no server-side
// conversation, so the session only remembers the prompt.
func (o *Ollama) Open(ctx context.Context, systemPrompt string) (Session, error) {
	return &ollamaSession{rt: o, system: systemPrompt}, nil
}

// Ping reports whether the server answers GET /api/tags.
func (o *Ollama) Ping(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return providers.Get(ctx, o.client, o.baseURL+"/api/tags", nil)
}

type ollamaSession struct {
	rt     *Ollama
	system string
}

func (s *ollamaSession) Close() error { return nil }

func (s *ollamaSession) request(msgs []models.Message, opts models.CallOptions, stream bool) *ollamaRequest {
	req := &ollamaRequest{Model: opts.Model, Stream: stream}
	if s.system != "" {
		req.Messages = append(req.Messages, ollamaMessage{Role: models.RoleSystem, Content: s.system})
	}
	for _, m := range msgs {
		switch {
		case m.Role == models.RoleSystem:
			continue
		case m.Role == models.RoleTool:
			req.Messages = append(req.Messages, ollamaMessage{Role: models.RoleUser, Content: providers.ToolResultText(m)})
		case m.Role == models.RoleAssistant && m.Content == "":
			continue
		default:
			req.Messages = append(req.Messages, ollamaMessage{Role: m.Role, Content: m.Content})
		}
	}
	if opts.Temperature != nil || opts.MaxTokens > 0 {
		req.Options = &ollamaOptions{Temperature: opts.Temperature, NumPredict: opts.MaxTokens}
	}
	return req
}

func (s *ollamaSession) post(ctx context.Context, body *ollamaRequest) (*http.Response, error) {
	return retry.Run(ctx, s.rt.retry, func(ctx context.Context) (*http.Response, error) {
		return providers.PostJSON(ctx, s.rt.client, s.rt.name, s.rt.baseURL+"/api/chat", nil, body)
	})
}

func (s *ollamaSession) Chat(ctx context.Context, msgs []models.Message, opts models.CallOptions) (models.ChatResponse, error) {
	body := s.request(msgs, opts, false)
	resp, err := s.post(ctx, body)
	if err != nil {
		return models.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.ChatResponse{}, fmt.Errorf("%s: decode response: %w", s.rt.name, err)
	}
	if out.Error != "" {
		return models.ChatResponse{}, &providers.APIError{Provider: s.rt.name, Message: out.Error}
	}
	return models.Normalize(models.ChatResponse{
		Content: out.Message.Content,
		Usage:   models.Usage{InputTokens: out.PromptEvalCount, OutputTokens: out.EvalCount},
		Model:   out.Model,
	}, opts.Model), nil
}

// ChatStream reads Ollama's newline-delimited JSON stream.
func (s *ollamaSession) ChatStream(ctx context.Context, msgs []models.Message, opts models.CallOptions) (<-chan models.StreamChunk, error) {
	body := s.request(msgs, opts, true)
	resp, err := s.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return providers.StreamBody(ctx, resp, func(r io.Reader, emit *providers.Emitter) (models.StreamChunk, bool) {
		asm := providers.NewReassembler(opts.Model)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var part ollamaResponse
			if json.Unmarshal(line, &part) != nil {
				continue
			}
			if part.Error != "" {
				return models.ErrorChunk(&providers.APIError{Provider: s.rt.name, Message: part.Error}), true
			}
			asm.SetModel(part.Model)
			asm.SetInputTokens(part.PromptEvalCount, 0)
			asm.SetOutputTokens(part.EvalCount)
			if !emit.Send(asm.Text(part.Message.Content)...) {
				return models.StreamChunk{}, false
			}
			if part.Done {
				return asm.Finish(), true
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("stream read failed", "error", err, "provider", s.rt.name)
			return models.ErrorChunk(fmt.Errorf("%s: stream: %w", s.rt.name, err)), true
		}
		return asm.Finish(), true
	}), nil
}
