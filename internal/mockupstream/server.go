// Package mockupstream is a fake vendor backend speaking the OpenAI, Anthropic and
// Ollama wire formats, streaming included. It answers every prompt with a
// deterministic reply so clients can be exercised end to end without credentials.
package mockupstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chatbridge/pkg/logger"
)

const (
	maxBodyBytes        = 1 << 20 // 1 MiB
	shutdownGracePeriod = 10 * time.Second

	// MissingModel always answers 404, for exercising model fallback.
	MissingModel = "mock-missing-model"
	// ReplyPrefix starts every generated reply.
	ReplyPrefix = "Mock reply: "
)

// Options tunes the mock's behaviour.
type Options struct {
	// APIKey, when set, is required as a Bearer token or x-api-key header.
	APIKey string
	// FailFirst requests are answered with FailStatus before normal service starts.
	FailFirst  int
	FailStatus int
	// ChunkDelay is slept between streamed chunks.
	ChunkDelay time.Duration
}

// Server wraps the echo application.
type Server struct {
	opts     Options
	app      *echo.Echo
	requests atomic.Int64
}

// New constructs the mock with its routes and middleware.
func New(opts Options) *Server {
	if opts.FailStatus == 0 {
		opts.FailStatus = http.StatusServiceUnavailable
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency: true,
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("mock request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
			)
			return nil
		},
	}))

	s := &Server{opts: opts, app: e}
	s.registerRoutes()
	return s
}

// Handler exposes the server for httptest.
func (s *Server) Handler() http.Handler { return s.app }

// Requests counts chat requests received, failed ones included.
func (s *Server) Requests() int64 { return s.requests.Load() }

func (s *Server) registerRoutes() {
	s.app.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	v1 := s.app.Group("/v1")
	v1.GET("/models", s.handleModels, s.bearerAuth)
	v1.POST("/chat/completions", s.handleChatCompletions, s.bearerAuth, s.injectFailures)
	v1.POST("/messages", s.handleMessages, s.anthropicAuth, s.injectFailures)

	s.app.GET("/api/tags", s.handleTags)
	s.app.POST("/api/chat", s.handleOllamaChat, s.injectFailures)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.app,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	logger.Info("Mock upstream listening", "addr", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		logger.Info("Mock upstream shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.APIKey != "" && c.Request().Header.Get("Authorization") != "Bearer "+s.opts.APIKey {
			return apiError{Status: http.StatusUnauthorized, Type: "invalid_request_error", Message: "Incorrect API key provided"}
		}
		return next(c)
	}
}

func (s *Server) anthropicAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.opts.APIKey != "" && c.Request().Header.Get("x-api-key") != s.opts.APIKey {
			return apiError{Status: http.StatusUnauthorized, Type: "authentication_error", Message: "invalid x-api-key"}
		}
		if c.Request().Header.Get("anthropic-version") == "" {
			return apiError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: "anthropic-version header is required"}
		}
		return next(c)
	}
}

func (s *Server) injectFailures(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if n := s.requests.Add(1); n <= int64(s.opts.FailFirst) {
			return apiError{Status: s.opts.FailStatus, Type: "server_error", Message: fmt.Sprintf("injected failure %d", n)}
		}
		return next(c)
	}
}

func decodeBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	req.Body = http.MaxBytesReader(c.Response(), req.Body, maxBodyBytes)
	if err := json.NewDecoder(req.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return apiError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: "request body is required"}
		}
		return apiError{Status: http.StatusBadRequest, Type: "invalid_request_error", Message: fmt.Sprintf("invalid JSON payload: %v", err)}
	}
	return nil
}

type apiError struct {
	Status  int
	Type    string
	Message string
}

func (e apiError) Error() string { return e.Message }

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var payload errorBody
	status := http.StatusInternalServerError
	payload.Error.Type = "server_error"
	payload.Error.Message = "internal server error"

	var ae apiError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ae):
		status, payload.Error.Type, payload.Error.Message = ae.Status, ae.Type, ae.Message
	case errors.As(err, &he):
		status, payload.Error.Type, payload.Error.Message = he.Code, "invalid_request_error", fmt.Sprint(he.Message)
	}
	_ = c.JSON(status, payload)
}

func modelNotFound(model string) error {
	return apiError{Status: http.StatusNotFound, Type: "not_found_error", Message: fmt.Sprintf("model %q not found", model)}
}

// sse prepares a streaming response and returns a writer for "data:" frames.
func sse(c echo.Context) *echo.Response {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	return res
}

func writeFrame(res *echo.Response, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if event != "" {
		if _, err := fmt.Fprintf(res, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(res, "data: %s\n\n", data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

func (s *Server) pause(ctx context.Context) bool {
	if s.opts.ChunkDelay <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.opts.ChunkDelay):
		return true
	}
}

// Reply is the deterministic answer to a prompt.
func Reply(prompt string) string {
	return ReplyPrefix + prompt
}

// splitWords cuts text into streamable pieces that concatenate back to text.
func splitWords(text string) []string {
	return strings.SplitAfter(text, " ")
}

func countWords(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(strings.Fields(t))
	}
	return n
}

// wantsTool reports whether a prompt should be answered with a call to the first tool.
func wantsTool(prompt string, toolCount int) bool {
	return toolCount > 0 && strings.Contains(strings.ToLower(prompt), "use tool")
}

func toolArguments(prompt string) string {
	args, _ := json.Marshal(map[string]string{"query": prompt})
	return string(args)
}
