package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
	"chatbridge/pkg/retry"
)

// --- resolveModel ---

func TestResolveModel_CallModelNonEmpty(t *testing.T) {
	p := NewProvider("openai", "key", "", "")
	got := p.resolveModel("gpt-4o")
	if got != "gpt-4o" {
		t.Errorf("expected gpt-4o, got %q", got)
	}
}

func TestResolveModel_UsesRuntimeDefault(t *testing.T) {
	p := NewProvider("openai", "key", "", "my-runtime-model")
	got := p.resolveModel("")
	if got != "my-runtime-model" {
		t.Errorf("expected my-runtime-model, got %q", got)
	}
}

func TestResolveModel_FallsBackToConst(t *testing.T) {
	p := NewProvider("openai", "key", "", "")
	got := p.resolveModel("")
	if got != DefaultModel {
		t.Errorf("expected DefaultModel %q, got %q", DefaultModel, got)
	}
}

// --- SetDefaultModel thread safety ---

func TestSetDefaultModel_Race(t *testing.T) {
	p := NewProvider("openai", "key", "", "initial")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.SetDefaultModel("updated")
		}()
		go func() {
			defer wg.Done()
			_ = p.resolveModel("") // concurrent read
		}()
	}
	wg.Wait()
}

// --- Chat with mock HTTP server ---

func noRetry() Option {
	return WithRetry(&retry.Executor{MaxRetries: 0})
}

func userHi() models.ChatRequest {
	return models.ChatRequest{Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}}}
}

func TestChat_EndToEnd(t *testing.T) {
	var gotAuth string
	var gotBody ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	p := NewProvider("openai", "sk-test", srv.URL, "")
	resp, err := p.Chat(context.Background(), userHi(), models.CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("expected content hello, got %q", resp.Content)
	}
	if resp.ToolCalls == nil || len(resp.ToolCalls) != 0 {
		t.Errorf("expected empty non-nil tool calls, got %#v", resp.ToolCalls)
	}
	if resp.Usage.InputTokens != 3 || resp.Usage.OutputTokens != 1 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("expected model gpt-4o-mini, got %q", resp.Model)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.Model != "gpt-4o-mini" || gotBody.MaxTokens != DefaultMaxTokens || gotBody.Stream {
		t.Errorf("unexpected request body %+v", gotBody)
	}
}

func TestChat_CallKeyAndModelOverride(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotAuth, gotModel = r.Header.Get("Authorization"), req.Model
		w.Write([]byte(`{"model":"gpt-4o-2024-08-06","choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := NewProvider("openai", "configured", srv.URL, "")
	resp, err := p.Chat(context.Background(), userHi(), models.CallOptions{APIKey: "per-call", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer per-call" || gotModel != "gpt-4o" {
		t.Errorf("overrides not applied: auth=%q model=%q", gotAuth, gotModel)
	}
	if resp.Model != "gpt-4o-2024-08-06" {
		t.Errorf("expected vendor-reported model, got %q", resp.Model)
	}
}

func TestChat_MissingKey(t *testing.T) {
	p := NewProvider("openai", "", "http://127.0.0.1:1", "")
	_, err := p.Chat(context.Background(), userHi(), models.CallOptions{})
	if !errors.Is(err, providers.ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Errorf("expected classifiable message, got %q", err.Error())
	}
}

func TestChat_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"messages must not be empty"}}`))
	}))
	defer srv.Close()

	p := NewProvider("openai", "k", srv.URL, "", noRetry())
	_, err := p.Chat(context.Background(), userHi(), models.CallOptions{})
	if providers.StatusCode(err) != http.StatusBadRequest {
		t.Fatalf("expected status 400 error, got %v", err)
	}
	if !strings.Contains(err.Error(), "messages must not be empty") {
		t.Errorf("expected vendor message, got %q", err.Error())
	}
}

func TestChat_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"second"}}]}`))
	}))
	defer srv.Close()

	p := NewProvider("openai", "k", srv.URL, "", WithRetry(&retry.Executor{MaxRetries: 2, BaseDelay: time.Millisecond}))
	resp, err := p.Chat(context.Background(), userHi(), models.CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "second" || calls.Load() != 2 {
		t.Errorf("expected success on second attempt, got %q after %d calls", resp.Content, calls.Load())
	}
}

func TestChat_NoRetryOnAuth(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewProvider("openai", "bad", srv.URL, "", WithRetry(&retry.Executor{MaxRetries: 2, BaseDelay: time.Millisecond}))
	if _, err := p.Chat(context.Background(), userHi(), models.CallOptions{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestChat_ModelFallbackOn404(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req.Model)
		if req.Model != DefaultModel {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := NewProvider("openai", "k", srv.URL, "retired-model", noRetry(), WithModelFallback(true))
	resp, err := p.Chat(context.Background(), userHi(), models.CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != 2 || seen[1] != DefaultModel || resp.Model != DefaultModel {
		t.Errorf("expected fallback to %s, got calls %v model %q", DefaultModel, seen, resp.Model)
	}
}

func TestChat_No404FallbackByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewProvider("openai", "k", srv.URL, "retired-model", noRetry())
	_, err := p.Chat(context.Background(), userHi(), models.CallOptions{})
	if providers.StatusCode(err) != http.StatusNotFound {
		t.Errorf("expected 404 error, got %v", err)
	}
}

func TestChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x","usage":{"prompt_tokens":12,"completion_tokens":0}}`))
	}))
	defer srv.Close()

	p := NewProvider("openai", "k", srv.URL, "")
	resp, err := p.Chat(context.Background(), userHi(), models.CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" || len(resp.ToolCalls) != 0 || resp.Usage != (models.Usage{}) || resp.Model != DefaultModel {
		t.Errorf("expected empty zero-usage response, got %+v", resp)
	}
}

func TestChat_TolerantDecode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.ChatResponse
	}{
		{
			name: "numeric content",
			body: `{"model":"gpt-4o","choices":[{"message":{"content":123}}],"usage":{"prompt_tokens":4,"completion_tokens":2}}`,
			want: models.ChatResponse{Model: "gpt-4o", ToolCalls: []models.ToolCall{}, Usage: models.Usage{InputTokens: 4, OutputTokens: 2}},
		},
		{
			name: "string usage counter",
			body: `{"choices":[{"message":{"content":"hi"}}],"usage":{"prompt_tokens":"3","completion_tokens":1}}`,
			want: models.ChatResponse{Content: "hi", Model: DefaultModel, ToolCalls: []models.ToolCall{}, Usage: models.Usage{OutputTokens: 1}},
		},
		{
			name: "choices not a list",
			body: `{"choices":"filtered"}`,
			want: models.ChatResponse{Model: DefaultModel, ToolCalls: []models.ToolCall{}},
		},
		{
			name: "object arguments",
			body: `{"choices":[{"message":{"tool_calls":[{"id":"call_1","function":{"name":"f","arguments":{"x":1}}}]}}]}`,
			want: models.ChatResponse{Model: DefaultModel, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "f", Arguments: `{"x":1}`}}},
		},
		{
			name: "json array body",
			body: `[1,2]`,
			want: models.ChatResponse{Model: DefaultModel, ToolCalls: []models.ToolCall{}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := NewProvider("openai", "k", srv.URL, "").Chat(context.Background(), userHi(), models.CallOptions{})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Content != tt.want.Content || resp.Model != tt.want.Model || resp.Usage != tt.want.Usage {
				t.Errorf("got %+v, want %+v", resp, tt.want)
			}
			if len(resp.ToolCalls) != len(tt.want.ToolCalls) {
				t.Fatalf("got tool calls %+v, want %+v", resp.ToolCalls, tt.want.ToolCalls)
			}
			for i := range resp.ToolCalls {
				if resp.ToolCalls[i] != tt.want.ToolCalls[i] {
					t.Errorf("tool call %d: got %+v, want %+v", i, resp.ToolCalls[i], tt.want.ToolCalls[i])
				}
			}
		})
	}
}

func TestChat_NonJSONBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>maintenance</html>"))
	}))
	defer srv.Close()

	if _, err := NewProvider("openai", "k", srv.URL, "", noRetry()).Chat(context.Background(), userHi(), models.CallOptions{}); err == nil {
		t.Error("expected decode error for a non-JSON body")
	}
}

func TestCompatible_OptionalAuth(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		w.Write([]byte(`{"choices":[{"message":{"content":"local"}}]}`))
	}))
	defer srv.Close()

	p := NewCompatible("lmstudio", "", srv.URL, "qwen2.5")
	if p.Capabilities().RequiresAPIKey || p.Capabilities().SupportsNativeTools {
		t.Errorf("unexpected capabilities %+v", p.Capabilities())
	}
	resp, err := p.Chat(context.Background(), userHi(), models.CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sawAuth {
		t.Error("expected no Authorization header without a key")
	}
	if resp.Model != "qwen2.5" {
		t.Errorf("expected configured default model, got %q", resp.Model)
	}
}

func TestIsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	ok, err := NewProvider("openai", "k", srv.URL, "").IsAvailable(context.Background())
	if err != nil || !ok {
		t.Errorf("expected available, got %v, %v", ok, err)
	}
	ok, err = NewProvider("openai", "", srv.URL, "").IsAvailable(context.Background())
	if err != nil || ok {
		t.Errorf("expected unavailable without key, got %v, %v", ok, err)
	}
}
