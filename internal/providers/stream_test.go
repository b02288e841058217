package providers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"chatbridge/internal/models"
)

func TestReassembler_TextAndTools(t *testing.T) {
	r := NewReassembler("m1")

	var chunks []models.StreamChunk
	chunks = append(chunks, r.Text("Hel")...)
	chunks = append(chunks, r.Text("")...)
	chunks = append(chunks, r.Text("lo")...)
	// id arrives before the name; the argument fragment is held until then
	chunks = append(chunks, r.ToolCall(1, "call_b", "", `{"q":`)...)
	chunks = append(chunks, r.ToolCall(1, "", "search", "")...)
	chunks = append(chunks, r.ToolCall(1, "", "", `"go"}`)...)
	chunks = append(chunks, r.ToolCall(0, "call_a", "lookup", `{}`)...)
	// never named
	chunks = append(chunks, r.ToolCall(2, "call_c", "", `{"x":1}`)...)
	r.SetInputTokens(10, 4)
	r.SetOutputTokens(3)
	r.SetInputTokens(0, 0)
	r.SetModel("m1-2024")

	wantTypes := []models.ChunkType{
		models.ChunkText, models.ChunkText,
		models.ChunkToolStart, models.ChunkToolDelta, models.ChunkToolDelta,
		models.ChunkToolStart, models.ChunkToolDelta,
	}
	if len(chunks) != len(wantTypes) {
		t.Fatalf("expected %d chunks, got %d: %+v", len(wantTypes), len(chunks), chunks)
	}
	for i, want := range wantTypes {
		if chunks[i].Type != want {
			t.Errorf("chunk %d: expected %s, got %s", i, want, chunks[i].Type)
		}
	}
	if chunks[2].ID != "call_b" || chunks[2].Name != "search" || chunks[2].Index != 1 {
		t.Errorf("unexpected tool_start: %+v", chunks[2])
	}
	if chunks[3].Arguments != `{"q":` || chunks[4].Arguments != `"go"}` {
		t.Errorf("unexpected deltas: %+v %+v", chunks[3], chunks[4])
	}

	done := r.Finish()
	if done.Type != models.ChunkDone || done.Response == nil {
		t.Fatalf("expected done chunk, got %+v", done)
	}
	resp := *done.Response
	if resp.Content != "Hello" {
		t.Errorf("expected content Hello, got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[0].Name != "lookup" || resp.ToolCalls[1].Name != "search" {
		t.Errorf("tool calls not ordered by index: %+v", resp.ToolCalls)
	}
	if resp.ToolCalls[1].Arguments != `{"q":"go"}` {
		t.Errorf("unexpected arguments %q", resp.ToolCalls[1].Arguments)
	}
	if resp.Usage != (models.Usage{InputTokens: 10, OutputTokens: 3, CachedInputTokens: 4}) {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.Model != "m1-2024" {
		t.Errorf("expected reported model, got %q", resp.Model)
	}
}

func TestReassembler_SynthesizesMissingID(t *testing.T) {
	r := NewReassembler("m")
	out := r.ToolCall(0, "", "f", "")
	if len(out) != 1 || !strings.HasPrefix(out[0].ID, "call_") {
		t.Fatalf("expected synthesized id, got %+v", out)
	}
	resp := r.Response()
	if resp.ToolCalls[0].ID != out[0].ID {
		t.Errorf("final id %q differs from announced %q", resp.ToolCalls[0].ID, out[0].ID)
	}
	if resp.ToolCalls[0].Arguments != "{}" {
		t.Errorf("expected empty arguments to become {}, got %q", resp.ToolCalls[0].Arguments)
	}
}

func TestEmitter_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan models.StreamChunk)
	e := NewEmitter(ctx, out)
	cancel()
	if e.Send(models.TextChunk("x")) {
		t.Fatal("expected Send to fail after cancel")
	}
}

type blockingBody struct {
	once   sync.Once
	closed chan struct{}
}

func (b *blockingBody) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *blockingBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

func TestStreamBody_CancelClosesBodyWithoutTerminalChunk(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	body := &blockingBody{closed: make(chan struct{})}
	resp := &http.Response{Body: body}

	ch := StreamBody(ctx, resp, func(r io.Reader, emit *Emitter) (models.StreamChunk, bool) {
		buf := make([]byte, 8)
		if _, err := r.Read(buf); err != nil {
			return models.ErrorChunk(err), true
		}
		return models.DoneChunk(models.ChatResponse{}), true
	})
	cancel()

	select {
	case chunk, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel, got %+v", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestStreamFromChat(t *testing.T) {
	chat := func(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (models.ChatResponse, error) {
		return models.ChatResponse{Content: "full", Model: "m", ToolCalls: []models.ToolCall{}}, nil
	}
	ch, err := StreamFromChat(context.Background(), chat, models.ChatRequest{}, models.CallOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := <-ch
	if first.Type != models.ChunkText || first.Text != "full" {
		t.Errorf("expected text chunk, got %+v", first)
	}
	resp, err := Collect(ch)
	if err != nil || resp.Content != "full" {
		t.Errorf("expected done with content, got %+v, %v", resp, err)
	}
}

func TestStreamFromChat_Error(t *testing.T) {
	boom := errors.New("boom")
	chat := func(ctx context.Context, req models.ChatRequest, opts models.CallOptions) (models.ChatResponse, error) {
		return models.ChatResponse{}, boom
	}
	if _, err := StreamFromChat(context.Background(), chat, models.ChatRequest{}, models.CallOptions{}); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestResolveAPIKey(t *testing.T) {
	if _, err := ResolveAPIKey("p", true, "", models.CallOptions{}); !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
	key, err := ResolveAPIKey("p", true, "configured", models.CallOptions{APIKey: "call"})
	if err != nil || key != "call" {
		t.Errorf("expected per-call key, got %q, %v", key, err)
	}
	key, err = ResolveAPIKey("p", false, "", models.CallOptions{})
	if err != nil || key != "" {
		t.Errorf("expected empty key without error, got %q, %v", key, err)
	}
}

func TestReadAPIError_Envelopes(t *testing.T) {
	cases := []struct {
		body    string
		want    string
		errType string
	}{
		{`{"error":{"type":"invalid_request_error","message":"bad model"}}`, "bad model", "invalid_request_error"},
		{`{"error":"model not loaded"}`, "model not loaded", ""},
		{`upstream exploded`, "upstream exploded", ""},
		{``, "Bad Gateway", ""},
	}
	for _, c := range cases {
		resp := &http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader(c.body))}
		err := ReadAPIError("p", resp)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.Message != c.want || apiErr.Type != c.errType {
			t.Errorf("body %q: got message %q type %q", c.body, apiErr.Message, apiErr.Type)
		}
		if !strings.Contains(err.Error(), "502") {
			t.Errorf("expected status in message, got %q", err.Error())
		}
		if StatusCode(err) != http.StatusBadGateway {
			t.Errorf("expected StatusCode 502, got %d", StatusCode(err))
		}
	}
}
