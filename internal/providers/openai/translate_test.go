package openai

import (
	"encoding/json"
	"testing"

	"chatbridge/internal/models"
)

func toolConversation() models.ChatRequest {
	return models.ChatRequest{
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "weather?"},
			{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "call_1", Name: "weather", Arguments: `{"city":"Oslo"}`}}},
			{Role: models.RoleTool, ToolCallID: "call_1", Name: "weather", Content: "rain"},
		},
		Tools: []models.ToolSpec{{Name: "weather", Description: "forecast", Parameters: map[string]any{"type": "object"}}},
	}
}

func TestBuildRequest_NativeTools(t *testing.T) {
	temp := 0.2
	got := BuildRequest(toolConversation(), "gpt-4o", models.CallOptions{MaxTokens: 100, Temperature: &temp}, true)

	if got.Model != "gpt-4o" || got.MaxTokens != 100 || got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("unexpected envelope %+v", got)
	}
	if len(got.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got.Messages))
	}
	if got.Messages[0].Role != "system" {
		t.Errorf("system role should pass through, got %q", got.Messages[0].Role)
	}
	call := got.Messages[2].ToolCalls
	if len(call) != 1 || call[0].Type != "function" || call[0].ID != "call_1" || call[0].Function.Name != "weather" {
		t.Errorf("assistant tool call not repacked: %+v", call)
	}
	tool := got.Messages[3]
	if tool.ToolCallID != "call_1" || tool.Name != "weather" || tool.Content != "rain" {
		t.Errorf("tool result not carried: %+v", tool)
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" || got.Tools[0].Function.Description != "forecast" {
		t.Errorf("tools not wrapped: %+v", got.Tools)
	}
}

func TestBuildRequest_DegradesWithoutNativeTools(t *testing.T) {
	got := BuildRequest(toolConversation(), "llama3", models.CallOptions{}, false)

	if len(got.Tools) != 0 {
		t.Errorf("expected no tools, got %+v", got.Tools)
	}
	// the content-less assistant tool call is dropped
	if len(got.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %+v", got.Messages)
	}
	last := got.Messages[2]
	if last.Role != "user" || last.Content != "[weather result] rain" || last.ToolCallID != "" {
		t.Errorf("tool result not degraded: %+v", last)
	}
	if got.MaxTokens != DefaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", got.MaxTokens)
	}
}

func TestBuildRequest_OmitsEmptyOptionalFields(t *testing.T) {
	got := BuildRequest(models.ChatRequest{Messages: []models.Message{{Role: "user", Content: "x"}}}, "m", models.CallOptions{}, true)
	data, _ := json.Marshal(got)
	var raw map[string]any
	json.Unmarshal(data, &raw)
	for _, key := range []string{"tools", "temperature", "stream", "stream_options"} {
		if _, ok := raw[key]; ok {
			t.Errorf("expected %s to be omitted: %s", key, data)
		}
	}
}

func TestParseResponse_ToolCallsAndCachedTokens(t *testing.T) {
	body := `{"model":"gpt-4o","choices":[{"message":{"content":null,"tool_calls":[
		{"id":"call_9","type":"function","function":{"name":"weather","arguments":"{\"city\":\"Oslo\"}"}},
		{"id":"call_x","type":"function","function":{"name":"","arguments":"{}"}}]}}],
		"usage":{"prompt_tokens":20,"completion_tokens":5,"prompt_tokens_details":{"cached_tokens":8}}}`
	resp, err := ParseResponse([]byte(body), "fallback")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "" {
		t.Errorf("expected empty content, got %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "weather" || resp.ToolCalls[0].Arguments != `{"city":"Oslo"}` {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage != (models.Usage{InputTokens: 20, OutputTokens: 5, CachedInputTokens: 8}) {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("expected gpt-4o, got %q", resp.Model)
	}
}

func TestParseResponse_Garbage(t *testing.T) {
	if _, err := ParseResponse([]byte("<html>"), "m"); err == nil {
		t.Error("expected decode error")
	}
}
