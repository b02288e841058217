package anthropic

import (
	"encoding/json"
	"fmt"
	"io"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
	"chatbridge/pkg/httputil"
	"chatbridge/pkg/logger"
)

// StreamEvent is the data payload of one named SSE event.
type StreamEvent struct {
	Type         string            `json:"type"`
	Message      *MessagesResponse `json:"message,omitempty"`
	Index        int               `json:"index"`
	ContentBlock *ContentBlock     `json:"content_block,omitempty"`
	Delta        *StreamDelta      `json:"delta,omitempty"`
	Usage        *Usage            `json:"usage,omitempty"`
	Error        *StreamError      `json:"error,omitempty"`
}

type StreamDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type StreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (p *Provider) decodeStream(r io.Reader, emit *providers.Emitter, model string) (models.StreamChunk, bool) {
	asm := providers.NewReassembler(model)
	dec := httputil.NewEventDecoder(r)
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return asm.Finish(), true
		}
		if err != nil {
			logger.Error("stream read failed", "error", err, "provider", p.name, "model", model)
			return models.ErrorChunk(fmt.Errorf("%s: stream: %w", p.name, err)), true
		}

		var event StreamEvent
		if json.Unmarshal(ev.Data, &event) != nil {
			continue
		}
		switch ev.Name {
		case "error":
			apiErr := &providers.APIError{Provider: p.name, Message: "stream error"}
			if event.Error != nil {
				apiErr.Type, apiErr.Message = event.Error.Type, event.Error.Message
			}
			return models.ErrorChunk(apiErr), true
		case "message_stop":
			return asm.Finish(), true
		}
		if !emit.Send(ApplyEvent(asm, ev.Name, event)...) {
			return models.StreamChunk{}, false
		}
	}
}

// ApplyEvent folds one named event into asm and returns the chunks to emit. Usage is
// read first: message_delta carries the final output count next to an empty delta.
func ApplyEvent(asm *providers.Reassembler, name string, event StreamEvent) []models.StreamChunk {
	if event.Message != nil {
		asm.SetModel(event.Message.Model)
		input, cached := event.Message.Usage.inputTokens()
		asm.SetInputTokens(input, cached)
		asm.SetOutputTokens(event.Message.Usage.OutputTokens)
	}
	if event.Usage != nil {
		input, cached := event.Usage.inputTokens()
		asm.SetInputTokens(input, cached)
		asm.SetOutputTokens(event.Usage.OutputTokens)
	}

	switch name {
	case "content_block_start":
		if event.ContentBlock == nil {
			return nil
		}
		switch event.ContentBlock.Type {
		case "text":
			return asm.Text(event.ContentBlock.Text)
		case "tool_use":
			// input arrives through input_json_delta; the start block carries "{}"
			return asm.ToolCall(event.Index, event.ContentBlock.ID, event.ContentBlock.Name, "")
		}
	case "content_block_delta":
		if event.Delta == nil {
			return nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return asm.Text(event.Delta.Text)
		case "input_json_delta":
			return asm.ToolCall(event.Index, "", "", event.Delta.PartialJSON)
		}
	}
	return nil
}
