package openai

import (
	"encoding/json"
	"fmt"
	"io"

	"chatbridge/internal/models"
	"chatbridge/internal/providers"
	"chatbridge/pkg/httputil"
	"chatbridge/pkg/logger"
)

func (p *Provider) decodeStream(r io.Reader, emit *providers.Emitter, model string) (models.StreamChunk, bool) {
	asm := providers.NewReassembler(model)
	dec := httputil.NewLineDecoder(r)
	for {
		payload, err := dec.Next()
		if err == io.EOF {
			return asm.Finish(), true
		}
		if err != nil {
			logger.Error("stream read failed", "error", err, "provider", p.name, "model", model)
			return models.ErrorChunk(fmt.Errorf("%s: stream: %w", p.name, err)), true
		}

		var chunk StreamResponse
		if json.Unmarshal(payload, &chunk) != nil {
			continue
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return models.ErrorChunk(&providers.APIError{Provider: p.name, Type: chunk.Error.Type, Message: chunk.Error.Message}), true
		}
		if !emit.Send(ApplyStreamChunk(asm, chunk)...) {
			return models.StreamChunk{}, false
		}
	}
}

// ApplyStreamChunk folds one payload into asm and returns the chunks to emit.
// Usage and model are taken before looking at choices: with include_usage the final
// payload has usage and an empty choices list.
func ApplyStreamChunk(asm *providers.Reassembler, chunk StreamResponse) []models.StreamChunk {
	asm.SetModel(chunk.Model)
	if chunk.Usage != nil {
		u := chunk.Usage.toModel()
		asm.SetInputTokens(u.InputTokens, u.CachedInputTokens)
		asm.SetOutputTokens(u.OutputTokens)
	}
	if len(chunk.Choices) == 0 {
		return nil
	}

	delta := chunk.Choices[0].Delta
	out := asm.Text(delta.Content)
	for _, tc := range delta.ToolCalls {
		out = append(out, asm.ToolCall(tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments)...)
	}
	return out
}
