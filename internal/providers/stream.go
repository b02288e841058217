package providers

import (
	"context"
	"io"
	"net/http"
	"sort"
	"strings"

	"chatbridge/internal/models"
)

type pendingCall struct {
	id      string
	name    string
	args    strings.Builder
	started bool
}

// Reassembler accumulates one stream's deltas into a final ChatResponse and decides
// which chunks to emit along the way. It is not safe for concurrent use.
type Reassembler struct {
	content strings.Builder
	calls   map[int]*pendingCall
	usage   models.Usage
	model   string
}

// NewReassembler starts a stream for the requested model.
func NewReassembler(model string) *Reassembler {
	return &Reassembler{calls: make(map[int]*pendingCall), model: model}
}

// Text appends a content delta.
func (r *Reassembler) Text(delta string) []models.StreamChunk {
	if delta == "" {
		return nil
	}
	r.content.WriteString(delta)
	return []models.StreamChunk{models.TextChunk(delta)}
}

// ToolCall records a tool call fragment for index. id and name may arrive once or
// repeatedly; tool_start is emitted the first time a name is known, tool_delta for
// every argument fragment after that. Fragments seen before the name are flushed as
// one tool_delta right after tool_start.
func (r *Reassembler) ToolCall(index int, id, name, argsDelta string) []models.StreamChunk {
	call, ok := r.calls[index]
	if !ok {
		call = &pendingCall{}
		r.calls[index] = call
	}
	if id != "" && call.id == "" {
		call.id = id
	}
	if name != "" && call.name == "" {
		call.name = name
	}

	var out []models.StreamChunk
	if call.name != "" && !call.started {
		call.started = true
		if call.id == "" {
			call.id = models.NewToolCallID()
		}
		out = append(out, models.ToolStartChunk(index, call.id, call.name))
		if call.args.Len() > 0 {
			out = append(out, models.ToolDeltaChunk(index, call.args.String()))
		}
	}
	if argsDelta != "" {
		call.args.WriteString(argsDelta)
		if call.started {
			out = append(out, models.ToolDeltaChunk(index, argsDelta))
		}
	}
	return out
}

// SetInputTokens records prompt-side usage; zero values are ignored so a later event
// cannot erase an earlier report.
func (r *Reassembler) SetInputTokens(input, cached int) {
	if input > 0 {
		r.usage.InputTokens = input
	}
	if cached > 0 {
		r.usage.CachedInputTokens = cached
	}
}

// SetOutputTokens records completion-side usage.
func (r *Reassembler) SetOutputTokens(output int) {
	if output > 0 {
		r.usage.OutputTokens = output
	}
}

// SetModel overwrites the model with the one the vendor reports.
func (r *Reassembler) SetModel(model string) {
	if model != "" {
		r.model = model
	}
}

// Response builds the accumulated response. Tool calls that never got a name are dropped.
func (r *Reassembler) Response() models.ChatResponse {
	indexes := make([]int, 0, len(r.calls))
	for i := range r.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	calls := make([]models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		c := r.calls[i]
		if c.name == "" {
			continue
		}
		calls = append(calls, models.ToolCall{ID: c.id, Name: c.name, Arguments: c.args.String()})
	}
	return models.Normalize(models.ChatResponse{
		Content:   r.content.String(),
		ToolCalls: calls,
		Usage:     r.usage,
		Model:     r.model,
	}, r.model)
}

// Finish returns the terminal done chunk.
func (r *Reassembler) Finish() models.StreamChunk {
	return models.DoneChunk(r.Response())
}

// Emitter sends chunks until the stream's context is cancelled.
type Emitter struct {
	ctx context.Context
	out chan<- models.StreamChunk
}

// NewEmitter wraps out.
func NewEmitter(ctx context.Context, out chan<- models.StreamChunk) *Emitter {
	return &Emitter{ctx: ctx, out: out}
}

// Send delivers chunks in order. It returns false once ctx is done.
func (e *Emitter) Send(chunks ...models.StreamChunk) bool {
	for _, c := range chunks {
		if e.ctx.Err() != nil {
			return false
		}
		select {
		case <-e.ctx.Done():
			return false
		case e.out <- c:
		}
	}
	return true
}

// StreamBody runs decode over resp.Body in a goroutine and returns the chunk channel.
// The body is closed when ctx is cancelled, which unblocks any pending read; in that
// case no terminal chunk is sent. decode returns the terminal chunk to emit, or
// ok=false when it was interrupted by cancellation.
func StreamBody(ctx context.Context, resp *http.Response, decode func(body io.Reader, emit *Emitter) (models.StreamChunk, bool)) <-chan models.StreamChunk {
	out := make(chan models.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()

		emit := NewEmitter(ctx, out)
		terminal, ok := decode(resp.Body, emit)
		if !ok || ctx.Err() != nil {
			return
		}
		emit.Send(terminal)
	}()
	return out
}
