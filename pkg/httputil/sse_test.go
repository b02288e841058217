package httputil

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestLineDecoder_ParsesDataLines(t *testing.T) {
	input := "data: {\"a\":1}\n\ndata: {\"a\":2}\n"
	dec := NewLineDecoder(strings.NewReader(input))
	var payloads []string
	for {
		p, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		payloads = append(payloads, string(p))
	}
	if len(payloads) != 2 || payloads[0] != `{"a":1}` || payloads[1] != `{"a":2}` {
		t.Errorf("unexpected payloads: %v", payloads)
	}
}

func TestLineDecoder_StopsOnDONE(t *testing.T) {
	input := "data: {\"n\":1}\ndata: [DONE]\ndata: {\"n\":2}\n"
	dec := NewLineDecoder(strings.NewReader(input))
	if _, err := dec.Next(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after [DONE], got %v", err)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("decoder should stay finished, got %v", err)
	}
}

func TestLineDecoder_SkipsMalformedJSON(t *testing.T) {
	input := "data: {\"broken\":\ndata: {\"ok\":true}\n"
	dec := NewLineDecoder(strings.NewReader(input))
	p, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(p) != `{"ok":true}` {
		t.Errorf("expected malformed line to be skipped, got %s", p)
	}
}

func TestLineDecoder_ByteAtATime(t *testing.T) {
	input := "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\r\n\r\ndata: [DONE]\r\n"
	dec := NewLineDecoder(iotest.OneByteReader(strings.NewReader(input)))
	p, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(p), `"Hi"`) {
		t.Errorf("unexpected payload %s", p)
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestLineDecoder_ReadError(t *testing.T) {
	want := errors.New("connection reset")
	dec := NewLineDecoder(iotest.ErrReader(want))
	if _, err := dec.Next(); !errors.Is(err, want) {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestEventDecoder_ParsesBlocks(t *testing.T) {
	input := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: ping\n\n" +
		"data: {\"orphan\":true}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n"
	dec := NewEventDecoder(iotest.HalfReader(strings.NewReader(input)))
	var names []string
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		names = append(names, ev.Name)
	}
	if len(names) != 2 || names[0] != "message_start" || names[1] != "content_block_delta" {
		t.Errorf("unexpected events: %v", names)
	}
}

func TestEventDecoder_ByteAtATime(t *testing.T) {
	input := "event: content_block_delta\r\ndata: {\"delta\":{\"text\":\"he\"}}\r\n\r\nevent: message_stop\r\ndata: {}\r\n\r\n"
	dec := NewEventDecoder(iotest.OneByteReader(strings.NewReader(input)))
	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Name != "content_block_delta" || string(ev.Data) != `{"delta":{"text":"he"}}` {
		t.Errorf("unexpected event: %s %s", ev.Name, ev.Data)
	}
	ev, err = dec.Next()
	if err != nil || ev.Name != "message_stop" {
		t.Errorf("expected message_stop, got %q (%v)", ev.Name, err)
	}
}
