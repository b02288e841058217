package httputil

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

const readSize = 4096

var (
	dataPrefix  = []byte("data:")
	eventPrefix = []byte("event:")
	doneMarker  = []byte("[DONE]")
)

// frameReader splits a byte stream into delimiter-terminated units. Bytes after the
// last delimiter stay buffered until the next read completes them; end of stream
// terminates whatever is left.
type frameReader struct {
	r   io.Reader
	sep []byte
	buf []byte
	eof bool
	err error
}

func (f *frameReader) next() ([]byte, error) {
	for {
		if i := bytes.Index(f.buf, f.sep); i >= 0 {
			unit := f.buf[:i]
			f.buf = f.buf[i+len(f.sep):]
			return unit, nil
		}
		if f.eof {
			if len(f.buf) > 0 {
				unit := f.buf
				f.buf = nil
				return unit, nil
			}
			if f.err != nil {
				return nil, f.err
			}
			return nil, io.EOF
		}
		f.fill()
	}
}

func (f *frameReader) fill() {
	chunk := make([]byte, readSize)
	n, err := f.r.Read(chunk)
	if n > 0 {
		f.buf = append(f.buf, normalizeNewlines(chunk[:n])...)
	}
	if err != nil {
		f.eof = true
		if !errors.Is(err, io.EOF) {
			f.err = err
		}
	}
}

// normalizeNewlines drops carriage returns so "\r\n" framing splits like "\n".
func normalizeNewlines(b []byte) []byte {
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	return bytes.ReplaceAll(b, []byte("\r"), nil)
}

func fieldValue(line, prefix []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, prefix) {
		return nil, false
	}
	return bytes.TrimSpace(line[len(prefix):]), true
}

// LineDecoder decodes the generic "data: {json}" framing used by OpenAI-compatible
// streaming endpoints.
type LineDecoder struct {
	frames frameReader
	done   bool
}

// NewLineDecoder wraps r.
func NewLineDecoder(r io.Reader) *LineDecoder {
	return &LineDecoder{frames: frameReader{r: r, sep: []byte("\n")}}
}

// Next returns the next JSON payload. It returns io.EOF after "data: [DONE]" or at
// the end of the stream. Blank lines, non-data lines and payloads that are not valid
// JSON are skipped.
func (d *LineDecoder) Next() (json.RawMessage, error) {
	if d.done {
		return nil, io.EOF
	}
	for {
		line, err := d.frames.next()
		if err != nil {
			d.done = true
			return nil, err
		}
		payload, ok := parseDataLine(line)
		if !ok {
			continue
		}
		if bytes.Equal(payload, doneMarker) {
			d.done = true
			return nil, io.EOF
		}
		if !json.Valid(payload) {
			continue
		}
		return append(json.RawMessage(nil), payload...), nil
	}
}

func parseDataLine(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	payload, ok := fieldValue(line, dataPrefix)
	if !ok || len(payload) == 0 {
		return nil, false
	}
	return payload, true
}

// Event is one named server-sent event.
type Event struct {
	Name string
	Data json.RawMessage
}

// EventDecoder decodes the Anthropic framing: blocks separated by a blank line, each
// carrying an "event: <type>" line and a "data: {json}" line.
type EventDecoder struct {
	frames frameReader
}

// NewEventDecoder wraps r.
func NewEventDecoder(r io.Reader) *EventDecoder {
	return &EventDecoder{frames: frameReader{r: r, sep: []byte("\n\n")}}
}

// Next returns the next complete event, or io.EOF at the end of the stream.
// Blocks missing either part, or whose data is not valid JSON, are skipped.
func (d *EventDecoder) Next() (Event, error) {
	for {
		block, err := d.frames.next()
		if err != nil {
			return Event{}, err
		}
		if ev, ok := parseEventBlock(block); ok {
			return ev, nil
		}
	}
}

func parseEventBlock(block []byte) (Event, bool) {
	var name, data []byte
	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if v, ok := fieldValue(line, eventPrefix); ok {
			name = v
			continue
		}
		if v, ok := fieldValue(line, dataPrefix); ok {
			data = v
		}
	}
	if len(name) == 0 || len(data) == 0 || !json.Valid(data) {
		return Event{}, false
	}
	return Event{Name: string(name), Data: append(json.RawMessage(nil), data...)}, true
}
