package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	SSEDataPrefix = "data: "
	SSEDone       = "[DONE]"
)

// DoneFrame terminates a re-framed stream.
var DoneFrame = []byte("data: [DONE]\n\n")

// LineBuffer accumulates network fragments and hands back complete lines.
// An unterminated trailing line is held until a later Feed completes it.
type LineBuffer struct {
	pending []byte
}

// Feed appends p and returns every newline-terminated line, without the
// line terminator.
func (b *LineBuffer) Feed(p []byte) []string {
	b.pending = append(b.pending, p...)

	var lines []string
	for {
		i := bytes.IndexByte(b.pending, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(b.pending[:i], []byte{'\r'})
		lines = append(lines, string(line))
		b.pending = b.pending[i+1:]
	}

	// Compact so the backing array does not grow without bound on long streams.
	if len(b.pending) == 0 {
		b.pending = b.pending[:0:0]
	}

	return lines
}

// Flush returns whatever partial line is left once the stream ends.
func (b *LineBuffer) Flush() string {
	rest := string(bytes.TrimSuffix(b.pending, []byte{'\r'}))
	b.pending = nil

	return rest
}

// Pending reports the size of the held partial line.
func (b *LineBuffer) Pending() int {
	return len(b.pending)
}

// LineKind classifies one line of an upstream event stream.
type LineKind int

const (
	LineSkip LineKind = iota
	LineData
	LineDone
)

// ClassifyLine extracts the JSON payload of an SSE line. Lines with the
// "data:" prefix yield their payload; "[DONE]" is reported separately;
// bare JSON objects are accepted for providers that omit the prefix.
// Comments, event names and blank lines are skipped.
func ClassifyLine(line string) (LineKind, []byte) {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 {
		return LineSkip, nil
	}

	if payload, ok := bytes.CutPrefix(trimmed, []byte("data:")); ok {
		payload = bytes.TrimSpace(payload)
		if string(payload) == SSEDone {
			return LineDone, nil
		}
		if len(payload) == 0 {
			return LineSkip, nil
		}

		return LineData, payload
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		return LineData, trimmed
	}

	return LineSkip, nil
}

// EncodeChunk frames a chunk as one SSE data event.
func EncodeChunk(chunk *UnifiedChunk) ([]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("marshal chunk: %w", err)
	}

	out := make([]byte, 0, len(SSEDataPrefix)+len(data)+2)
	out = append(out, SSEDataPrefix...)
	out = append(out, data...)
	out = append(out, '\n', '\n')

	return out, nil
}
