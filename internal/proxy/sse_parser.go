package proxy

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/tapwire/tapwire/internal/record"
)

// dataPrefix marks an SSE data frame. Anthropic streams interleave these
// with "event: <type>" lines; the data payload repeats the type, so the
// event lines carry no extra information and are ignored.
const dataPrefix = "data: "

// SSEParser incrementally reconstructs a CaptureResponse from the raw
// bytes of an Anthropic SSE stream.
//
// It is chunk-resilient: Feed may be called with arbitrary byte
// boundaries — a trailing partial line is retained between calls, so
// feeding a stream in one chunk or byte-by-byte yields the same result.
//
// Frame handling:
//   - lines are newline-separated; a frame begins with "data: "
//   - a "[DONE]" payload terminates the stream
//   - empty lines, ": comment" lines, and "event:" lines are skipped
//   - a frame whose JSON fails to parse is silently dropped
//
// A parser instance handles exactly one stream and is never reused.
type SSEParser struct {
	pending []byte // partial trailing line from the previous chunk
	done    bool   // saw [DONE]
	acc     accumulator
}

// NewSSEParser creates a parser for one upstream stream.
func NewSSEParser() *SSEParser {
	return &SSEParser{}
}

// Feed consumes the next chunk of upstream bytes. It never blocks and
// never fails — malformed input is dropped, not propagated, because the
// client is receiving the raw bytes regardless.
func (p *SSEParser) Feed(chunk []byte) {
	if p.done {
		return
	}

	buf := append(p.pending, chunk...)
	for {
		i := bytes.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		p.handleLine(buf[:i])
		buf = buf[i+1:]
		if p.done {
			p.pending = nil
			return
		}
	}
	// Keep the incomplete trailing line for the next chunk.
	p.pending = append([]byte(nil), buf...)
}

// handleLine processes one complete line of the stream.
func (p *SSEParser) handleLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 || line[0] == ':' {
		return
	}
	s := string(line)
	if !strings.HasPrefix(s, dataPrefix) {
		// "event: <type>" and anything else non-data.
		return
	}
	payload := s[len(dataPrefix):]
	if payload == "[DONE]" {
		p.done = true
		return
	}
	p.acc.apply([]byte(payload))
}

// Finalize reads the accumulated state once and constructs the response
// record. Returns ok=false when no event was ever parsed — a stream that
// carried no recognisable frames (e.g. an SSE-shaped error body) produces
// no record at all. The parser must not be fed after Finalize.
func (p *SSEParser) Finalize(requestID string, durationMs int64) (record.CaptureResponse, bool) {
	if !p.acc.sawEvent {
		return record.CaptureResponse{}, false
	}

	resp := record.CaptureResponse{
		RequestID:  requestID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		DurationMs: durationMs,
		Model:      p.acc.model,
		Content:    p.acc.content,
		StopReason: p.acc.stopReason,
		Usage:      p.acc.usage,
	}
	if resp.Content == nil {
		resp.Content = []record.ContentBlock{}
	}
	return resp, true
}

// accumulator is the per-stream state machine updated as events arrive.
// Content ordering follows content_block_stop order, which the protocol
// defines to match the block index order.
type accumulator struct {
	sawEvent   bool
	model      string
	messageID  string
	usage      record.Usage
	stopReason *string
	content    []record.ContentBlock
	block      *openBlock // block between content_block_start and _stop
}

// openBlock is the in-flight content block being accumulated.
type openBlock struct {
	typ       string
	id        string // tool_use
	name      string // tool_use
	text      strings.Builder
	inputJSON strings.Builder // tool_use partial_json fragments
	thinking  strings.Builder
	signature strings.Builder
}

// streamEvent covers every event payload shape the accumulator consumes.
// Unknown event types parse fine and fall through the switch untouched.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		ID    string       `json:"id"`
		Model string       `json:"model"`
		Usage record.Usage `json:"usage"`
	} `json:"message"`
	Index        int `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
		Text string `json:"text"`
	} `json:"content_block"`
	Delta *struct {
		Type        string  `json:"type"`
		Text        string  `json:"text"`
		PartialJSON string  `json:"partial_json"`
		Thinking    string  `json:"thinking"`
		Signature   string  `json:"signature"`
		StopReason  *string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// apply folds one data frame into the accumulator. A frame that fails to
// parse is dropped and the stream continues with the next one.
func (a *accumulator) apply(payload []byte) {
	var evt streamEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return
	}
	a.sawEvent = true

	switch evt.Type {
	case "message_start":
		if evt.Message != nil {
			a.messageID = evt.Message.ID
			a.model = evt.Message.Model
			a.usage = evt.Message.Usage
		}

	case "content_block_start":
		if evt.ContentBlock == nil {
			return
		}
		b := &openBlock{
			typ:  evt.ContentBlock.Type,
			id:   evt.ContentBlock.ID,
			name: evt.ContentBlock.Name,
		}
		if evt.ContentBlock.Type == "text" {
			b.text.WriteString(evt.ContentBlock.Text)
		}
		a.block = b

	case "content_block_delta":
		if a.block == nil || evt.Delta == nil {
			return
		}
		switch evt.Delta.Type {
		case "text_delta":
			a.block.text.WriteString(evt.Delta.Text)
		case "input_json_delta":
			a.block.inputJSON.WriteString(evt.Delta.PartialJSON)
		case "thinking_delta":
			a.block.thinking.WriteString(evt.Delta.Thinking)
		case "signature_delta":
			a.block.signature.WriteString(evt.Delta.Signature)
		}

	case "content_block_stop":
		// Without an active block this is a protocol violation; ignore.
		if a.block == nil {
			return
		}
		a.content = append(a.content, a.block.finish())
		a.block = nil

	case "message_delta":
		if evt.Delta != nil && evt.Delta.StopReason != nil {
			a.stopReason = evt.Delta.StopReason
		}
		if evt.Usage != nil {
			a.usage.OutputTokens = evt.Usage.OutputTokens
		}

	case "message_stop":
		// Clean end — no state change; finalisation happens at EOF.
	}
}

// finish converts the in-flight block into its persisted form.
func (b *openBlock) finish() record.ContentBlock {
	switch b.typ {
	case "tool_use":
		// Accumulated partial_json fragments should concatenate into one
		// JSON object; a malformed or empty sequence yields {}.
		input := map[string]any{}
		if raw := b.inputJSON.String(); raw != "" {
			var parsed map[string]any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil && parsed != nil {
				input = parsed
			}
		}
		return record.ContentBlock{
			Type:  "tool_use",
			ID:    b.id,
			Name:  b.name,
			Input: input,
		}
	case "thinking":
		return record.ContentBlock{
			Type:      "thinking",
			Thinking:  b.thinking.String(),
			Signature: b.signature.String(),
		}
	default:
		return record.ContentBlock{
			Type: b.typ,
			Text: b.text.String(),
		}
	}
}
