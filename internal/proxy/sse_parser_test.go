package proxy

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/tapwire/tapwire/internal/record"
)

// sampleStream is a complete Anthropic SSE stream with a single text block.
const sampleStream = "event: message_start\n" +
	"data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-test\",\"usage\":{\"input_tokens\":5,\"output_tokens\":0}}}\n\n" +
	"event: content_block_start\n" +
	"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n" +
	"event: content_block_delta\n" +
	"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\" there\"}}\n\n" +
	"event: content_block_stop\n" +
	"data: {\"type\":\"content_block_stop\",\"index\":0}\n\n" +
	"event: message_delta\n" +
	"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":2}}\n\n" +
	"event: message_stop\n" +
	"data: {\"type\":\"message_stop\"}\n\n"

func TestSSEParser_TextStream(t *testing.T) {
	p := NewSSEParser()
	p.Feed([]byte(sampleStream))

	resp, ok := p.Finalize("req-1", 42)
	if !ok {
		t.Fatal("expected a reconstructed response")
	}

	if resp.RequestID != "req-1" {
		t.Errorf("request id: expected req-1, got %q", resp.RequestID)
	}
	if resp.Model != "claude-test" {
		t.Errorf("model: expected claude-test, got %q", resp.Model)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(resp.Content))
	}
	if resp.Content[0].Type != "text" || resp.Content[0].Text != "Hi there" {
		t.Errorf("content[0]: expected text %q, got %+v", "Hi there", resp.Content[0])
	}
	if resp.StopReason == nil || *resp.StopReason != "end_turn" {
		t.Errorf("stop_reason: expected end_turn, got %v", resp.StopReason)
	}
	if resp.Usage.InputTokens != 5 {
		t.Errorf("input_tokens: expected 5, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 2 {
		t.Errorf("output_tokens: expected 2, got %d", resp.Usage.OutputTokens)
	}
	if resp.DurationMs != 42 {
		t.Errorf("duration_ms: expected 42, got %d", resp.DurationMs)
	}
}

// Feeding the same bytes with any chunking must yield the same result.
func TestSSEParser_ChunkingInvariance(t *testing.T) {
	whole := NewSSEParser()
	whole.Feed([]byte(sampleStream))
	want, ok := whole.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response from single-chunk feed")
	}

	// Byte-by-byte.
	byByte := NewSSEParser()
	for i := 0; i < len(sampleStream); i++ {
		byByte.Feed([]byte{sampleStream[i]})
	}
	got, ok := byByte.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response from byte-by-byte feed")
	}
	assertSameResponse(t, want, got)

	// Random boundaries, a few seeds.
	for seed := int64(0); seed < 5; seed++ {
		rng := rand.New(rand.NewSource(seed))
		p := NewSSEParser()
		data := []byte(sampleStream)
		for len(data) > 0 {
			n := 1 + rng.Intn(len(data))
			p.Feed(data[:n])
			data = data[n:]
		}
		got, ok := p.Finalize("r", 0)
		if !ok {
			t.Fatalf("seed %d: expected a response", seed)
		}
		assertSameResponse(t, want, got)
	}
}

func TestSSEParser_ToolUseInput(t *testing.T) {
	stream := "data: {\"type\":\"message_start\",\"message\":{\"id\":\"m\",\"model\":\"claude-test\",\"usage\":{\"input_tokens\":1,\"output_tokens\":0}}}\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"tu_1\",\"name\":\"get_weather\"}}\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"a\\\":\"}}\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"1}\"}}\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n" +
		"data: {\"type\":\"message_stop\"}\n"

	p := NewSSEParser()
	p.Feed([]byte(stream))
	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 1 {
		t.Fatalf("expected 1 block, got %d", len(resp.Content))
	}
	b := resp.Content[0]
	if b.Type != "tool_use" || b.ID != "tu_1" || b.Name != "get_weather" {
		t.Errorf("unexpected tool_use block: %+v", b)
	}
	if v, ok := b.Input["a"]; !ok || v != float64(1) {
		t.Errorf("input: expected {a:1}, got %v", b.Input)
	}
}

// A malformed partial_json sequence yields an empty input object, never nil.
func TestSSEParser_MalformedToolInput(t *testing.T) {
	stream := "data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"tool_use\",\"id\":\"tu_1\",\"name\":\"t\"}}\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"broken\\\"\"}}\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n"

	p := NewSSEParser()
	p.Feed([]byte(stream))
	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 1 {
		t.Fatalf("expected 1 block, got %d", len(resp.Content))
	}
	if resp.Content[0].Input == nil || len(resp.Content[0].Input) != 0 {
		t.Errorf("malformed input should yield empty object, got %v", resp.Content[0].Input)
	}
}

func TestSSEParser_ThinkingBlock(t *testing.T) {
	stream := "data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"thinking\"}}\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"let me \"}}\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"thinking_delta\",\"thinking\":\"see\"}}\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"signature_delta\",\"signature\":\"sig123\"}}\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n"

	p := NewSSEParser()
	p.Feed([]byte(stream))
	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 1 {
		t.Fatalf("expected 1 block, got %d", len(resp.Content))
	}
	b := resp.Content[0]
	if b.Type != "thinking" || b.Thinking != "let me see" || b.Signature != "sig123" {
		t.Errorf("unexpected thinking block: %+v", b)
	}
}

// message_start followed by immediate EOF still yields a record carrying
// the usage from message_start and empty content.
func TestSSEParser_MessageStartOnly(t *testing.T) {
	p := NewSSEParser()
	p.Feed([]byte("data: {\"type\":\"message_start\",\"message\":{\"id\":\"m\",\"model\":\"claude-test\",\"usage\":{\"input_tokens\":7,\"output_tokens\":0}}}\n"))

	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 0 {
		t.Errorf("expected empty content, got %d blocks", len(resp.Content))
	}
	if resp.Content == nil {
		t.Error("content should be empty slice, not nil")
	}
	if resp.Usage.InputTokens != 7 {
		t.Errorf("input_tokens: expected 7, got %d", resp.Usage.InputTokens)
	}
	if resp.StopReason != nil {
		t.Errorf("stop_reason should be nil, got %v", *resp.StopReason)
	}
}

func TestSSEParser_NoEventsNoRecord(t *testing.T) {
	p := NewSSEParser()
	p.Feed([]byte("not an sse stream at all\n"))
	if _, ok := p.Finalize("r", 0); ok {
		t.Error("a stream with no parseable events should produce no record")
	}
}

// Malformed JSON frames are dropped; the parser keeps going.
func TestSSEParser_MalformedFrameSkipped(t *testing.T) {
	stream := "data: {this is not json\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"ok\"}}\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n"

	p := NewSSEParser()
	p.Feed([]byte(stream))
	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "ok" {
		t.Errorf("unexpected content: %+v", resp.Content)
	}
}

// content_block_stop with no active block is a protocol violation that
// must not panic or emit a block.
func TestSSEParser_StopWithoutStart(t *testing.T) {
	stream := "data: {\"type\":\"content_block_stop\",\"index\":0}\n" +
		"data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"}}\n"

	p := NewSSEParser()
	p.Feed([]byte(stream))
	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 0 {
		t.Errorf("expected no content blocks, got %d", len(resp.Content))
	}
	if resp.StopReason == nil || *resp.StopReason != "end_turn" {
		t.Errorf("stop_reason: expected end_turn, got %v", resp.StopReason)
	}
}

// Frames after [DONE] must be ignored.
func TestSSEParser_DoneTerminates(t *testing.T) {
	stream := "data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"a\"}}\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n" +
		"data: [DONE]\n" +
		"data: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"text\",\"text\":\"late\"}}\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":1}\n"

	p := NewSSEParser()
	p.Feed([]byte(stream))
	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 1 {
		t.Errorf("frames after [DONE] should be ignored, got %d blocks", len(resp.Content))
	}
}

// Comment lines and CRLF line endings are tolerated.
func TestSSEParser_CommentsAndCRLF(t *testing.T) {
	stream := ": keep-alive comment\r\n" +
		"data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"x\"}}\r\n" +
		"\r\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\r\n"

	p := NewSSEParser()
	p.Feed([]byte(stream))
	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "x" {
		t.Errorf("unexpected content: %+v", resp.Content)
	}
}

// Block ordering follows content_block_stop order.
func TestSSEParser_MultipleBlocksOrdered(t *testing.T) {
	stream := "data: {\"type\":\"content_block_start\",\"index\":0,\"content_block\":{\"type\":\"text\",\"text\":\"first\"}}\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":0}\n" +
		"data: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"tu\",\"name\":\"t\"}}\n" +
		"data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{}\"}}\n" +
		"data: {\"type\":\"content_block_stop\",\"index\":1}\n"

	p := NewSSEParser()
	p.Feed([]byte(stream))
	resp, ok := p.Finalize("r", 0)
	if !ok {
		t.Fatal("expected a response")
	}
	if len(resp.Content) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(resp.Content))
	}
	if resp.Content[0].Type != "text" || resp.Content[1].Type != "tool_use" {
		t.Errorf("block order wrong: %+v", resp.Content)
	}
}

func assertSameResponse(t *testing.T, want, got record.CaptureResponse) {
	t.Helper()
	// Timestamps differ between parser instances; everything else must match.
	want.Timestamp = ""
	got.Timestamp = ""
	if !reflect.DeepEqual(want, got) {
		t.Errorf("responses differ:\nwant %+v\ngot  %+v", want, got)
	}
}
