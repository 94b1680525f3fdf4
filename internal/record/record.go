// Package record defines the capture record schema shared by the proxy,
// the capture log, and the live feed.
//
// Two record kinds flow through the system:
//   - CaptureRequest:  parsed from the inbound request body at ingress
//   - CaptureResponse: reconstructed from the upstream response (SSE stream
//     or non-streaming JSON body)
//
// Records are created once, persisted once, and never mutated afterwards.
// Anything handed to the live feed is shared-immutable.
package record

import "encoding/json"

// CaptureRequest is the persisted view of one inbound Messages API request.
// The id is a freshly generated UUID and is the correlation key that pairs
// the request with its CaptureResponse.
type CaptureRequest struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Model     string         `json:"model"`
	MaxTokens int            `json:"max_tokens,omitempty"`
	Stream    bool           `json:"stream"`
	System    []SystemPrompt `json:"system,omitempty"`
	Messages  []Message      `json:"messages"`
	Tools     []ToolDef      `json:"tools,omitempty"`
}

// CaptureResponse is the persisted view of one upstream response,
// reconstructed either incrementally (streaming) or from the buffered
// JSON body (non-streaming). RequestID matches exactly one
// CaptureRequest.ID.
type CaptureResponse struct {
	RequestID  string         `json:"request_id"`
	Timestamp  string         `json:"timestamp"`
	DurationMs int64          `json:"duration_ms"`
	Model      string         `json:"model"`
	Content    []ContentBlock `json:"content"`
	StopReason *string        `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// Usage holds the token accounting reported by the upstream.
// The cache fields are only present when the upstream reports them.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// SystemPrompt is one block of the system prompt. The canonical shape at
// the schema boundary is always a slice of these — a plain string system
// field is normalised into a single text block at parse time.
type SystemPrompt struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// Message is one role-tagged conversation message. Content is either a
// single text string or an ordered sequence of content blocks; both wire
// shapes round-trip through MessageContent.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds either a plain string or a block sequence,
// preserving whichever shape arrived on the wire.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	// isText records which variant was set, so an empty string still
	// marshals as "" rather than null.
	isText bool
}

// TextContent wraps a plain string into a MessageContent.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s, isText: true}
}

// BlockContent wraps a block sequence into a MessageContent.
func BlockContent(blocks []ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// IsText reports whether the content arrived as a plain string.
func (c MessageContent) IsText() bool { return c.isText }

// UnmarshalJSON accepts either a JSON string or an array of content blocks.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.isText = true
		c.Blocks = nil
		return nil
	}

	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	c.Blocks = blocks
	c.isText = false
	c.Text = ""
	return nil
}

// MarshalJSON writes the content back in the shape it arrived in.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// ContentBlock is the tagged content-block variant. The Type field is the
// discriminator; only the fields for that variant are populated:
//   - "text":        Text
//   - "tool_use":    ID + Name + Input
//   - "tool_result": ToolUseID + Content + IsError
//   - "image":       Source
//   - "thinking":    Thinking + Signature
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   *bool           `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// ImageSource describes an inline image payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// ToolDef is one entry of the request's tool definition array.
// InputSchema is kept raw — the proxy never interprets it.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// LogEntry is one line of the capture log: a tagged envelope around either
// a CaptureRequest or a CaptureResponse.
type LogEntry struct {
	Type      string          `json:"type"` // "request" or "response"
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Request decodes the entry payload as a CaptureRequest.
// Returns false if the entry is not a request or the payload is malformed.
func (e LogEntry) Request() (CaptureRequest, bool) {
	if e.Type != "request" {
		return CaptureRequest{}, false
	}
	var req CaptureRequest
	if err := json.Unmarshal(e.Data, &req); err != nil {
		return CaptureRequest{}, false
	}
	return req, true
}

// Response decodes the entry payload as a CaptureResponse.
// Returns false if the entry is not a response or the payload is malformed.
func (e LogEntry) Response() (CaptureResponse, bool) {
	if e.Type != "response" {
		return CaptureResponse{}, false
	}
	var resp CaptureResponse
	if err := json.Unmarshal(e.Data, &resp); err != nil {
		return CaptureResponse{}, false
	}
	return resp, true
}

// Pair is one request together with its matching response, or nil when no
// response was ever reconstructed (client disconnect, upstream failure).
// Pairing is defined only via CaptureResponse.RequestID == CaptureRequest.ID.
type Pair struct {
	Request  CaptureRequest   `json:"request"`
	Response *CaptureResponse `json:"response"`
}
