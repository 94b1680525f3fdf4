package record

import "encoding/json"

// rawRequest mirrors the Messages API request body, keeping the fields
// whose wire shape varies (system) raw for normalisation below.
type rawRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream"`
	System    json.RawMessage `json:"system"`
	Messages  []Message       `json:"messages"`
	Tools     []ToolDef       `json:"tools"`
}

// ParseRequest builds a CaptureRequest from an inbound request body.
// Parsing is best-effort: a body that is not valid JSON yields a record
// with model "unknown" and no messages, never an error. The caller fills
// in ID and Timestamp.
//
// The body itself is forwarded upstream unchanged — this only lifts the
// fields the capture log records.
func ParseRequest(body []byte) CaptureRequest {
	req := CaptureRequest{Model: "unknown"}

	var raw rawRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return req
	}

	if raw.Model != "" {
		req.Model = raw.Model
	}
	req.MaxTokens = raw.MaxTokens
	req.Stream = raw.Stream
	req.Messages = raw.Messages
	req.Tools = raw.Tools
	req.System = parseSystem(raw.System)

	return req
}

// parseSystem normalises the system field to the canonical []SystemPrompt
// shape. The API accepts either a plain string or an array of blocks; a
// string becomes a single text block.
func parseSystem(raw json.RawMessage) []SystemPrompt {
	if len(raw) == 0 {
		return nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []SystemPrompt{{Type: "text", Text: s}}
	}

	var blocks []SystemPrompt
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	return blocks
}
