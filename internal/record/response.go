package record

import (
	"encoding/json"
	"fmt"
)

// ParseResponseBody synthesises a CaptureResponse from a non-streaming
// Messages API response body. The body must already be decompressed.
// Used by the proxy's non-streaming branch after the client has received
// the raw bytes.
//
// Unlike request parsing this returns an error: an unparseable response
// body means no response record is written at all, matching the streaming
// path where nothing reconstructed means no record.
func ParseResponseBody(body []byte, requestID, timestamp string, durationMs int64) (CaptureResponse, error) {
	var raw struct {
		Model      string         `json:"model"`
		Content    []ContentBlock `json:"content"`
		StopReason *string        `json:"stop_reason"`
		Usage      Usage          `json:"usage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return CaptureResponse{}, fmt.Errorf("parsing response body: %w", err)
	}

	resp := CaptureResponse{
		RequestID:  requestID,
		Timestamp:  timestamp,
		DurationMs: durationMs,
		Model:      raw.Model,
		Content:    raw.Content,
		StopReason: raw.StopReason,
		Usage:      raw.Usage,
	}
	if resp.Content == nil {
		resp.Content = []ContentBlock{}
	}
	return resp, nil
}
