// Package proxy implements the intercepting forwarder: every request is
// relayed verbatim to the upstream Messages API while the request body and
// the reconstructed response are captured on the side.
//
// Capture is strictly passive. The bytes the client receives are exactly
// the bytes the upstream sent, in order; a capture failure can only ever
// cost a record, never corrupt the exchange.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tapwire/tapwire/internal/capture"
	"github.com/tapwire/tapwire/internal/config"
	"github.com/tapwire/tapwire/internal/feed"
	"github.com/tapwire/tapwire/internal/record"
)

// Options holds the dependencies injected into the proxy at creation.
// These are initialized by main's runStart() and wired together here.
type Options struct {
	Config         *config.Config
	Captures       *capture.Log
	Hub            *feed.Hub
	UpstreamClient *http.Client
}

// Proxy is the HTTP handler that relays Messages API traffic to the
// upstream and records both sides. Mounted as the catch-all handler in
// the main mux, below /health, /api/captures, and /ws.
type Proxy struct {
	config   *config.Config
	captures *capture.Log
	hub      *feed.Hub
	client   *http.Client
}

// New creates a Proxy handler with the given dependencies.
func New(opts Options) *Proxy {
	return &Proxy{
		config:   opts.Config,
		captures: opts.Captures,
		hub:      opts.Hub,
		client:   opts.UpstreamClient,
	}
}

// ServeHTTP handles one proxied exchange:
//
//  1. Read the request body (bounded; 413 above the cap)
//  2. Best-effort parse it into a request record; persist and publish
//  3. Forward verbatim to the upstream (502 on connect failure)
//  4. Relay status + headers, then stream or buffer the body back while
//     reconstructing the response record
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	maxBody := p.config.Capture.MaxBodyBytes
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		slog.Error("failed to read request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if int64(len(body)) > maxBody {
		// Rejected before anything touches upstream or the log.
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	// Parse is best-effort: an unparseable body still produces a record
	// with model "unknown" and the request is forwarded regardless.
	req := record.ParseRequest(body)
	req.ID = uuid.NewString()
	req.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	if err := p.captures.LogRequest(req); err != nil {
		// Log failures never abort the exchange.
		slog.Error("failed to persist request record", "id", req.ID, "error", err)
	}
	p.hub.Publish(feed.Message{Type: "request", Data: req})

	slog.Debug("proxy request",
		"id", req.ID,
		"model", req.Model,
		"stream", req.Stream,
		"path", r.URL.Path,
	)

	upstream := p.config.Upstream.URL + r.URL.RequestURI()
	ctx, cancel := context.WithTimeout(r.Context(),
		time.Duration(p.config.Upstream.ReadTimeoutMs)*time.Millisecond)
	defer cancel()

	resp, err := forwardRequest(ctx, p.client, upstream, r, body)
	if err != nil {
		slog.Error("upstream request failed",
			"id", req.ID,
			"error", err,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		writeProxyError(w, err)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	if req.Stream {
		p.handleStreaming(w, r, resp, req, start)
	} else {
		p.handleNonStreaming(w, resp, req, start)
	}
}

// handleStreaming tees the upstream SSE stream: each chunk is written to
// the client and fed to the reconstructor before the next read, so a slow
// client applies natural back-pressure on the upstream.
//
// At upstream EOF the accumulated state becomes the response record. A
// mid-stream upstream error still persists the partial reconstruction,
// tagged with a null stop_reason; a client disconnect discards it.
func (p *Proxy) handleStreaming(w http.ResponseWriter, r *http.Request, resp *http.Response, req record.CaptureRequest, start time.Time) {
	flusher, _ := w.(http.Flusher)
	parser := NewSSEParser()

	buf := make([]byte, 32*1024)
	var readErr error
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away — the upstream read is cancelled via
				// the request context and the partial state is discarded.
				slog.Debug("client disconnected mid-stream", "id", req.ID)
				return
			}
			parser.Feed(buf[:n])
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}

	if r.Context().Err() != nil {
		// Cancellation raced the read error: treat as client disconnect.
		slog.Debug("client disconnected mid-stream", "id", req.ID)
		return
	}

	response, ok := parser.Finalize(req.ID, time.Since(start).Milliseconds())
	if !ok {
		slog.Warn("no events reconstructed from stream", "id", req.ID)
		return
	}
	if readErr != nil {
		slog.Warn("upstream stream ended with error, persisting partial response",
			"id", req.ID, "error", readErr)
		response.StopReason = nil
	}

	p.persistResponse(response)
}

// handleNonStreaming relays the buffered body to the client first, then
// decompresses and parses it into a response record. Parse or decompress
// failures skip the record — the client already has the raw bytes.
func (p *Proxy) handleNonStreaming(w http.ResponseWriter, resp *http.Response, req record.CaptureRequest, start time.Time) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Warn("failed to read upstream response", "id", req.ID, "error", err)
		return
	}
	if _, err := w.Write(body); err != nil {
		slog.Debug("client disconnected before response write", "id", req.ID)
		return
	}

	decoded, err := decompressBody(body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		slog.Warn("failed to decompress upstream response, skipping record",
			"id", req.ID, "error", err)
		return
	}

	response, err := record.ParseResponseBody(
		decoded,
		req.ID,
		time.Now().UTC().Format(time.RFC3339Nano),
		time.Since(start).Milliseconds(),
	)
	if err != nil {
		slog.Warn("failed to parse upstream response, skipping record",
			"id", req.ID, "error", err)
		return
	}

	p.persistResponse(response)
}

// persistResponse appends the record and publishes it to the live feed.
func (p *Proxy) persistResponse(resp record.CaptureResponse) {
	if err := p.captures.LogResponse(resp); err != nil {
		slog.Error("failed to persist response record",
			"request_id", resp.RequestID, "error", err)
	}
	p.hub.Publish(feed.Message{Type: "response", Data: resp})
}

// writeProxyError sends the 502 JSON body for an upstream failure.
func writeProxyError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "Proxy request failed",
		"message": err.Error(),
	})
}
