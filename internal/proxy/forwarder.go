package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// hopByHopHeaders are HTTP headers that must not be forwarded through a proxy.
// These are connection-specific and only relevant for the single hop.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// NewUpstreamClient builds the shared HTTP client for upstream calls.
// Compression is disabled so the client's own Accept-Encoding (forwarded
// verbatim) decides what the upstream sends, and the bytes relayed to the
// client are exactly the bytes received. Timeout on the client itself is
// zero — the per-request context carries the read deadline, since a
// streaming completion can legitimately run for minutes.
func NewUpstreamClient(connectTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   connectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: connectTimeout,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
	}
}

// forwardRequest sends the request to the upstream API and returns the raw
// response. The caller is responsible for reading and closing the response
// body. Method, path, and query are preserved; the body passes through
// byte-identically.
func forwardRequest(ctx context.Context, client *http.Client, upstream string, r *http.Request, body []byte) (*http.Response, error) {
	upstreamReq, err := http.NewRequestWithContext(
		ctx,
		r.Method,
		upstream,
		bytes.NewReader(body),
	)
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}

	copyHeaders(upstreamReq.Header, r.Header)

	// Set Content-Length since we have the full body.
	upstreamReq.ContentLength = int64(len(body))

	resp, err := client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", upstream, err)
	}

	return resp, nil
}

// copyHeaders copies HTTP headers from src to dst, skipping hop-by-hop
// headers that should not be forwarded through a proxy.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		// Also skip the Host header — the HTTP client sets it from the
		// upstream URL.
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// copyResponseHeaders copies response headers from the upstream response
// to the client response writer, skipping hop-by-hop headers.
func copyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
