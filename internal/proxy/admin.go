package proxy

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tapwire/tapwire/internal/capture"
)

// HandleHealth serves GET /health.
func (p *Proxy) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// HandleCaptures serves /api/captures:
//
//	GET    — paired records as a JSON array, filterable by query params
//	         model (glob, e.g. claude-*), since (RFC3339 or duration like
//	         24h), and limit (most recent N)
//	DELETE — clear the capture log
func (p *Proxy) HandleCaptures(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.handleListCaptures(w, r)
	case http.MethodDelete:
		p.handleClearCaptures(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (p *Proxy) handleListCaptures(w http.ResponseWriter, r *http.Request) {
	params := capture.QueryParams{
		Model: r.URL.Query().Get("model"),
		Since: r.URL.Query().Get("since"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		params.Limit = n
	}

	pairs, err := p.captures.Query(params)
	if err != nil {
		slog.Error("capture query failed", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, pairs)
}

func (p *Proxy) handleClearCaptures(w http.ResponseWriter, r *http.Request) {
	if err := p.captures.Clear(); err != nil {
		slog.Error("failed to clear capture log", "error", err)
		http.Error(w, "failed to clear captures", http.StatusInternalServerError)
		return
	}
	slog.Info("capture log cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
