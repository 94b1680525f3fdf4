package capture

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/gobwas/glob"

	"github.com/tapwire/tapwire/internal/record"
)

// QueryParams defines filters for querying the capture log.
// All fields are optional — empty/zero values mean "no filter".
type QueryParams struct {
	Model string // Glob pattern matched against the request model (e.g. "claude-*").
	Since string // ISO timestamp or duration string (e.g. "1h", "24h").
	Limit int    // Maximum pairs to return (most recent first in file order).
}

// sqliteIndex provides fast filtered queries over the capture log.
// The JSONL file is the source of truth; this is a queryable projection
// that is rebuilt from the file on startup.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the SQLite index database.
// WAL mode allows the CLI to read while the proxy writes.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq   INTEGER PRIMARY KEY,
			type  TEXT NOT NULL,
			id    TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			ts    TEXT NOT NULL,
			data  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_id ON entries(id);
		CREATE INDEX IF NOT EXISTS idx_type ON entries(type);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds an entry to the index. Non-blocking for the write path —
// errors are logged but never affect the primary JSONL log.
func (idx *sqliteIndex) insert(seq int64, typ, id, model, ts string, line []byte) {
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO entries (seq, type, id, model, ts, data) VALUES (?, ?, ?, ?, ?, ?)`,
		seq, typ, id, model, ts, string(line),
	)
	if err != nil {
		slog.Error("capture index insert failed", "seq", seq, "error", err)
	}
}

// lastSeq returns the highest sequence number in the index, 0 when empty.
func (idx *sqliteIndex) lastSeq() int64 {
	var seq sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(seq) FROM entries").Scan(&seq)
	if err != nil || !seq.Valid {
		return 0
	}
	return seq.Int64
}

// clear wipes the index table. Called together with deleting the JSONL file.
func (idx *sqliteIndex) clear() error {
	_, err := idx.db.Exec("DELETE FROM entries")
	return err
}

// close closes the database connection.
func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

// Query returns pairs matching the given filters, in request insertion
// order. Time filtering runs in SQL; the model glob is applied in Go
// because glob syntax is richer than SQLite's LIKE.
func (l *Log) Query(params QueryParams) ([]record.Pair, error) {
	since, err := normalizeSince(params.Since)
	if err != nil {
		return nil, err
	}

	var matcher glob.Glob
	if params.Model != "" {
		matcher, err = glob.Compile(params.Model)
		if err != nil {
			return nil, fmt.Errorf("invalid model pattern %q: %w", params.Model, err)
		}
	}

	query := "SELECT data FROM entries WHERE type = 'request'"
	var args []any
	if since != "" {
		query += " AND ts >= ?"
		args = append(args, since)
	}
	query += " ORDER BY seq"

	rows, err := l.index.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying capture index: %w", err)
	}
	defer rows.Close()

	var pairs []record.Pair
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning index row: %w", err)
		}
		var e record.LogEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		req, ok := e.Request()
		if !ok {
			continue
		}
		if matcher != nil && !matcher.Match(req.Model) {
			continue
		}
		pairs = append(pairs, record.Pair{Request: req})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Limit keeps the most recent requests.
	if params.Limit > 0 && len(pairs) > params.Limit {
		pairs = pairs[len(pairs)-params.Limit:]
	}

	// Attach responses. Last response wins when duplicates exist, which
	// the ascending seq order gives us for free.
	for i := range pairs {
		resp, ok, err := l.lookupResponse(pairs[i].Request.ID)
		if err != nil {
			return nil, err
		}
		if ok {
			r := resp
			pairs[i].Response = &r
		}
	}

	if pairs == nil {
		pairs = []record.Pair{}
	}
	return pairs, nil
}

// lookupResponse fetches the latest response record for a request id.
func (l *Log) lookupResponse(requestID string) (record.CaptureResponse, bool, error) {
	var data string
	err := l.index.db.QueryRow(
		"SELECT data FROM entries WHERE type = 'response' AND id = ? ORDER BY seq DESC LIMIT 1",
		requestID,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return record.CaptureResponse{}, false, nil
	}
	if err != nil {
		return record.CaptureResponse{}, false, fmt.Errorf("looking up response: %w", err)
	}

	var e record.LogEntry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return record.CaptureResponse{}, false, nil
	}
	resp, ok := e.Response()
	return resp, ok, nil
}

// normalizeSince converts a duration string (e.g. "1h", "30m") to an ISO
// timestamp. A value already containing a 'T' is passed through as-is.
func normalizeSince(since string) (string, error) {
	if since == "" || strings.Contains(since, "T") {
		return since, nil
	}
	d, err := time.ParseDuration(since)
	if err != nil {
		return "", fmt.Errorf("invalid since duration %q: %w", since, err)
	}
	return time.Now().UTC().Add(-d).Format(time.RFC3339Nano), nil
}
