// Package capture implements the durable capture log: an append-only
// line-delimited JSON store of request and response records, plus the
// pairing and query reads served to the admin API and the CLI.
//
// Storage layout:
//
//	<dataDir>/
//	├── messages.jsonl   # One LogEntry per line (source of truth)
//	└── index.db         # SQLite query index (rebuildable projection)
//
// The JSONL file is the source of truth. The SQLite index only exists to
// serve filtered queries; it is rebuilt from the file on startup and wiped
// together with it on Clear.
package capture

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tapwire/tapwire/internal/record"
)

// logFileName is the capture log file inside the data directory.
const logFileName = "messages.jsonl"

// Log is the append-only capture store. A single Log instance exclusively
// owns the file handle; writes are serialised by the mutex, and the proxy
// appends concurrently from multiple handler goroutines.
type Log struct {
	mu    sync.Mutex
	dir   string
	file  *os.File
	seq   int64 // next index sequence number
	index *sqliteIndex
}

// New opens or creates a capture log in the given data directory.
// Existing JSONL entries are re-indexed so queries see the full history.
func New(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dir, err)
	}

	l := &Log{dir: dir}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("opening capture index: %w", err)
	}
	l.index = idx

	if err := l.rebuildIndex(); err != nil {
		idx.close()
		return nil, err
	}

	slog.Info("capture log opened", "dir", dir, "entries", l.seq)
	return l, nil
}

// Path returns the full path of the backing JSONL file.
func (l *Log) Path() string {
	return filepath.Join(l.dir, logFileName)
}

// Close flushes and closes the log file and the index.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
		l.file = nil
	}
	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing capture log: %v", errs)
	}
	return nil
}

// LogRequest appends a request record to the log.
func (l *Log) LogRequest(req record.CaptureRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling request record: %w", err)
	}
	return l.append(record.LogEntry{Type: "request", Data: data}, req.ID, req.Model)
}

// LogResponse appends a response record to the log.
func (l *Log) LogResponse(resp record.CaptureResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshaling response record: %w", err)
	}
	return l.append(record.LogEntry{Type: "response", Data: data}, resp.RequestID, resp.Model)
}

// append writes one entry as a JSON line. Thread-safe; re-creates the file
// if it was removed by Clear. Write errors propagate to the caller, which
// logs them and keeps serving — the proxy exchange itself is never aborted
// by a log failure.
func (l *Log) append(e record.LogEntry, id, model string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	if l.file == nil {
		f, err := os.OpenFile(l.Path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening capture log %s: %w", l.Path(), err)
		}
		l.file = f
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling log entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing log entry: %w", err)
	}

	l.seq++
	if l.index != nil {
		l.index.insert(l.seq, e.Type, id, model, e.Timestamp, line)
	}
	return nil
}

// ReadAll returns every entry in file order. Lines that fail to parse —
// typically a trailing partial write — are skipped.
func (l *Log) ReadAll() ([]record.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return readEntriesFromFile(l.Path())
}

// Pairs returns every request paired with its matching response, in
// request insertion order. A request without a response pairs with nil.
// If multiple responses share a request id the last one wins.
func (l *Log) Pairs() ([]record.Pair, error) {
	entries, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	return pairEntries(entries), nil
}

// Clear drains the current write, deletes the file, and wipes the index.
// A subsequent LogRequest or LogResponse re-creates the file.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if err := os.Remove(l.Path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing capture log: %w", err)
	}
	l.seq = 0
	if l.index != nil {
		if err := l.index.clear(); err != nil {
			return fmt.Errorf("clearing capture index: %w", err)
		}
	}
	return nil
}

// rebuildIndex re-inserts any JSONL entries missing from the SQLite index,
// e.g. after a crash between the file write and the index insert.
func (l *Log) rebuildIndex() error {
	entries, err := readEntriesFromFile(l.Path())
	if err != nil {
		return fmt.Errorf("scanning capture log: %w", err)
	}

	indexed := l.index.lastSeq()
	for i, e := range entries {
		seq := int64(i) + 1
		if seq <= indexed {
			continue
		}
		id, model := entryKey(e)
		line, merr := json.Marshal(e)
		if merr != nil {
			continue
		}
		l.index.insert(seq, e.Type, id, model, e.Timestamp, line)
	}
	l.seq = int64(len(entries))
	return nil
}

// entryKey extracts the correlation id and model from an entry payload.
func entryKey(e record.LogEntry) (id, model string) {
	if req, ok := e.Request(); ok {
		return req.ID, req.Model
	}
	if resp, ok := e.Response(); ok {
		return resp.RequestID, resp.Model
	}
	return "", ""
}

// pairEntries walks entries in file order and builds the pair list.
func pairEntries(entries []record.LogEntry) []record.Pair {
	pairs := []record.Pair{}
	byID := make(map[string]int)

	for _, e := range entries {
		switch e.Type {
		case "request":
			req, ok := e.Request()
			if !ok {
				continue
			}
			byID[req.ID] = len(pairs)
			pairs = append(pairs, record.Pair{Request: req})
		case "response":
			resp, ok := e.Response()
			if !ok {
				continue
			}
			if i, ok := byID[resp.RequestID]; ok {
				r := resp
				pairs[i].Response = &r
			}
		}
	}
	return pairs
}

// readEntriesFromFile reads all entries from a JSONL file. A missing file
// reads as empty; malformed lines are skipped.
func readEntriesFromFile(path string) ([]record.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []record.LogEntry
	scanner := bufio.NewScanner(f)
	// Large buffer — a single conversation turn with tool results can be
	// hundreds of KB on one line.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e record.LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed capture entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}
