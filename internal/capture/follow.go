package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/tapwire/tapwire/internal/record"
)

// Follow watches the capture log for new entries and calls fn for each
// one, like `tail -f` for the JSONL file. Blocks until the context is
// cancelled. Intended for external consumers (the CLI, exporters) that
// read the log file without going through the proxy process.
//
// The watcher is fsnotify-driven: a write event on messages.jsonl drains
// everything appended since the last read offset. A trailing line without
// its newline is left in place and picked up on the next event, so fn
// sees every complete entry exactly once.
func Follow(ctx context.Context, dir string, fn func(record.LogEntry)) error {
	path := filepath.Join(dir, logFileName)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory, not the file: the file may not exist yet and
	// Clear removes and re-creates it.
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	// Start from the current end of file — Follow reports new entries,
	// not history.
	var offset int64
	if fi, err := os.Stat(path); err == nil {
		offset = fi.Size()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != logFileName {
				continue
			}
			if event.Op&fsnotify.Remove != 0 {
				// Clear happened — next write starts a fresh file.
				offset = 0
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			newOffset, err := drainFrom(path, offset, fn)
			if err != nil {
				slog.Error("follow: error reading capture log", "error", err)
				continue
			}
			offset = newOffset

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Error("follow: watcher error", "error", err)
		}
	}
}

// drainFrom reads complete lines starting at offset and returns the new
// offset. A trailing line without a newline is left for the next call.
func drainFrom(path string, offset int64, fn func(record.LogEntry)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return offset, err
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() < offset {
		// File was truncated or replaced under us.
		offset = 0
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// Incomplete trailing line — keep the offset before it.
			return offset, nil
		}
		offset += int64(len(line))

		if strings.TrimSpace(line) == "" {
			continue
		}
		var e record.LogEntry
		if jerr := json.Unmarshal([]byte(line), &e); jerr != nil {
			slog.Warn("follow: skipping malformed entry", "error", jerr)
			continue
		}
		fn(e)
	}
}
