package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter is an io.Writer that appends to a log file and
// rotates it once it grows past the size limit. Rotated generations
// are numbered suffixes: app.log.1 is the newest, app.log.<keep> the
// oldest still retained.
type RotatingWriter struct {
	mu    sync.Mutex
	path  string
	limit int64
	keep  int
	file  *os.File
	size  int64
}

// NewRotatingWriter opens (or creates) the log file at path. maxSizeMB
// bounds the active file; maxFiles is how many rotated generations to
// keep.
func NewRotatingWriter(path string, maxSizeMB, maxFiles int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:  path,
		limit: int64(maxSizeMB) << 20,
		keep:  maxFiles,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.limit {
		if err := w.rollover(); err != nil {
			// Keep logging into the oversized file rather than dropping
			// records.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync flushes the active file to disk.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the active file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// rollover shifts every retained generation up one slot, oldest first,
// then reopens a fresh active file. app.log.<keep> falls off the end.
func (w *RotatingWriter) rollover() error {
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		w.file = nil
	}

	gen := func(n int) string { return fmt.Sprintf("%s.%d", w.path, n) }

	_ = os.Remove(gen(w.keep))
	for n := w.keep - 1; n >= 1; n-- {
		if _, err := os.Stat(gen(n)); err == nil {
			_ = os.Rename(gen(n), gen(n+1))
		}
	}
	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, gen(1)); err != nil {
			return fmt.Errorf("rotate log file: %w", err)
		}
	}

	w.size = 0
	return w.open()
}
