package recovery

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// LogWriter persists error records as newline-delimited JSON, rotating the
// file once it passes MaxBytes. Rotation keeps a single .1 predecessor.
type LogWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	f        *os.File
	size     int64
}

// NewLogWriter opens (appending) the NDJSON error log at path. maxBytes <= 0
// defaults to 64 MiB.
func NewLogWriter(path string, maxBytes int64) (*LogWriter, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &LogWriter{path: path, maxBytes: maxBytes, f: f, size: info.Size()}, nil
}

// Write appends one record. Failures are logged, never propagated; the
// error log must not take the service down.
func (w *LogWriter) Write(rec ErrorRecord) {
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size+int64(len(line)) > w.maxBytes {
		w.rotate()
	}
	if w.f == nil {
		return
	}
	n, err := w.f.Write(line)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("error log write failed")
		return
	}
	w.size += int64(n)
}

func (w *LogWriter) rotate() {
	w.f.Close()
	if err := os.Rename(w.path, w.path+".1"); err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("error log rotation failed")
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Error().Err(err).Str("path", w.path).Msg("error log reopen failed")
		w.f = nil
		return
	}
	w.f = f
	w.size = 0
}

// Close flushes and closes the underlying file.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
