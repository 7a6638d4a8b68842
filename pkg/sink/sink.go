// Package sink holds the non-database destinations for ingest output:
// JSON lines on a stream or file, a timestamped error log, and a Redis
// cache of the latest reading per node.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/josemorales956/dsn-base-station/pkg/telemetry"
)

// ErrorTimeLayout formats error log timestamps (UTC, no zone suffix).
const ErrorTimeLayout = "2006-01-02T15:04:05.000000"

// JSON writes each record as one JSON line to w.
type JSON struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSON returns a sink writing to w, typically os.Stdout.
func NewJSON(w io.Writer) *JSON {
	return &JSON{enc: json.NewEncoder(w)}
}

// WriteReading implements ingest.RecordWriter.
func (s *JSON) WriteReading(_ context.Context, rec telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("json sink: %w", err)
	}
	return nil
}

// JSONLFile appends records to a file, one JSON object per line. Paths
// ending in ".zst" are zstd-compressed; each process run appends a new
// frame.
type JSONLFile struct {
	mu   sync.Mutex
	path string
	f    *os.File
	zw   *zstd.Encoder
	enc  *json.Encoder
}

// OpenJSONL opens path for appending, creating parent directories.
func OpenJSONL(path string) (*JSONLFile, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}

	s := &JSONLFile{path: path, f: f}
	var w io.Writer = f
	if strings.HasSuffix(path, ".zst") {
		s.zw, err = zstd.NewWriter(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("zstd writer %s: %w", path, err)
		}
		w = s.zw
	}
	s.enc = json.NewEncoder(w)
	return s, nil
}

// Path returns the file path.
func (s *JSONLFile) Path() string { return s.path }

// WriteReading implements ingest.RecordWriter.
func (s *JSONLFile) WriteReading(_ context.Context, rec telemetry.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("jsonl sink %s: closed", s.path)
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("jsonl sink %s: %w", s.path, err)
	}
	return nil
}

// Close finishes the compressed frame, if any, and closes the file.
func (s *JSONLFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	s.enc = nil

	var zerr error
	if s.zw != nil {
		zerr = s.zw.Close()
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	if zerr != nil {
		return fmt.Errorf("close zstd %s: %w", s.path, zerr)
	}
	return nil
}

// ErrorLog appends one "[<timestamp>] <message>" line per failure.
type ErrorLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenErrorLog opens path for appending, creating parent directories.
func OpenErrorLog(path string) (*ErrorLog, error) {
	f, err := openAppend(path)
	if err != nil {
		return nil, err
	}
	return &ErrorLog{path: path, f: f}, nil
}

// WriteFailure implements ingest.FailureWriter. The timestamp is the
// failure's observation time in UTC.
func (s *ErrorLog) WriteFailure(_ context.Context, f telemetry.Failure) error {
	line := fmt.Sprintf("[%s] %s\n", f.ObservedAt.UTC().Format(ErrorTimeLayout), f.Message)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return fmt.Errorf("error log %s: closed", s.path)
	}
	if _, err := io.WriteString(s.f, line); err != nil {
		return fmt.Errorf("error log %s: %w", s.path, err)
	}
	return nil
}

// Close closes the log file.
func (s *ErrorLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}
