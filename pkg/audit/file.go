package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/keelhq/keel/pkg/engine"
)

// maxRecordSize bounds one line when reading an audit file back.
const maxRecordSize = 10 * 1024 * 1024

// FileSink appends one JSON record per line to a file. It is safe for
// concurrent use.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

var _ engine.AuditSink = (*FileSink)(nil)

// OpenFile opens path for appending, creating it and its directory.
func OpenFile(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileSink{file: f, w: bufio.NewWriter(f)}, nil
}

// Audit implements engine.AuditSink.
func (s *FileSink) Audit(ctx context.Context, graph *engine.ExecutionGraph) error {
	return s.Write(NewTracedRecord(ctx, graph))
}

// Write appends rec and flushes it.
func (s *FileSink) Write(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("audit file is closed")
	}
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	flushErr := s.w.Flush()
	closeErr := s.file.Close()
	s.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Decoder reads records written by FileSink.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
}

// NewDecoder creates a decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRecordSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next record, or io.EOF at the end. Blank lines are
// skipped.
func (d *Decoder) Decode() (*Record, error) {
	for d.scanner.Scan() {
		d.line++
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("line %d: failed to unmarshal audit record: %w", d.line, err)
		}
		return &rec, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// ReadFile returns every record in an audit file, oldest first.
func ReadFile(path string) ([]*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	defer f.Close()

	var records []*Record
	dec := NewDecoder(f)
	for {
		rec, err := dec.Decode()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}
