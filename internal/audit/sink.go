// ABOUTME: Attempt log sinks: append-only JSONL file, in-memory, and fan-out
// ABOUTME: Each append writes one complete line under a mutex so concurrent records never interleave

package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by a sink after Close.
var ErrClosed = errors.New("audit sink closed")

// Sink receives attempt records. A sink only stores, it never answers queries.
type Sink interface {
	Append(ctx context.Context, a Attempt) error
}

// FileSink appends JSON lines to a file, creating parent directories on demand.
// It is safe for concurrent use from multiple goroutines.
type FileSink struct {
	path   string
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewFileSink returns a sink writing to path. The file is opened on first append,
// so a missing or unwritable directory only affects the appends that hit it.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the file the sink appends to.
func (s *FileSink) Path() string {
	return s.path
}

// Append writes a as one line. The line is encoded before the lock is taken and
// written with a single Write on an O_APPEND descriptor.
func (s *FileSink) Append(_ context.Context, a Attempt) error {
	line, err := a.line()
	if err != nil {
		return fmt.Errorf("encoding attempt: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if s.file == nil {
		if err := s.openLocked(); err != nil {
			return err
		}
	}

	if _, err := s.file.Write(line); err != nil {
		// Drop the descriptor so the next append reopens the file.
		_ = s.file.Close()
		s.file = nil
		return fmt.Errorf("writing attempt log: %w", err)
	}
	return nil
}

// openLocked opens the log file. Must be called with mu held.
func (s *FileSink) openLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating attempt log directory: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening attempt log: %w", err)
	}
	s.file = f
	return nil
}

// Close waits for any in-progress append and closes the file.
// It is safe to call Close multiple times.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// MemorySink keeps attempts in memory (tests and inspection).
type MemorySink struct {
	mu       sync.Mutex
	attempts []Attempt
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores a copy of the attempt.
func (s *MemorySink) Append(_ context.Context, a Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

// Attempts returns a copy of all stored attempts in append order.
func (s *MemorySink) Attempts() []Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Attempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}

// Count returns the number of stored attempts.
func (s *MemorySink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

type teeSink []Sink

// Tee fans an attempt out to every sink. All sinks are tried; their errors are joined.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

func (t teeSink) Append(ctx context.Context, a Attempt) error {
	var errs []error
	for _, s := range t {
		if err := s.Append(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
