// Package targetsource provides a concrete TargetSource: a line-oriented
// file of raw target strings, one per line, streamed to the Controller
// as it iterates.
package targetsource

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Source yields raw target lines one at a time. Next returns io.EOF once
// exhausted.
type Source interface {
	Next() (raw string, err error)
	Close() error
}

// FileSource reads target lines from a file, skipping blank lines.
type FileSource struct {
	f       *os.File
	scanner *bufio.Scanner
}

// Open opens path for line-oriented target reading.
func Open(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("targetsource: open %s: %w", path, err)
	}
	return &FileSource{f: f, scanner: bufio.NewScanner(f)}, nil
}

// Next returns the next non-blank line, or io.EOF when the file is
// exhausted.
func (s *FileSource) Next() (string, error) {
	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		return line, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("targetsource: scan: %w", err)
	}
	return "", io.EOF
}

// Close releases the underlying file handle.
func (s *FileSource) Close() error {
	return s.f.Close()
}

// SliceSource is an in-memory Source, useful for tests and for callers
// that already hold the full target list (e.g. an API-driven bulk scan
// registration) rather than a file on disk.
type SliceSource struct {
	lines []string
	pos   int
}

// NewSliceSource wraps an in-memory list of raw target lines.
func NewSliceSource(lines []string) *SliceSource {
	return &SliceSource{lines: lines}
}

// Next implements Source.
func (s *SliceSource) Next() (string, error) {
	if s.pos >= len(s.lines) {
		return "", io.EOF
	}
	line := s.lines[s.pos]
	s.pos++
	return line, nil
}

// Close implements Source; a no-op for an in-memory source.
func (s *SliceSource) Close() error { return nil }
