// Package logstream splits a finished log file into ordered lines.
//
// A file is read once into memory; correlators then walk the lines in order.
// Nothing here interprets line content, so malformed lines pass through
// untouched and are dealt with by the caller.
package logstream

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// progressEvery is how many lines pass between progress callbacks.
const progressEvery = 4096

// Line is one line of a log with its 1-based line number.
type Line struct {
	No   int
	Text string
}

// ProgressFunc receives the number of processed lines out of total.
type ProgressFunc func(name string, done, total int)

// Stream is an in-memory, ordered view of a log file.
type Stream struct {
	Name     string
	Lines    []Line
	Progress ProgressFunc
}

// ReadFile loads path in a single read.
func ReadFile(path string) (*Stream, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	return split(filepath.Base(path), data), nil
}

// Read loads a stream from r. name is used in diagnostics only.
func Read(name string, r io.Reader) (*Stream, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read log %s: %w", name, err)
	}
	return split(name, data), nil
}

func split(name string, data []byte) *Stream {
	s := &Stream{Name: name}
	if len(data) == 0 {
		return s
	}
	s.Lines = make([]Line, 0, bytes.Count(data, []byte{'\n'})+1)
	no := 0
	for len(data) > 0 {
		no++
		var raw []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			raw, data = data[:i], data[i+1:]
		} else {
			raw, data = data, nil
		}
		raw = bytes.TrimSuffix(raw, []byte{'\r'})
		s.Lines = append(s.Lines, Line{No: no, Text: string(raw)})
	}
	return s
}

// Len returns the number of lines.
func (s *Stream) Len() int {
	return len(s.Lines)
}

// LastContentLine returns the number of the last non-blank line, or 0.
func (s *Stream) LastContentLine() int {
	for i := len(s.Lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(s.Lines[i].Text) != "" {
			return s.Lines[i].No
		}
	}
	return 0
}

// Each calls fn for every line in order and stops at the first error.
func (s *Stream) Each(fn func(Line) error) error {
	total := len(s.Lines)
	for i, line := range s.Lines {
		if err := fn(line); err != nil {
			return err
		}
		if s.Progress != nil && (i+1)%progressEvery == 0 {
			s.Progress(s.Name, i+1, total)
		}
	}
	if s.Progress != nil {
		s.Progress(s.Name, total, total)
	}
	return nil
}
