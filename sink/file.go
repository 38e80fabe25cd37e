package sink

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"mobsim.dev/mobsim/event"
)

// FileSink appends events to a file, one JSON document per line.
type FileSink struct {
	path string

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	closed bool
}

func NewFile(path string) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file sink needs a path")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}
	return &FileSink{
		path: path,
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

func (s *FileSink) Write(e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if _, err := s.w.Write(buf); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Events reads the file back. The write buffer is flushed first, so events
// written before the call are always visible.
func (s *FileSink) Events() ([]event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		if err := s.w.Flush(); err != nil {
			return nil, fmt.Errorf("flushing sink file: %w", err)
		}
	}
	return ReadFile(s.path)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("flushing sink file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing sink file: %w", err)
	}
	return nil
}

// ReadFile decodes a JSON-lines event file, such as one written by FileSink.
func ReadFile(path string) ([]event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}
	defer f.Close()

	events := []event.Event{}
	dec := json.NewDecoder(f)
	for {
		var e event.Event
		if err := dec.Decode(&e); err == io.EOF {
			break
		} else if err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", len(events), err)
		}
		events = append(events, e)
	}
	return events, nil
}
