package codec

import (
	"bufio"
	"io"
	"strings"
)

const defaultEventName = "message"

// Scanner decodes text-stream (SSE) framing from a reader: blocks separated
// by a blank line, with "event:", "id:" and one or more "data:" lines. A
// trailing partial block at end-of-stream is flushed as a final frame.
type Scanner struct {
	scanner *bufio.Scanner

	event     string
	id        string
	dataLines []string
	done      bool
}

func NewScanner(r io.Reader) *Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Scanner{scanner: scanner}
}

// Next returns the next complete frame. ok=false means the stream ended.
func (s *Scanner) Next() (Frame, bool) {
	if s == nil || s.done {
		return Frame{}, false
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if frame, ok := s.flush(); ok {
				return frame, true
			}
			continue
		}
		s.absorbLine(line)
	}
	s.done = true
	return s.flush()
}

func (s *Scanner) absorbLine(line string) {
	switch {
	case strings.HasPrefix(line, "event:"):
		s.event = strings.TrimSpace(line[len("event:"):])
	case strings.HasPrefix(line, "id:"):
		s.id = strings.TrimSpace(line[len("id:"):])
	case strings.HasPrefix(line, "data:"):
		s.dataLines = append(s.dataLines, strings.TrimSpace(line[len("data:"):]))
	case strings.HasPrefix(line, ":"):
		// comment line, keepalive
	}
}

func (s *Scanner) flush() (Frame, bool) {
	if len(s.dataLines) == 0 && s.event == "" && s.id == "" {
		return Frame{}, false
	}
	event := s.event
	if event == "" {
		event = defaultEventName
	}
	frame := Frame{
		Event: event,
		ID:    s.id,
		Data:  strings.Join(s.dataLines, "\n"),
	}
	s.event = ""
	s.id = ""
	s.dataLines = nil
	return frame, true
}

// Err reports any underlying read error after the stream ends.
func (s *Scanner) Err() error {
	if s == nil {
		return nil
	}
	return s.scanner.Err()
}
