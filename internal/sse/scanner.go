// Package sse provides a pull-based scanner for server-sent-event bodies.
// Adapters block on Next and handle one (event, data) record at a time.
package sse

import (
	"bufio"
	"io"
	"strings"
)

// Event is one framed server-sent event. Data carries the raw payload of
// the data: line(s), joined on newline for multi-line frames.
type Event struct {
	Name string
	Data string
}

// Done marks the OpenAI-style "data: [DONE]" terminator.
func (e Event) Done() bool {
	return e.Data == "[DONE]"
}

// Scanner reads SSE frames from an upstream response body. It tolerates
// NDJSON-style bodies where bare JSON lines arrive without a data: prefix.
type Scanner struct {
	scanner *bufio.Scanner

	event Event
	err   error
}

const maxLineSize = 16 * 1024 * 1024

func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Scanner{scanner: sc}
}

// Next advances to the next event. It returns false on EOF or read error;
// Err distinguishes the two.
func (s *Scanner) Next() bool {
	var name string
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		if strings.TrimSpace(line) == "" {
			if len(dataLines) > 0 {
				s.event = Event{Name: name, Data: strings.Join(dataLines, "\n")}
				return true
			}
			name = ""
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment, keepalive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// NDJSON fallback: a bare JSON line is a complete event.
			if strings.HasPrefix(line, "{") {
				s.event = Event{Name: name, Data: line}
				return true
			}
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.err = err
	}

	// Flush a trailing frame not terminated by a blank line.
	if len(dataLines) > 0 {
		s.event = Event{Name: name, Data: strings.Join(dataLines, "\n")}
		return true
	}
	return false
}

func (s *Scanner) Event() Event {
	return s.event
}

func (s *Scanner) Err() error {
	return s.err
}
