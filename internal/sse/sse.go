// Package sse frames and parses server-sent events. The transport uses it
// for live delivery and replay; the scanner side exists for clients and
// tests reading those responses back.
package sse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one server-sent event frame.
type Event struct {
	// ID is the value of the id field, used by clients as Last-Event-ID.
	ID string

	// Name is the event-type tag. Empty means the protocol default
	// "message" and is omitted from the frame.
	Name string

	// Data is the payload. Embedded newlines split into multiple data
	// lines per the SSE framing rules and are rejoined by the scanner.
	// Empty Data omits the data field entirely, producing a frame that
	// carries only metadata (an id or a retry hint).
	Data []byte

	// Retry is the reconnection-interval hint, written in milliseconds.
	// Zero omits the field.
	Retry time.Duration
}

// Write frames ev onto w, terminated by the blank line that ends an SSE
// event. Callers flush the underlying response writer themselves.
func Write(w io.Writer, ev Event) error {
	var b bytes.Buffer

	if ev.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	if ev.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", ev.Retry.Milliseconds())
	}
	if len(ev.Data) > 0 {
		for _, line := range bytes.Split(ev.Data, []byte("\n")) {
			fmt.Fprintf(&b, "data: %s\n", line)
		}
	}
	b.WriteByte('\n')

	_, err := w.Write(b.Bytes())
	return err
}

// Scanner reads server-sent events from a stream.
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	return &Scanner{s: bufio.NewScanner(r)}
}

// Next returns the next event, or io.EOF once the stream ends. Comment
// lines and unknown fields are ignored per the SSE specification.
func (sc *Scanner) Next() (Event, error) {
	var ev Event
	seen := false

	for sc.s.Scan() {
		line := sc.s.Text()
		if line == "" {
			if seen {
				return ev, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
			seen = true
		case "id":
			ev.ID = value
			seen = true
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
			seen = true
		case "data":
			if ev.Data != nil {
				ev.Data = append(ev.Data, '\n')
			}
			ev.Data = append(ev.Data, value...)
			seen = true
		}
	}

	if err := sc.s.Err(); err != nil {
		return Event{}, err
	}
	if seen {
		// Stream ended mid-event without the trailing blank line.
		return ev, nil
	}
	return Event{}, io.EOF
}

// All drains the stream and returns every event it contained.
func (sc *Scanner) All() ([]Event, error) {
	var events []Event
	for {
		ev, err := sc.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}
