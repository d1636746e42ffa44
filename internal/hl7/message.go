// Package hl7 is a small, lossless model of pipe-delimited HL7 v2
// messages: enough structure to address, patch and export the fields of
// the message held by the editor mirror.
//
// Parsing never interprets escape sequences or data types; every value is
// kept as the raw text between delimiters, so Parse followed by String
// reproduces the input up to segment terminators.
package hl7

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by Parse.
var (
	ErrEmpty       = errors.New("message is empty")
	ErrMissingMSH  = errors.New("message must start with MSH segment")
	ErrBadEncoding = errors.New("invalid MSH encoding characters")
	ErrBadSegment  = errors.New("invalid segment")
)

// Delimiters are the separator characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters are the conventional |^~\& separators.
var DefaultDelimiters = Delimiters{
	Field:        '|',
	Component:    '^',
	Repetition:   '~',
	Escape:       '\\',
	Subcomponent: '&',
}

// Encoding returns the MSH-2 encoding characters.
func (d Delimiters) Encoding() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// Message is a parsed message.
type Message struct {
	Delims   Delimiters
	Segments []*Segment
}

// Segment is one line of a message. Fields[0] holds field 1. For MSH,
// field 1 is the field separator and field 2 the encoding characters, so
// every later MSH field keeps its standard number.
type Segment struct {
	Name   string
	Fields []string
}

// Field returns field n (1-based), or "" if the segment is shorter.
func (s *Segment) Field(n int) string {
	if n < 1 || n > len(s.Fields) {
		return ""
	}
	return s.Fields[n-1]
}

// Parse parses text into a Message. Segments may be terminated by CR, LF
// or CRLF; blank lines are skipped.
func Parse(text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmpty
	}
	if !strings.HasPrefix(text, "MSH") {
		return nil, ErrMissingMSH
	}
	if len(text) < 8 {
		return nil, fmt.Errorf("%w: header too short", ErrBadEncoding)
	}

	d := Delimiters{Field: text[3]}
	enc := text[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) < 4 {
		return nil, fmt.Errorf("%w: %q", ErrBadEncoding, enc)
	}
	d.Component, d.Repetition, d.Escape, d.Subcomponent = enc[0], enc[1], enc[2], enc[3]
	seen := map[byte]bool{d.Field: true}
	for _, c := range []byte{d.Component, d.Repetition, d.Escape, d.Subcomponent} {
		if seen[c] || c == '\r' || c == '\n' {
			return nil, fmt.Errorf("%w: duplicate or line delimiter %q", ErrBadEncoding, c)
		}
		seen[c] = true
	}

	m := &Message{Delims: d}
	for i, line := range splitSegments(text) {
		parts := strings.Split(line, string(d.Field))
		name := parts[0]
		if !validSegmentName(name) {
			return nil, fmt.Errorf("%w at line %d: name %q", ErrBadSegment, i+1, name)
		}
		fields := parts[1:]
		if name == "MSH" {
			fields = append([]string{string(d.Field)}, fields...)
		}
		m.Segments = append(m.Segments, &Segment{Name: name, Fields: fields})
	}
	if m.Segments[0].Name != "MSH" {
		return nil, ErrMissingMSH
	}
	return m, nil
}

func splitSegments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")
	var lines []string
	for _, line := range strings.Split(text, "\r") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func validSegmentName(name string) bool {
	if len(name) != 3 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return name[0] >= 'A' && name[0] <= 'Z'
}

// String renders the message with CR segment terminators.
func (m *Message) String() string {
	var b strings.Builder
	sep := string(m.Delims.Field)
	for i, seg := range m.Segments {
		if i > 0 {
			b.WriteByte('\r')
		}
		b.WriteString(seg.Name)
		fields := seg.Fields
		if seg.Name == "MSH" && len(fields) > 0 {
			// MSH.1 is the separator written below.
			fields = fields[1:]
		}
		for _, f := range fields {
			b.WriteString(sep)
			b.WriteString(f)
		}
	}
	return b.String()
}

// Count returns the number of segments named name.
func (m *Message) Count(name string) int {
	n := 0
	for _, seg := range m.Segments {
		if seg.Name == name {
			n++
		}
	}
	return n
}

// Segment returns the occurrence-th segment named name (1-based), or nil.
func (m *Message) Segment(name string, occurrence int) *Segment {
	if occurrence < 1 {
		occurrence = 1
	}
	n := 0
	for _, seg := range m.Segments {
		if seg.Name == name {
			n++
			if n == occurrence {
				return seg
			}
		}
	}
	return nil
}

// Validate checks that text parses as a message.
func Validate(text string) error {
	_, err := Parse(text)
	return err
}
