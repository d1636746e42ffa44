package hl7

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by message edits.
var (
	ErrSegmentNotFound = errors.New("segment not found")
	ErrProtectedField  = errors.New("field cannot be modified")
	ErrRemoveMSH       = errors.New("cannot remove MSH segment")
)

// Get returns the raw value at loc.
func (m *Message) Get(loc Location) (string, bool) {
	seg := m.Segment(loc.Segment, loc.Occurrence)
	if seg == nil || loc.Field < 1 || loc.Field > len(seg.Fields) {
		return "", false
	}
	value := seg.Fields[loc.Field-1]
	if isDelimiterField(loc) {
		if loc.Repetition > 1 || loc.Component > 0 {
			return "", false
		}
		return value, true
	}
	if loc.Repetition == 0 && loc.Component == 0 {
		return value, true
	}

	reps := strings.Split(value, string(m.Delims.Repetition))
	value, ok := pick(reps, max(loc.Repetition, 1))
	if !ok || loc.Component == 0 {
		return value, ok
	}
	value, ok = pick(strings.Split(value, string(m.Delims.Component)), loc.Component)
	if !ok || loc.Subcomponent == 0 {
		return value, ok
	}
	return pick(strings.Split(value, string(m.Delims.Subcomponent)), loc.Subcomponent)
}

// isDelimiterField reports whether loc names MSH.1 or MSH.2. They are
// read whole and never split on the delimiters they declare.
func isDelimiterField(loc Location) bool {
	return loc.Segment == "MSH" && (loc.Field == 1 || loc.Field == 2)
}

func pick(items []string, n int) (string, bool) {
	if n < 1 || n > len(items) {
		return "", false
	}
	return items[n-1], true
}

// Set stores value at loc, growing the field, repetition and component
// lists as needed. The segment must exist. A location naming only a field
// replaces the whole field with value verbatim.
func (m *Message) Set(loc Location, value string) error {
	if loc.IsSegment() {
		return fmt.Errorf("%w: %s does not name a field", ErrInvalidPath, loc)
	}
	seg := m.Segment(loc.Segment, loc.Occurrence)
	if seg == nil {
		return fmt.Errorf("%w: %s", ErrSegmentNotFound, segmentRef(loc))
	}
	if isDelimiterField(loc) {
		return fmt.Errorf("%w: %s holds delimiters", ErrProtectedField, loc)
	}

	for len(seg.Fields) < loc.Field {
		seg.Fields = append(seg.Fields, "")
	}
	idx := loc.Field - 1

	if loc.Component == 0 && loc.Repetition == 0 {
		seg.Fields[idx] = value
		return nil
	}

	d := m.Delims
	reps := strings.Split(seg.Fields[idx], string(d.Repetition))
	r := max(loc.Repetition, 1)
	reps = grow(reps, r)

	if loc.Component == 0 {
		reps[r-1] = value
	} else {
		comps := grow(strings.Split(reps[r-1], string(d.Component)), loc.Component)
		if loc.Subcomponent == 0 {
			comps[loc.Component-1] = value
		} else {
			subs := grow(strings.Split(comps[loc.Component-1], string(d.Subcomponent)), loc.Subcomponent)
			subs[loc.Subcomponent-1] = value
			comps[loc.Component-1] = strings.Join(subs, string(d.Subcomponent))
		}
		reps[r-1] = strings.Join(comps, string(d.Component))
	}
	seg.Fields[idx] = strings.Join(reps, string(d.Repetition))
	return nil
}

func grow(items []string, n int) []string {
	for len(items) < n {
		items = append(items, "")
	}
	return items
}

// InsertSegment adds an empty segment named name after the last existing
// one of that name, or at the end. When occurrence is beyond the next
// free position, empty placeholder segments fill the gap.
func (m *Message) InsertSegment(name string, occurrence int) error {
	if !validSegmentName(name) {
		return fmt.Errorf("%w: name %q", ErrBadSegment, name)
	}

	pos := len(m.Segments)
	count := 0
	for i, seg := range m.Segments {
		if seg.Name == name {
			count++
			pos = i + 1
		}
	}

	n := 1
	if occurrence > count+1 {
		n = occurrence - count
	}
	added := make([]*Segment, n)
	for i := range added {
		added[i] = &Segment{Name: name}
	}
	m.Segments = append(m.Segments[:pos], append(added, m.Segments[pos:]...)...)
	return nil
}

// RemoveSegment deletes the occurrence-th segment named name. Removing a
// segment that does not exist is not an error; it reports false.
func (m *Message) RemoveSegment(name string, occurrence int) (bool, error) {
	if name == "MSH" {
		return false, ErrRemoveMSH
	}
	target := m.Segment(name, occurrence)
	if target == nil {
		return false, nil
	}
	for i, seg := range m.Segments {
		if seg == target {
			m.Segments = append(m.Segments[:i], m.Segments[i+1:]...)
			break
		}
	}
	return true, nil
}

func segmentRef(loc Location) string {
	if loc.Occurrence > 1 {
		return fmt.Sprintf("%s[%d]", loc.Segment, loc.Occurrence)
	}
	return loc.Segment
}
