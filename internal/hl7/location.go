package hl7

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidPath is returned for paths that do not parse.
var ErrInvalidPath = errors.New("invalid path")

// Location addresses a segment or a value inside one. Indices are 1-based;
// zero means not specified. A Location with Field == 0 addresses a whole
// segment.
type Location struct {
	Segment      string
	Occurrence   int
	Field        int
	Repetition   int
	Component    int
	Subcomponent int
}

// pathPattern matches SEG, SEG[2], SEG.5, SEG[2].5[3].1.2 and so on.
var pathPattern = regexp.MustCompile(`^([A-Z][A-Z0-9]{2})(?:\[(\d+)\])?(?:\.(\d+)(?:\[(\d+)\])?(?:\.(\d+)(?:\.(\d+))?)?)?$`)

// ParseLocation parses a path such as "PID.5.1", "OBX[2].5" or
// "PID.3[2].1".
func ParseLocation(path string) (Location, error) {
	m := pathPattern.FindStringSubmatch(strings.TrimSpace(path))
	if m == nil {
		return Location{}, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}

	loc := Location{Segment: m[1]}
	targets := []*int{&loc.Occurrence, &loc.Field, &loc.Repetition, &loc.Component, &loc.Subcomponent}
	for i, target := range targets {
		s := m[i+2]
		if s == "" {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return Location{}, fmt.Errorf("%w: %q: indices start at 1", ErrInvalidPath, path)
		}
		*target = n
	}
	return loc, nil
}

// IsSegment reports whether loc addresses a whole segment.
func (l Location) IsSegment() bool {
	return l.Field == 0
}

// String formats loc back into path syntax.
func (l Location) String() string {
	var b strings.Builder
	b.WriteString(l.Segment)
	if l.Occurrence > 0 {
		fmt.Fprintf(&b, "[%d]", l.Occurrence)
	}
	if l.Field == 0 {
		return b.String()
	}
	fmt.Fprintf(&b, ".%d", l.Field)
	if l.Repetition > 0 {
		fmt.Fprintf(&b, "[%d]", l.Repetition)
	}
	if l.Component > 0 {
		fmt.Fprintf(&b, ".%d", l.Component)
		if l.Subcomponent > 0 {
			fmt.Fprintf(&b, ".%d", l.Subcomponent)
		}
	}
	return b.String()
}
