package hl7

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is an insertion-ordered string map. The tree export uses it so
// segments keep message order and indices keep numeric order in JSON and
// YAML output.
type Node struct {
	keys   []string
	values map[string]any
}

// NewNode returns an empty Node.
func NewNode() *Node {
	return &Node{values: make(map[string]any)}
}

// Set stores v under k, appending k if it is new.
func (n *Node) Set(k string, v any) {
	if _, ok := n.values[k]; !ok {
		n.keys = append(n.keys, k)
	}
	n.values[k] = v
}

// Get returns the value stored under k.
func (n *Node) Get(k string) (any, bool) {
	v, ok := n.values[k]
	return v, ok
}

// Keys returns the keys in insertion order.
func (n *Node) Keys() []string {
	return n.keys
}

// Len returns the number of keys.
func (n *Node) Len() int {
	return len(n.keys)
}

// MarshalJSON writes the keys in insertion order.
func (n *Node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range n.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(n.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalYAML builds a mapping node in insertion order.
func (n *Node) MarshalYAML() (any, error) {
	out := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range n.keys {
		var key, val yaml.Node
		if err := key.Encode(k); err != nil {
			return nil, err
		}
		if err := val.Encode(n.values[k]); err != nil {
			return nil, err
		}
		out.Content = append(out.Content, &key, &val)
	}
	return out, nil
}

// Plain converts the node into nested map[string]any values, for encoders
// that cannot use custom marshalers.
func (n *Node) Plain() map[string]any {
	out := make(map[string]any, len(n.keys))
	for _, k := range n.keys {
		out[k] = plain(n.values[k])
	}
	return out
}

func plain(v any) any {
	switch t := v.(type) {
	case *Node:
		return t.Plain()
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = plain(item)
		}
		return items
	default:
		return v
	}
}

// Tree converts the message into a nested structure:
//
//   - segment names are keys; a repeated segment becomes a list
//   - fields are keyed by their 1-based index; empty fields are omitted
//   - a field with repetitions becomes a list
//   - components and subcomponents become nodes keyed by index when there
//     is more than one, and plain strings otherwise
func (m *Message) Tree() *Node {
	root := NewNode()
	for _, seg := range m.Segments {
		fields := m.segmentTree(seg)
		existing, ok := root.Get(seg.Name)
		switch {
		case !ok:
			root.Set(seg.Name, fields)
		case isList(existing):
			root.Set(seg.Name, append(existing.([]any), fields))
		default:
			root.Set(seg.Name, []any{existing, fields})
		}
	}
	return root
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}

func (m *Message) segmentTree(seg *Segment) *Node {
	d := m.Delims
	node := NewNode()
	for i, raw := range seg.Fields {
		if raw == "" {
			continue
		}
		key := strconv.Itoa(i + 1)
		if seg.Name == "MSH" && i < 2 {
			node.Set(key, raw)
			continue
		}

		reps := strings.Split(raw, string(d.Repetition))
		if len(reps) == 1 {
			node.Set(key, split(reps[0], d.Component, func(c string) any {
				return split(c, d.Subcomponent, nil)
			}))
			continue
		}
		list := make([]any, len(reps))
		for j, rep := range reps {
			list[j] = split(rep, d.Component, func(c string) any {
				return split(c, d.Subcomponent, nil)
			})
		}
		node.Set(key, list)
	}
	return node
}

// split returns s itself when it has no sep, otherwise a node of its
// non-empty parts keyed by index, each part converted by inner.
func split(s string, sep byte, inner func(string) any) any {
	if strings.IndexByte(s, sep) < 0 {
		return s
	}
	node := NewNode()
	for i, part := range strings.Split(s, string(sep)) {
		if part == "" {
			continue
		}
		var v any = part
		if inner != nil {
			v = inner(part)
		}
		node.Set(strconv.Itoa(i+1), v)
	}
	return node
}

// FromTree rebuilds a message from a tree. order lists the segment keys
// in message order; keys of segments missing from order are appended in
// sorted order. Values may be *Node or decoded maps; scalars of any type
// are formatted with %v.
func FromTree(order []string, segments map[string]any) (*Message, error) {
	names := orderedKeys(order, segments)
	if len(names) == 0 || names[0] != "MSH" {
		return nil, ErrMissingMSH
	}

	m := &Message{Delims: DefaultDelimiters}
	if mshValue, ok := segments["MSH"]; ok {
		msh := firstOf(mshValue)
		if sep, ok := lookup(msh, "1"); ok {
			s := fmt.Sprint(sep)
			if len(s) != 1 {
				return nil, fmt.Errorf("%w: field separator %q", ErrBadEncoding, s)
			}
			m.Delims.Field = s[0]
		}
		if enc, ok := lookup(msh, "2"); ok {
			s := fmt.Sprint(enc)
			if len(s) < 4 {
				return nil, fmt.Errorf("%w: %q", ErrBadEncoding, s)
			}
			m.Delims.Component, m.Delims.Repetition = s[0], s[1]
			m.Delims.Escape, m.Delims.Subcomponent = s[2], s[3]
		}
	}

	for _, name := range names {
		if !validSegmentName(name) {
			return nil, fmt.Errorf("%w: name %q", ErrBadSegment, name)
		}
		value := segments[name]
		items, ok := value.([]any)
		if !ok {
			items = []any{value}
		}
		for _, item := range items {
			seg, err := m.segmentFromTree(name, item)
			if err != nil {
				return nil, err
			}
			m.Segments = append(m.Segments, seg)
		}
	}
	return m, nil
}

func (m *Message) segmentFromTree(name string, v any) (*Segment, error) {
	seg := &Segment{Name: name}
	if v == nil {
		return seg, nil
	}
	entries, err := indexed(v)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", name, err)
	}
	for idx, val := range entries {
		seg.Fields = grow(seg.Fields, idx)
		if name == "MSH" && idx <= 2 {
			continue
		}
		seg.Fields[idx-1] = m.fieldFromTree(val)
	}
	if name == "MSH" {
		seg.Fields = grow(seg.Fields, 2)
		seg.Fields[0] = string(m.Delims.Field)
		seg.Fields[1] = m.Delims.Encoding()
	}
	return seg, nil
}

func (m *Message) fieldFromTree(v any) string {
	d := m.Delims
	if list, ok := v.([]any); ok {
		reps := make([]string, len(list))
		for i, item := range list {
			reps[i] = join(item, d.Component, func(c any) string {
				return join(c, d.Subcomponent, nil)
			})
		}
		return strings.Join(reps, string(d.Repetition))
	}
	return join(v, d.Component, func(c any) string {
		return join(c, d.Subcomponent, nil)
	})
}

// join is the inverse of split.
func join(v any, sep byte, inner func(any) string) string {
	entries, err := indexed(v)
	if err != nil {
		if v == nil {
			return ""
		}
		return fmt.Sprint(v)
	}
	var parts []string
	for idx, val := range entries {
		parts = grow(parts, idx)
		if inner != nil {
			parts[idx-1] = inner(val)
		} else {
			parts[idx-1] = fmt.Sprint(val)
		}
	}
	return strings.Join(parts, string(sep))
}

// indexed returns the entries of a keyed container by numeric index.
func indexed(v any) (map[int]any, error) {
	var keys []string
	var get func(string) any
	switch t := v.(type) {
	case *Node:
		keys, get = t.Keys(), func(k string) any { val, _ := t.Get(k); return val }
	case map[string]any:
		for k := range t {
			keys = append(keys, k)
		}
		get = func(k string) any { return t[k] }
	case map[any]any:
		str := make(map[string]any, len(t))
		for k, val := range t {
			key := fmt.Sprint(k)
			keys = append(keys, key)
			str[key] = val
		}
		get = func(k string) any { return str[k] }
	default:
		return nil, fmt.Errorf("expected an object, got %T", v)
	}

	out := make(map[int]any, len(keys))
	for _, k := range keys {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 1 {
			return nil, fmt.Errorf("invalid index %q", k)
		}
		out[idx] = get(k)
	}
	return out, nil
}

func lookup(v any, key string) (any, bool) {
	switch t := v.(type) {
	case *Node:
		return t.Get(key)
	case map[string]any:
		val, ok := t[key]
		return val, ok
	case map[any]any:
		for k, val := range t {
			if fmt.Sprint(k) == key {
				return val, true
			}
		}
	}
	return nil, false
}

func firstOf(v any) any {
	if list, ok := v.([]any); ok && len(list) > 0 {
		return list[0]
	}
	return v
}

func orderedKeys(order []string, segments map[string]any) []string {
	seen := make(map[string]bool, len(segments))
	var names []string
	for _, k := range order {
		if _, ok := segments[k]; ok && !seen[k] {
			names = append(names, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range segments {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
