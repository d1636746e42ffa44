package editor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pelletier/go-toml/v2/unstable"
	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/dshills/exthost/internal/hl7"
)

// Format is a representation of the edited message.
type Format string

// Supported formats.
const (
	FormatHL7  Format = "hl7"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// ErrUnknownFormat is returned by ParseFormat.
var ErrUnknownFormat = errors.New("unknown message format")

// formatAliases maps the descriptive names extensions may declare in their
// event subscriptions onto concrete formats.
var formatAliases = map[string]Format{
	"":       FormatHL7,
	"hl7":    FormatHL7,
	"raw":    FormatHL7,
	"json":   FormatJSON,
	"tree":   FormatJSON,
	"yaml":   FormatYAML,
	"human":  FormatYAML,
	"toml":   FormatTOML,
	"config": FormatTOML,
}

// ParseFormat resolves a format name or alias. The empty string means hl7.
func ParseFormat(s string) (Format, error) {
	f, ok := formatAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
	return f, nil
}

// Render converts raw message text into format f.
func Render(text string, f Format) (string, error) {
	if f == FormatHL7 {
		return text, nil
	}
	msg, err := hl7.Parse(text)
	if err != nil {
		return "", err
	}
	tree := msg.Tree()

	switch f {
	case FormatJSON:
		data, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode json: %w", err)
		}
		return string(data), nil

	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return "", fmt.Errorf("encode yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return "", fmt.Errorf("encode yaml: %w", err)
		}
		return buf.String(), nil

	case FormatTOML:
		return renderTOML(tree)
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFormat, f)
}

// renderTOML encodes each segment as its own document so segments keep
// message order; the encoder sorts map keys.
func renderTOML(tree *hl7.Node) (string, error) {
	var buf bytes.Buffer
	for i, name := range tree.Keys() {
		v, _ := tree.Get(name)
		data, err := toml.Marshal(map[string]any{name: plainValue(v)})
		if err != nil {
			return "", fmt.Errorf("encode toml segment %s: %w", name, err)
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(data)
	}
	return buf.String(), nil
}

func plainValue(v any) any {
	switch t := v.(type) {
	case *hl7.Node:
		return t.Plain()
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = plainValue(item)
		}
		return items
	}
	return v
}

// Import converts content in format f into raw message text.
func Import(content string, f Format) (string, error) {
	if f == FormatHL7 {
		return content, nil
	}

	var (
		order    []string
		segments map[string]any
		err      error
	)
	switch f {
	case FormatJSON:
		order, segments, err = decodeJSON(content)
	case FormatYAML:
		order, segments, err = decodeYAML(content)
	case FormatTOML:
		order, segments, err = decodeTOML(content)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, f)
	}
	if err != nil {
		return "", err
	}

	msg, err := hl7.FromTree(order, segments)
	if err != nil {
		return "", err
	}
	return msg.String(), nil
}

func decodeJSON(content string) ([]string, map[string]any, error) {
	if !gjson.Valid(content) {
		return nil, nil, errors.New("parse json: invalid document")
	}
	root := gjson.Parse(content)
	if !root.IsObject() {
		return nil, nil, errors.New("parse json: top level must be an object")
	}

	var order []string
	root.ForEach(func(key, _ gjson.Result) bool {
		order = append(order, key.String())
		return true
	})

	dec := json.NewDecoder(strings.NewReader(content))
	dec.UseNumber()
	var segments map[string]any
	if err := dec.Decode(&segments); err != nil {
		return nil, nil, fmt.Errorf("parse json: %w", err)
	}
	return order, segments, nil
}

func decodeYAML(content string) ([]string, map[string]any, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, nil, fmt.Errorf("parse yaml: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, nil, errors.New("parse yaml: top level must be a mapping")
	}

	root := doc.Content[0]
	var order []string
	for i := 0; i+1 < len(root.Content); i += 2 {
		order = append(order, root.Content[i].Value)
	}

	var segments map[string]any
	if err := root.Decode(&segments); err != nil {
		return nil, nil, fmt.Errorf("parse yaml: %w", err)
	}
	return order, segments, nil
}

func decodeTOML(content string) ([]string, map[string]any, error) {
	var segments map[string]any
	if err := toml.Unmarshal([]byte(content), &segments); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, nil, fmt.Errorf("parse toml: line %d column %d: %w", row, col, err)
		}
		return nil, nil, fmt.Errorf("parse toml: %w", err)
	}
	return tomlOrder([]byte(content)), segments, nil
}

// tomlOrder returns the top-level keys of a TOML document in the order
// they first appear, taken from table headers and leading key/values.
func tomlOrder(data []byte) []string {
	var (
		order  []string
		seen   = make(map[string]bool)
		inBody bool
	)
	add := func(it unstable.Iterator) {
		if it.Next() {
			name := string(it.Node().Data)
			if !seen[name] {
				seen[name] = true
				order = append(order, name)
			}
		}
	}

	p := unstable.Parser{}
	p.Reset(data)
	for p.NextExpression() {
		expr := p.Expression()
		switch expr.Kind {
		case unstable.Table, unstable.ArrayTable:
			inBody = true
			add(expr.Key())
		case unstable.KeyValue:
			if !inBody {
				add(expr.Key())
			}
		}
	}
	return order
}
