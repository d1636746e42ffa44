package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/dshills/exthost/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "exthost dev")
	assert.Contains(t, out, "API version: 1.0")
}

func TestSchemaJSONSchema(t *testing.T) {
	out, err := execute(t, "schema", "jsonschema")
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "Schema override", doc["title"])
}

func TestSchemaMerge(t *testing.T) {
	override := writeFile(t, "override.json", `{
  "segments": {
    "PID": {"fields": [{"field": 8, "name": "Sex", "values": null}]}
  }
}`)

	out, err := execute(t, "schema", "merge", override)
	require.NoError(t, err)

	var merged struct {
		Segments map[string]struct {
			Fields []struct {
				Field     int               `json:"field"`
				Component *int              `json:"component"`
				Name      string            `json:"name"`
				Values    map[string]string `json:"values"`
			} `json:"fields"`
		} `json:"segments"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &merged))
	require.Contains(t, merged.Segments, "PID")

	found := false
	for _, f := range merged.Segments["PID"].Fields {
		if f.Field == 8 && f.Component == nil {
			found = true
			assert.Equal(t, "Sex", f.Name)
			assert.Empty(t, f.Values)
		}
	}
	assert.True(t, found, "PID.8 missing from %s", out)
}

func TestSchemaMerge_Errors(t *testing.T) {
	_, err := execute(t, "schema", "merge", filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := writeFile(t, "bad.json", "{")
	_, err = execute(t, "schema", "merge", bad)
	assert.Error(t, err)

	_, err = execute(t, "schema", "merge", "--output", "xml")
	assert.Error(t, err)
}

func TestConfigShow(t *testing.T) {
	path := writeFile(t, "config.toml", `
[host]
logLevel = "warn"

[[extensions]]
path = "/opt/ext/a"
`)

	tests := []struct {
		format string
		decode func([]byte, any) error
	}{
		{"json", json.Unmarshal},
		{"yaml", yaml.Unmarshal},
		{"toml", toml.Unmarshal},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			out, err := execute(t, "config", "show", "--no-env", "--config", path,
				"--log-level", "debug", "-o", tt.format)
			require.NoError(t, err)

			var doc map[string]any
			require.NoError(t, tt.decode([]byte(out), &doc), out)
			host, ok := doc["host"].(map[string]any)
			require.True(t, ok, out)
			assert.Equal(t, "debug", host["logLevel"])
			assert.Len(t, doc["extensions"], 1)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	good := writeFile(t, "config.toml", "[[extensions]]\npath = \"/opt/ext/a\"\n")
	out, err := execute(t, "config", "validate", "--no-env", "--config", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (1 extensions)")

	bad := writeFile(t, "config.toml", "[host]\nlogFormat = \"xml\"\n")
	_, err = execute(t, "config", "validate", "--no-env", "--config", bad)
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Has("host.logFormat"))

	_, err = execute(t, "config", "validate", "--no-env", "--config", good, "--log-level", "loud")
	assert.Error(t, err)
}
