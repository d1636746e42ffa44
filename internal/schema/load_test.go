package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBase_Directory(t *testing.T) {
	dir := t.TempDir()
	pid := `
[[fields]]
field = 3
name = "Patient ID"
required = true
maxlength = 20

[[fields]]
field = 5
component = 1
name = "Family Name"

[[fields]]
field = 8
name = "Sex"
values = { M = "Male", F = "Female" }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pid.toml"), []byte(pid), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "msh.toml"), []byte("[[fields]]\nfield = 9\nname = \"Message Type\"\n"), 0o644))

	s, err := LoadBase(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"MSH", "PID"}, s.SegmentNames())

	f, ok := s.Lookup("PID", 3, nil)
	require.True(t, ok)
	assert.Equal(t, "Patient ID", f.Name)
	assert.Equal(t, ptr(true), f.Required)
	assert.Equal(t, ptr(uint16(20)), f.MaxLength)

	f, ok = s.Lookup("PID", 5, ptr(1))
	require.True(t, ok)
	assert.Equal(t, "Family Name", f.Name)

	f, ok = s.Lookup("PID", 8, nil)
	require.True(t, ok)
	assert.Equal(t, map[string]string{"M": "Male", "F": "Female"}, f.Values)
}

func TestLoadBase_Files(t *testing.T) {
	dir := t.TempDir()

	tomlPath := filepath.Join(dir, "base.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte(`
[[segments.PID.fields]]
field = 7
name = "Birth Date"
datatype = "date"
`), 0o644))

	s, err := LoadBase(tomlPath)
	require.NoError(t, err)
	f, ok := s.Lookup("PID", 7, nil)
	require.True(t, ok)
	assert.Equal(t, ptr(DataTypeDate), f.DataType)

	jsonPath := filepath.Join(dir, "base.json")
	data, err := json.Marshal(pidBase())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(jsonPath, data, 0o644))

	s, err = LoadBase(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, pidBase(), s)
}

func TestLoadBase_Errors(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("[[segments.PID.fields]]\nfield = \n"), 0o644))
	_, err := LoadBase(bad)
	assert.Error(t, err)

	yml := filepath.Join(dir, "base.yaml")
	require.NoError(t, os.WriteFile(yml, []byte("segments: {}"), 0o644))
	_, err = LoadBase(yml)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = LoadBase(filepath.Join(dir, "missing.toml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseOverride_Invalid(t *testing.T) {
	_, err := ParseOverride([]byte(`{"segments":{"PID":{"fields":[{"field":"three"}]}}}`))
	assert.Error(t, err)
}

func TestOverrideJSONSchema(t *testing.T) {
	s := OverrideJSONSchema()
	data, err := json.Marshal(s)
	require.NoError(t, err)

	doc := string(data)
	assert.Contains(t, doc, `"segments"`)
	assert.Contains(t, doc, `"datatype"`)
	assert.Contains(t, doc, `"null"`)
}

func TestBuiltin(t *testing.T) {
	s, err := Builtin()
	require.NoError(t, err)
	assert.Equal(t, []string{"EVN", "MSH", "PID", "PV1"}, s.SegmentNames())

	f, ok := s.Lookup("PID", 8, nil)
	require.True(t, ok)
	assert.Equal(t, "Administrative Sex", f.Name)
	assert.Nil(t, f.Note)

	// The PID.8 override scenario applies on top of the built-in base.
	o, err := ParseOverride([]byte(`{"segments":{"PID":{"fields":[{"field":8,"note":"Use U when unknown","values":{"X":"Non-binary"}}]}}}`))
	require.NoError(t, err)
	merged := Merge(s, []*Override{o})
	f, ok = merged.Lookup("PID", 8, nil)
	require.True(t, ok)
	assert.Equal(t, "Administrative Sex", f.Name)
	assert.Equal(t, ptr("Use U when unknown"), f.Note)

	again, err := Builtin()
	require.NoError(t, err)
	g, _ := again.Lookup("PID", 8, nil)
	assert.Nil(t, g.Note, "Builtin returns independent copies")
}
