package hl7

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleADT = "MSH|^~\\&|SENDER|FAC|RECV|FAC|20240101120000||ADT^A01|MSG0001|P|2.5\r" +
	"PID|1||12345^^^HOSP^MR~67890^^^ALT||Doe^John^Q||19800101|M\r" +
	"OBX|1|ST|CODE^Text||first\r" +
	"OBX|2|ST|CODE^Text||second"

func TestParse(t *testing.T) {
	m, err := Parse(sampleADT)
	require.NoError(t, err)

	assert.Equal(t, DefaultDelimiters, m.Delims)
	require.Len(t, m.Segments, 4)
	assert.Equal(t, "MSH", m.Segments[0].Name)
	assert.Equal(t, "|", m.Segments[0].Field(1))
	assert.Equal(t, "^~\\&", m.Segments[0].Field(2))
	assert.Equal(t, "SENDER", m.Segments[0].Field(3))
	assert.Equal(t, "ADT^A01", m.Segments[0].Field(9))
	assert.Equal(t, "MSG0001", m.Segments[0].Field(10))
	assert.Equal(t, 2, m.Count("OBX"))
	assert.Equal(t, "second", m.Segment("OBX", 2).Field(5))
	assert.Nil(t, m.Segment("OBX", 3))
	assert.Equal(t, sampleADT, m.String())
}

func TestParse_LineEndings(t *testing.T) {
	text := "MSH|^~\\&|A\r\nPID|1\n\nPV1|1\r"
	m, err := Parse(text)
	require.NoError(t, err)
	require.Len(t, m.Segments, 3)
	assert.Equal(t, "MSH|^~\\&|A\rPID|1\rPV1|1", m.String())
}

func TestParse_CustomDelimiters(t *testing.T) {
	m, err := Parse("MSH#*!/%#A*B\rPID#1#X*Y")
	require.NoError(t, err)
	assert.Equal(t, byte('#'), m.Delims.Field)
	assert.Equal(t, byte('*'), m.Delims.Component)

	v, ok := m.Get(Location{Segment: "PID", Field: 2, Component: 2})
	require.True(t, ok)
	assert.Equal(t, "Y", v)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{"empty", "  \r\n", ErrEmpty},
		{"no MSH", "PID|1", ErrMissingMSH},
		{"short header", "MSH|^~", ErrBadEncoding},
		{"short encoding", "MSH|^~|A", ErrBadEncoding},
		{"duplicate delimiter", "MSH|^^\\&|A", ErrBadEncoding},
		{"bad segment name", "MSH|^~\\&|A\rpid|1", ErrBadSegment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, Validate(tt.text), tt.want)
		})
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		path string
		want Location
	}{
		{"PID", Location{Segment: "PID"}},
		{"OBX[2]", Location{Segment: "OBX", Occurrence: 2}},
		{"PID.5", Location{Segment: "PID", Field: 5}},
		{"PID.5.1", Location{Segment: "PID", Field: 5, Component: 1}},
		{"PID.3[2].1", Location{Segment: "PID", Field: 3, Repetition: 2, Component: 1}},
		{"OBX[2].5.1.2", Location{Segment: "OBX", Occurrence: 2, Field: 5, Component: 1, Subcomponent: 2}},
		{"Z01.1", Location{Segment: "Z01", Field: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := ParseLocation(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.path, got.String())
		})
	}

	for _, bad := range []string{"", "pid.5", "PID.", "PID.0", "PID[0]", "PID.5.1.2.3", "1AB.1", "PID-5"} {
		_, err := ParseLocation(bad)
		assert.ErrorIs(t, err, ErrInvalidPath, "path %q", bad)
	}
}
