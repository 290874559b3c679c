package ndjson

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEncodeWritesOneLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, testLogger())

	require.NoError(t, enc.Encode(record{Type: "action.started", Index: 0}))
	require.NoError(t, enc.Encode(record{Type: "action.finished", Index: 0}))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"type":"action.started","index":0}`, lines[0])
}

func TestDecodeSequence(t *testing.T) {
	input := "{\"type\":\"a\",\"index\":1}\n\n{\"type\":\"b\",\"index\":2}\n"
	dec := NewDecoder(strings.NewReader(input))

	var got []record
	for {
		var r record
		err := dec.Decode(&r)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, r)
	}

	assert.Equal(t, []record{{"a", 1}, {"b", 2}}, got)
	assert.Equal(t, 3, dec.Line())
}

func TestEncoderSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, testLogger())

	err := enc.Encode(map[string]string{"blob": strings.Repeat("x", MaxMessageSize)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
	assert.Zero(t, buf.Len())
}

func TestDecoderSizeLimit(t *testing.T) {
	line := `{"blob":"` + strings.Repeat("x", MaxMessageSize+10) + "\"}\n"
	dec := NewDecoder(strings.NewReader(line))

	var v map[string]string
	err := dec.Decode(&v)
	require.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
	assert.False(t, IsLineError(err))
}

func TestDecoderSkipsPastBadLine(t *testing.T) {
	dec := NewDecoder(strings.NewReader("{\"type\":\"a\"}\nnot json\n{\"type\":\"c\"}\n"))

	var r record
	require.NoError(t, dec.Decode(&r))
	err := dec.Decode(&r)
	require.Error(t, err)
	assert.True(t, IsLineError(err))
	assert.Contains(t, err.Error(), "line 2")

	var le *LineError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 2, le.Line)

	require.NoError(t, dec.Decode(&r))
	assert.Equal(t, "c", r.Type)
	assert.Equal(t, io.EOF, dec.Decode(&r))
}

func TestDecoderEOF(t *testing.T) {
	dec := NewDecoder(strings.NewReader(""))
	var r record
	assert.Equal(t, io.EOF, dec.Decode(&r))
}
