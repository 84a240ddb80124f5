package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineReaderSplitsLines(t *testing.T) {
	lr := NewLineReader(strings.NewReader("{\"a\":1}\r\n{\"b\":2}\npartial"), 0)

	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(line))

	line, err = lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(line))

	_, err = lr.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLineReaderKeepsPartialAcrossReads(t *testing.T) {
	pr, pw := io.Pipe()
	lr := NewLineReader(pr, 0)
	go func() {
		_, _ = pw.Write([]byte(`{"command":`))
		_, _ = pw.Write([]byte(`"ping"}` + "\n"))
		_ = pw.Close()
	}()

	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, `{"command":"ping"}`, string(line))
}

func TestLineReaderEnforcesCeiling(t *testing.T) {
	input := bytes.Repeat([]byte("x"), 200)
	lr := NewLineReader(bytes.NewReader(input), 100)

	_, err := lr.ReadLine()
	assert.ErrorIs(t, err, ErrLineTooLarge)
}

func TestLineReaderAllowsLineAtCeiling(t *testing.T) {
	input := append(bytes.Repeat([]byte("x"), 100), '\n')
	lr := NewLineReader(bytes.NewReader(input), 100)

	line, err := lr.ReadLine()
	require.NoError(t, err)
	assert.Len(t, line, 100)
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLine(&buf, Fail("Invalid or missing auth token")))
	assert.Equal(t, `{"success":false,"error":"Invalid or missing auth token"}`+"\n", buf.String())
}
