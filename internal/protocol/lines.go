package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// MaxLineBytes bounds unterminated input buffered for one client connection.
const MaxLineBytes = 10 << 20

var ErrLineTooLarge = errors.New("protocol: line too large")

// LineReader splits a stream into newline-delimited messages. Partial lines
// stay buffered until their terminator arrives.
type LineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func NewLineReader(r io.Reader, max int) *LineReader {
	if max <= 0 {
		max = MaxLineBytes
	}
	return &LineReader{r: bufio.NewReaderSize(r, min(64<<10, max+1)), max: max}
}

// ReadLine returns the next complete line without its terminator. Once the
// buffered, unterminated data exceeds the limit it returns ErrLineTooLarge.
// A trailing partial line at EOF is discarded.
func (lr *LineReader) ReadLine() ([]byte, error) {
	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.buf = append(lr.buf, chunk...)
		if len(lr.buf) > lr.max+1 || (len(lr.buf) > lr.max && !bytes.HasSuffix(lr.buf, []byte{'\n'})) {
			lr.buf = nil
			return nil, ErrLineTooLarge
		}
		switch {
		case err == nil:
			line := bytes.TrimRight(lr.buf, "\r\n")
			out := make([]byte, len(line))
			copy(out, line)
			lr.buf = lr.buf[:0]
			return out, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			lr.buf = nil
			return nil, err
		}
	}
}

// Buffered reports how many bytes of an unterminated line are held.
func (lr *LineReader) Buffered() int { return len(lr.buf) }

// WriteLine encodes v as one JSON line.
func WriteLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
