package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxInboundFrame bounds frames read from the automation channel.
	MaxInboundFrame = 64 << 20
	// MaxOutboundFrame matches the browser's native messaging limit for
	// host-to-extension messages.
	MaxOutboundFrame = 1 << 20
)

var ErrFrameTooLarge = errors.New("protocol: frame too large")

// FrameReader reads 4-byte little-endian length-prefixed frames.
type FrameReader struct {
	r   io.Reader
	max int
	hdr [4]byte
}

func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = MaxInboundFrame
	}
	return &FrameReader{r: r, max: max}
}

// ReadFrame returns the next frame payload. A clean EOF between frames is
// reported as io.EOF; EOF inside a frame is io.ErrUnexpectedEOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(fr.hdr[:])
	if int64(n) > int64(fr.max) {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload with its length prefix in a single Write call.
// Callers sharing w must serialize access.
func WriteFrame(w io.Writer, payload []byte, max int) error {
	if max > 0 && len(payload) > max {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}
