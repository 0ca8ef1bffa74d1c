package ofp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTruncated indicates the stream ended in the middle of a frame.
var ErrFrameTruncated = errors.New("frame truncated")

// FrameReader splits a byte stream into OpenFlow frames using the length
// field of the common header.
//
// Framing never rejects a frame on semantic grounds. A header whose length
// field is below HeaderSize cannot describe its own extent, so the reader
// returns just those HeaderSize bytes as the frame and resynchronizes on the
// next header; the comparison stage decides what a malformed frame means.
type FrameReader struct {
	r      io.Reader
	header [HeaderSize]byte
}

// NewFrameReader creates a FrameReader over r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame blocks until one complete frame is available and returns a
// freshly allocated copy of it. io.EOF is returned unwrapped on a clean end
// of stream between frames.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read header: %w", ErrFrameTruncated)
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	length := int(binary.BigEndian.Uint16(fr.header[offLength:offXID]))
	if length < HeaderSize {
		frame := make([]byte, HeaderSize)
		copy(frame, fr.header[:])
		return frame, nil
	}

	frame := make([]byte, length)
	copy(frame, fr.header[:])
	if _, err := io.ReadFull(fr.r, frame[HeaderSize:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("read body of %d bytes: %w", length-HeaderSize, ErrFrameTruncated)
		}
		return nil, fmt.Errorf("read body: %w", err)
	}
	return frame, nil
}
