// Package netutil implements the framed wire protocol mobile ingest
// sessions speak over a raw TCP connection: a fixed 5-byte header
// ([type:u8][length:u32 big-endian]) followed by exactly length bytes of
// payload, matching the original's `struct.pack('!BI', ...)` framing.
package netutil

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 5

// MaxPayload bounds a single frame's payload so a corrupt or hostile length
// field cannot force an unbounded allocation.
const MaxPayload = 32 * 1024 * 1024

// FrameType identifies the payload kind, matching the original's
// DataContent enum (metadata=0, video=1, audio=2, userdata=3).
type FrameType uint8

const (
	FrameMetadata FrameType = 0
	FrameVideo    FrameType = 1
	FrameAudio    FrameType = 2
	FrameUserData FrameType = 3
)

// Frame is one decoded unit from the wire.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// FramedReader decodes a sequence of Frames from an underlying stream.
type FramedReader struct {
	r *bufio.Reader
}

// NewFramedReader wraps r with frame decoding, buffering reads the way the
// original's socket Buffer did to avoid a syscall per header/payload.
func NewFramedReader(r io.Reader) *FramedReader {
	return &FramedReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame blocks until a complete frame is available, or returns io.EOF
// if the stream ended cleanly on a frame boundary.
func (f *FramedReader) ReadFrame() (Frame, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(f.r, header[:]); err != nil {
		return Frame{}, err
	}

	typ := FrameType(header[0])
	size := binary.BigEndian.Uint32(header[1:])
	if size > MaxPayload {
		return Frame{}, fmt.Errorf("netutil: frame payload %d exceeds max %d", size, MaxPayload)
	}

	payload := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(f.r, payload); err != nil {
			return Frame{}, fmt.Errorf("netutil: short payload read: %w", err)
		}
	}
	return Frame{Type: typ, Payload: payload}, nil
}

// WriteFrame encodes and writes one frame to w.
func WriteFrame(w io.Writer, typ FrameType, payload []byte) error {
	var header [HeaderSize]byte
	header[0] = byte(typ)
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("netutil: write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("netutil: write payload: %w", err)
		}
	}
	return nil
}
