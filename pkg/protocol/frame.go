package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the default maximum frame size (64 KB)
	MaxFrameSize = 64 * 1024

	// ProtocolVersion is the current protocol version, reported in login_success
	ProtocolVersion = 1
)

var (
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrEmptyFrame     = errors.New("empty frame")
	ErrMissingType    = errors.New("frame has no type")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is one JSON object on the wire. Type is the value of its "type"
// field, Payload is the complete object as received or encoded.
//
// Over WebSocket every text message carries one frame. Stream transports
// (TCP, SSH) separate frames with a newline; encoding/json never emits a raw
// newline inside an object so the delimiter is unambiguous.
type Frame struct {
	Type    string
	Payload []byte
}

type frameHeader struct {
	Type string `json:"type"`
}

// ParseFrame extracts the type of a raw JSON object.
func ParseFrame(data []byte) (*Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	var hdr frameHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if hdr.Type == "" {
		return nil, ErrMissingType
	}

	return &Frame{Type: hdr.Type, Payload: data}, nil
}

// EncodeFrame writes a frame followed by the newline delimiter.
func EncodeFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, len(f.Payload)+1)
	buf = append(buf, f.Payload...)
	buf = append(buf, '\n')
	if _, err := w.Write(buf); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}
	return nil
}

// FrameReader reads newline-delimited frames from a stream, refusing any
// frame longer than its limit.
type FrameReader struct {
	r       *bufio.Reader
	maxSize int
}

// NewFrameReader wraps r. A maxSize of zero means MaxFrameSize.
func NewFrameReader(r io.Reader, maxSize int) *FrameReader {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	return &FrameReader{r: bufio.NewReaderSize(r, 4096), maxSize: maxSize}
}

// ReadFrame returns the next non-blank frame. Blank lines are skipped so
// interactive clients (netcat, ssh) can send a bare newline.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	for {
		line, err := fr.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return ParseFrame(line)
	}
}

func (fr *FrameReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		if len(line)+len(chunk) > fr.maxSize+1 {
			return nil, ErrFrameTooLarge
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0:
			// Last frame without trailing newline
			return line, nil
		default:
			return nil, err
		}
	}
}

// DecodeFrame reads a single frame from r. Prefer a long-lived FrameReader
// for connections; this helper buffers internally and is meant for tests and
// one-shot decoding.
func DecodeFrame(r io.Reader) (*Frame, error) {
	return NewFrameReader(r, MaxFrameSize).ReadFrame()
}
