// Package pgwire implements PostgreSQL wire protocol framing: length-prefixed,
// tagged message frames plus the untagged startup-phase frames. It deals in raw
// bytes only; typed message parsing is delegated to pgproto3 by higher layers.
package pgwire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Sentinel framing errors. Callers can errors.Is against these to distinguish
// a corrupt frame from a transport that died mid-message.
var (
	// ErrTruncated indicates the transport closed before a complete frame arrived.
	ErrTruncated = errors.New("pgwire: truncated message")
	// ErrMalformed indicates a frame with an impossible length or structure.
	ErrMalformed = errors.New("pgwire: malformed message")
)

// maxStartupLen bounds the untagged startup frame. PostgreSQL itself rejects
// startup packets over 10000 bytes.
const maxStartupLen = 10000

// maxMessageLen bounds regular frames so a corrupt length field cannot make us
// allocate gigabytes.
const maxMessageLen = 64 << 20

// RawBody holds one unparsed wire protocol message: the tag byte and the body
// bytes that follow the 5-byte header.
type RawBody struct {
	Type MsgType
	Body []byte
}

// IsZero returns true if this RawBody has no data.
func (r RawBody) IsZero() bool {
	return r.Body == nil && r.Type == 0
}

// Len returns the total wire length of the message (header + body).
func (r RawBody) Len() int {
	return 5 + len(r.Body)
}

// Encode appends the full frame (tag + length + body) to dst.
func (r RawBody) Encode(dst []byte) []byte {
	dst = append(dst, byte(r.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Body)+4))
	return append(dst, r.Body...)
}

// RawReader reads tagged wire protocol frames from an io.Reader.
// It retains no buffering state beyond one message boundary, and handles
// transports that deliver bytes in arbitrary chunks.
type RawReader struct {
	r         io.Reader
	headerBuf [5]byte
}

// NewRawReader creates a RawReader that reads from r.
func NewRawReader(r io.Reader) *RawReader {
	return &RawReader{r: r}
}

// ReadRaw blocks until one complete frame is available and returns it.
// A frame is a 1-byte tag followed by a 4-byte big-endian length that counts
// itself but not the tag.
func (r *RawReader) ReadRaw() (RawBody, error) {
	if _, err := io.ReadFull(r.r, r.headerBuf[:]); err != nil {
		return RawBody{}, truncated(err)
	}

	msgType := MsgType(r.headerBuf[0])
	length := binary.BigEndian.Uint32(r.headerBuf[1:5])
	if length < 4 || length > maxMessageLen {
		return RawBody{}, fmt.Errorf("%w: length %d for type %q", ErrMalformed, length, byte(msgType))
	}

	body := make([]byte, length-4)
	if len(body) > 0 {
		if _, err := io.ReadFull(r.r, body); err != nil {
			return RawBody{}, truncated(err)
		}
	}
	return RawBody{Type: msgType, Body: body}, nil
}

// RawWriter writes wire protocol frames to an io.Writer as single atomic writes.
type RawWriter struct {
	w   io.Writer
	buf []byte
}

// NewRawWriter creates a RawWriter that writes to w.
func NewRawWriter(w io.Writer) *RawWriter {
	return &RawWriter{w: w}
}

// WriteRaw serializes one message as a single frame. The frame is assembled in
// an internal buffer and handed to the writer in one Write call so concurrent
// observers never see a partial frame from this writer.
func (w *RawWriter) WriteRaw(msg RawBody) error {
	w.buf = msg.Encode(w.buf[:0])
	if _, err := w.w.Write(w.buf); err != nil {
		return err
	}
	return nil
}

// truncated maps short-read errors onto ErrTruncated while keeping the
// original error in the chain. A clean EOF before the first header byte is
// passed through so callers can tell "client hung up" from "died mid-frame".
func truncated(err error) error {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	return err
}
