package pgwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol version and startup-phase magic codes.
// The magic codes occupy the version field of an untagged startup frame.
const (
	ProtocolVersion30 = 196608 // 3.0
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
	cancelRequestCode = 80877102
)

// StartupKind discriminates the untagged frames a client may send first.
type StartupKind int

const (
	// StartupNew is a StartupMessage carrying the protocol version and parameters.
	StartupNew StartupKind = iota
	// StartupSSL is an SSLRequest probe; the server answers with a single byte.
	StartupSSL
	// StartupGSSEnc is a GSSAPI encryption probe; answered like SSLRequest.
	StartupGSSEnc
	// StartupCancel is an out-of-band CancelRequest carrying a key data pair.
	StartupCancel
)

func (k StartupKind) String() string {
	switch k {
	case StartupNew:
		return "StartupMessage"
	case StartupSSL:
		return "SSLRequest"
	case StartupGSSEnc:
		return "GSSEncRequest"
	case StartupCancel:
		return "CancelRequest"
	}
	return fmt.Sprintf("StartupKind(%d)", int(k))
}

// Startup is a decoded untagged startup-phase frame.
type Startup struct {
	Kind StartupKind

	// Set when Kind == StartupNew.
	ProtocolVersion uint32
	Parameters      map[string]string

	// Set when Kind == StartupCancel.
	ProcessID uint32
	SecretKey uint32
}

// ReadStartup reads one untagged startup frame: a 4-byte big-endian length
// (counting itself) followed by a 4-byte version or magic code and, for a
// real StartupMessage, a NUL-terminated key/value parameter block.
func ReadStartup(r io.Reader) (*Startup, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, truncated(err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 8 || length > maxStartupLen {
		return nil, fmt.Errorf("%w: startup length %d", ErrMalformed, length)
	}

	body := make([]byte, length-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, truncated(err)
	}

	code := binary.BigEndian.Uint32(body[:4])
	switch code {
	case sslRequestCode:
		return &Startup{Kind: StartupSSL}, nil
	case gssEncRequestCode:
		return &Startup{Kind: StartupGSSEnc}, nil
	case cancelRequestCode:
		if len(body) != 12 {
			return nil, fmt.Errorf("%w: cancel request body %d bytes", ErrMalformed, len(body))
		}
		return &Startup{
			Kind:      StartupCancel,
			ProcessID: binary.BigEndian.Uint32(body[4:8]),
			SecretKey: binary.BigEndian.Uint32(body[8:12]),
		}, nil
	}

	params, err := parseStartupParameters(body[4:])
	if err != nil {
		return nil, err
	}
	return &Startup{
		Kind:            StartupNew,
		ProtocolVersion: code,
		Parameters:      params,
	}, nil
}

// parseStartupParameters decodes the alternating NUL-terminated name/value
// block that ends with one extra NUL.
func parseStartupParameters(b []byte) (map[string]string, error) {
	params := make(map[string]string)
	for len(b) > 0 {
		if b[0] == 0 {
			// Block terminator. Anything after it is garbage.
			if len(b) > 1 {
				return nil, fmt.Errorf("%w: %d trailing bytes after startup parameters", ErrMalformed, len(b)-1)
			}
			return params, nil
		}
		name, rest, ok := cutCString(b)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated startup parameter name", ErrMalformed)
		}
		value, rest, ok := cutCString(rest)
		if !ok {
			return nil, fmt.Errorf("%w: unterminated startup parameter value", ErrMalformed)
		}
		params[name] = value
		b = rest
	}
	return nil, fmt.Errorf("%w: missing startup parameter terminator", ErrMalformed)
}

func cutCString(b []byte) (s string, rest []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, false
	}
	return string(b[:i]), b[i+1:], true
}

// WriteStartupResponseByte answers an SSLRequest or GSSEncRequest probe with a
// single unframed byte: 'S' to proceed encrypted, 'N' to decline.
func WriteStartupResponseByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}
