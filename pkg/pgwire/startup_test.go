package pgwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"testing/iotest"
)

func startupFrame(code uint32, rest []byte) []byte {
	b := binary.BigEndian.AppendUint32(nil, uint32(8+len(rest)))
	b = binary.BigEndian.AppendUint32(b, code)
	return append(b, rest...)
}

func TestReadStartup_StartupMessage(t *testing.T) {
	var params []byte
	for _, kv := range []string{"user", "alice", "database", "delhi"} {
		params = append(append(params, kv...), 0)
	}
	params = append(params, 0)

	got, err := ReadStartup(bytes.NewReader(startupFrame(ProtocolVersion30, params)))
	if err != nil {
		t.Fatalf("ReadStartup() error: %v", err)
	}
	if got.Kind != StartupNew {
		t.Fatalf("Kind = %v, want StartupNew", got.Kind)
	}
	if got.ProtocolVersion != ProtocolVersion30 {
		t.Errorf("ProtocolVersion = %d, want %d", got.ProtocolVersion, ProtocolVersion30)
	}
	if got.Parameters["user"] != "alice" || got.Parameters["database"] != "delhi" {
		t.Errorf("Parameters = %v", got.Parameters)
	}
}

func TestReadStartup_Probes(t *testing.T) {
	tests := []struct {
		name string
		code uint32
		want StartupKind
	}{
		{"ssl request", sslRequestCode, StartupSSL},
		{"gss enc request", gssEncRequestCode, StartupGSSEnc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadStartup(bytes.NewReader(startupFrame(tt.code, nil)))
			if err != nil {
				t.Fatalf("ReadStartup() error: %v", err)
			}
			if got.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", got.Kind, tt.want)
			}
		})
	}
}

func TestReadStartup_CancelRequest(t *testing.T) {
	rest := binary.BigEndian.AppendUint32(nil, 4321)
	rest = binary.BigEndian.AppendUint32(rest, 0xDEADBEEF)

	got, err := ReadStartup(bytes.NewReader(startupFrame(cancelRequestCode, rest)))
	if err != nil {
		t.Fatalf("ReadStartup() error: %v", err)
	}
	if got.Kind != StartupCancel {
		t.Fatalf("Kind = %v, want StartupCancel", got.Kind)
	}
	if got.ProcessID != 4321 || got.SecretKey != 0xDEADBEEF {
		t.Errorf("key data = (%d, %#x)", got.ProcessID, got.SecretKey)
	}
}

func TestReadStartup_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"length too small", binary.BigEndian.AppendUint32(nil, 4)},
		{"length too large", binary.BigEndian.AppendUint32(nil, maxStartupLen+1)},
		{"unterminated parameter", startupFrame(ProtocolVersion30, []byte("user"))},
		{"missing block terminator", startupFrame(ProtocolVersion30, append([]byte("user\x00alice"), 0))},
		{"short cancel body", startupFrame(cancelRequestCode, []byte{0, 0})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadStartup(bytes.NewReader(tt.input)); !errors.Is(err, ErrMalformed) {
				t.Errorf("ReadStartup() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestReadStartup_Truncated(t *testing.T) {
	full := startupFrame(ProtocolVersion30, []byte{0})
	if _, err := ReadStartup(bytes.NewReader(full[:6])); !errors.Is(err, ErrTruncated) {
		t.Errorf("ReadStartup() error = %v, want ErrTruncated", err)
	}
}

func TestReadStartup_ChunkedTransport(t *testing.T) {
	frame := startupFrame(ProtocolVersion30, []byte("user\x00bob\x00\x00"))
	got, err := ReadStartup(iotest.OneByteReader(bytes.NewReader(frame)))
	if err != nil {
		t.Fatalf("ReadStartup() error: %v", err)
	}
	if got.Parameters["user"] != "bob" {
		t.Errorf("Parameters = %v", got.Parameters)
	}
}
