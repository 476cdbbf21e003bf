package pgwire

import (
	"fmt"
	"runtime"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgproto3"
)

// Err wraps a PostgreSQL error format. It is both a Go error and a ready-made
// ErrorResponse payload, so every failure surfaced to a client is well-formed
// on the wire.
type Err struct {
	pgproto3.ErrorResponse
	C error
}

// Ensure conformance
var _ error = &Err{}

func (e *Err) Error() string {
	if e.C != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.C.Error())
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

func (e *Err) Unwrap() error {
	return e.C
}

// Response returns the ErrorResponse to send to the client.
func (e *Err) Response() *pgproto3.ErrorResponse {
	return &e.ErrorResponse
}

// NewErr creates an Err with the caller's file and line recorded, the way a
// real backend fills the File/Line fields.
func NewErr(severity Severity, code string, message string, cause error) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(severity),
			Code:     code,
			Message:  message,
			File:     file,
			Line:     int32(line),
		},
		C: cause,
	}
}

// NewProtocolViolation reports a message arriving outside its valid protocol
// state. These are recoverable per-statement: the session reports the error
// and returns to the ready state.
func NewProtocolViolation(cause error, msgType MsgType) *Err {
	_, file, line, _ := runtime.Caller(1)
	msg := "invalid protocol state"
	if name := MsgName.Get(msgType); name != "" {
		msg = fmt.Sprintf("unexpected message %s", name)
	}
	return &Err{
		ErrorResponse: pgproto3.ErrorResponse{
			Severity: string(Error),
			Code:     pgerrcode.ProtocolViolation,
			Message:  msg,
			File:     file,
			Line:     int32(line),
		},
		C: cause,
	}
}
