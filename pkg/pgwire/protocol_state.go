package pgwire

// ProtocolState is the per-session wire protocol state. It is owned by exactly
// one connection session and never shared.
type ProtocolState struct {
	// Immutable after startup.
	PID             uint32
	SecretCancelKey uint32

	// Dynamic.
	TxStatus          TxStatus
	ParameterStatuses map[string]string

	// When an error is detected while processing any extended-query message,
	// the backend issues ErrorResponse, then reads and discards messages until
	// a Sync is reached, then issues ReadyForQuery and returns to normal
	// message processing.
	IgnoringUntilSync bool
}

// NewProtocolState creates a ProtocolState with all maps initialized.
func NewProtocolState() ProtocolState {
	return ProtocolState{
		TxStatus:          TxIdle,
		ParameterStatuses: map[string]string{},
	}
}
