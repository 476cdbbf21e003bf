package pgwire

// TxStatus is the transaction indicator carried by ReadyForQuery.
type TxStatus byte

const (
	TxIdle          TxStatus = 'I'
	TxInTransaction TxStatus = 'T'
	TxFailed        TxStatus = 'E'
)
