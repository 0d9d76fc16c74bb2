package models

import "time"

// TxStatus is a Queued Transaction's lifecycle state. Transitions are
// monotonic along pending -> broadcasting -> broadcast -> {confirmed,failed},
// broadcasting -> failed, or pending -> expired; no row ever moves backwards.
type TxStatus string

const (
	TxPending     TxStatus = "pending"
	TxBroadcasting TxStatus = "broadcasting"
	TxBroadcast   TxStatus = "broadcast"
	TxConfirmed   TxStatus = "confirmed"
	TxFailed      TxStatus = "failed"
	TxExpired     TxStatus = "expired"
)

// txTransitions enumerates the allowed forward edges of the status graph.
var txTransitions = map[TxStatus][]TxStatus{
	TxPending:      {TxBroadcasting, TxExpired},
	TxBroadcasting: {TxBroadcast, TxFailed},
	TxBroadcast:    {TxConfirmed, TxFailed},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal
// forward edge in the Queued Transaction status graph.
func CanTransition(from, to TxStatus) bool {
	for _, allowed := range txTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// QueuedTransaction is a signed-but-not-yet-broadcast (or already
// broadcast/confirmed/failed) on-chain transaction. Identity is a random
// UUID, written exactly once as pending; SignedPayload is immutable once set.
type QueuedTransaction struct {
	UUID          string    `json:"uuid"`
	Network       string    `json:"network"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Value         string    `json:"value"`   // decimal string, chain-agnostic
	Calldata      []byte    `json:"calldata,omitempty"`
	MaxFeePerGas  string    `json:"max_fee_per_gas,omitempty"`
	GasLimit      uint64    `json:"gas_limit,omitempty"`
	Nonce         uint64    `json:"nonce"`
	SignedPayload []byte    `json:"signed_payload"`
	Status        TxStatus  `json:"status"`
	TxHash        string    `json:"tx_hash,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	BroadcastAt   time.Time `json:"broadcast_at,omitempty"`
}
