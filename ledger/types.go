package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// TxType is a closed enum of the transaction kinds named in spec.md §3.
type TxType string

const (
	TxTransfer       TxType = "transfer"
	TxMint           TxType = "mint"
	TxEscrowRelease  TxType = "escrow_release"
)

// EscrowPrefix names the synthetic account namespace that can only be
// debited by a leader-signed escrow_release (spec.md §3, EscrowAccount).
const EscrowPrefix = "escrow_"

// Transaction is a signed, not-yet-ordered transaction as submitted by a
// client or received over gossip, per spec.md §3.
type Transaction struct {
	Type      TxType `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	PubkeyPem string `json:"pubkeyPem"`
	Signature string `json:"signature"` // hex-encoded Ed25519 signature
}

// canonicalPayload is the exact field set and order signed over, per
// spec.md §6: JSON.stringify({type,from,to,amount,nonce,timestamp}).
type canonicalPayload struct {
	Type      TxType `json:"type"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    uint64 `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// CanonicalBytes returns the exact byte sequence that was (or must be)
// signed for tx. Go's encoding/json marshals struct fields in declaration
// order with no extra whitespace, which matches the canonical form.
func (tx *Transaction) CanonicalBytes() []byte {
	raw, _ := json.Marshal(canonicalPayload{
		Type:      tx.Type,
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount,
		Nonce:     tx.Nonce,
		Timestamp: tx.Timestamp,
	})
	return raw
}

// TxID computes SHA-256({canonical payload, signature}) as specified in
// spec.md §6.
func (tx *Transaction) TxID() string {
	type withSig struct {
		canonicalPayload
		Signature string `json:"signature"`
	}
	raw, _ := json.Marshal(withSig{
		canonicalPayload: canonicalPayload{
			Type:      tx.Type,
			From:      tx.From,
			To:        tx.To,
			Amount:    tx.Amount,
			Nonce:     tx.Nonce,
			Timestamp: tx.Timestamp,
		},
		Signature: tx.Signature,
	})
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// LogEntry is an accepted transaction plus its position in the total
// order, per spec.md §3.
type LogEntry struct {
	Seq uint64      `json:"seq"`
	Tx  Transaction `json:"tx"`
}

// EscrowAccountID derives the deterministic escrow account id for a
// taskId: "escrow_" + first 24 hex chars of SHA-256(taskId) (spec.md §3).
func EscrowAccountID(taskID string) string {
	sum := sha256.Sum256([]byte(taskID))
	return EscrowPrefix + hex.EncodeToString(sum[:])[:24]
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("ledger/seq/%020d", seq)
}
