package ledger

import "github.com/tos-network/capsulemesh/wallet"

// NewSignedTransfer builds and signs a transfer transaction from w to to
// for amount at nonce/timestamp. Callers are responsible for choosing the
// correct next nonce (typically Ledger.Nonce(from)+1).
func NewSignedTransfer(w *wallet.Wallet, to string, amount, nonce uint64, timestamp int64) (Transaction, error) {
	return newSigned(w, TxTransfer, w.AccountID(), to, amount, nonce, timestamp)
}

// NewSignedEscrowRelease builds and signs a leader-authored escrow
// release transaction draining escrowAccountID to winner.
func NewSignedEscrowRelease(leader *wallet.Wallet, escrowAccountID, winner string, amount, nonce uint64, timestamp int64) (Transaction, error) {
	return newSigned(leader, TxEscrowRelease, escrowAccountID, winner, amount, nonce, timestamp)
}

func newSigned(w *wallet.Wallet, typ TxType, from, to string, amount, nonce uint64, timestamp int64) (Transaction, error) {
	pubPEM, err := w.PublicKeyPEM()
	if err != nil {
		return Transaction{}, err
	}
	tx := Transaction{
		Type:      typ,
		From:      from,
		To:        to,
		Amount:    amount,
		Nonce:     nonce,
		Timestamp: timestamp,
		PubkeyPem: pubPEM,
	}
	tx.Signature = hexEncode(w.Sign(tx.CanonicalBytes()))
	return tx, nil
}
