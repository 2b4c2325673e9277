// Package ledger implements the leader-ordered signed transaction log and
// its deterministic balance/nonce projection, per spec.md §4.2.
package ledger

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tos-network/capsulemesh/internal/log"
	"github.com/tos-network/capsulemesh/internal/store"
	"github.com/tos-network/capsulemesh/wallet"
)

const metaKey = "ledger/meta"

type account struct {
	Balance uint64 `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type meta struct {
	LeaderPubkeyPEM string `json:"leaderPubkeyPem"`
	GenesisSupply   uint64 `json:"genesisSupply"`
}

// Ledger is the single-writer projected transaction log. Both leader and
// follower nodes run the same validation; only a leader may append
// locally (spec.md §4.2).
type Ledger struct {
	mu sync.RWMutex

	db  *store.DB
	log *log.Logger

	isLeader bool
	meta     meta

	lastSeq  uint64
	accounts map[string]*account
	txIndex  map[string]uint64 // txId -> seq, for confirmations + dup detection
	entries  []LogEntry        // ordered by seq, 1-indexed conceptually (entries[i].Seq == i+1)
}

// New constructs a Ledger backed by db. Call Initialize before use.
func New(db *store.DB, isLeader bool) *Ledger {
	return &Ledger{
		db:       db,
		log:      log.New("component", "ledger"),
		isLeader: isLeader,
		accounts: make(map[string]*account),
		txIndex:  make(map[string]uint64),
	}
}

// IsLeader reports whether this ledger instance may append locally.
func (l *Ledger) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// LeaderPubkeyPEM returns the leader's public key PEM, once known.
func (l *Ledger) LeaderPubkeyPEM() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.meta.LeaderPubkeyPEM
}

// PlatformAccountID returns the leader's account id, once its public
// key is known. The platform account (recipient of publish and
// purchase fees, per spec.md §4.7) is the leader's own account — a
// follower that hasn't yet observed the genesis mint cannot resolve it.
func (l *Ledger) PlatformAccountID() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.meta.LeaderPubkeyPEM == "" {
		return "", false
	}
	return wallet.AccountIDFromPEM(l.meta.LeaderPubkeyPEM), true
}

// Initialize loads persisted state, replaying the log from seq=1 to
// rebuild the projection (Design Notes §9). If this is a leader node
// starting from an empty log, it mints exactly one genesis transaction
// per spec.md §4.2. Initialize is idempotent across restarts.
func (l *Ledger) Initialize(w *wallet.Wallet, genesisSupply uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ok, err := l.db.GetJSON(metaKey, &l.meta); err != nil {
		return err
	} else if ok {
		if err := l.replayLocked(); err != nil {
			return err
		}
		if l.lastSeq > 0 {
			return nil // already initialized; idempotent restart
		}
	}

	if l.lastSeq > 0 {
		return nil
	}

	if !l.isLeader {
		// Followers bootstrap leader identity from the first applied
		// mint entry (applyRemoteEntry), not here.
		return nil
	}

	pubPEM, err := w.PublicKeyPEM()
	if err != nil {
		return err
	}
	l.meta = meta{LeaderPubkeyPEM: pubPEM, GenesisSupply: genesisSupply}
	if err := l.db.PutJSON(metaKey, l.meta); err != nil {
		return err
	}

	genesisTx := Transaction{
		Type:      TxMint,
		From:      w.AccountID(),
		To:        w.AccountID(),
		Amount:    genesisSupply,
		Nonce:     1,
		Timestamp: 0,
		PubkeyPem: pubPEM,
	}
	genesisTx.Signature = hexEncode(w.Sign(genesisTx.CanonicalBytes()))

	if reason := l.verifyLocked(genesisTx); reason != ReasonOK {
		return fmt.Errorf("ledger: genesis mint rejected: %s", reason)
	}
	if err := l.appendLocked(genesisTx); err != nil {
		return err
	}
	l.log.Info("minted genesis supply", "to", w.AccountID(), "amount", genesisSupply)
	return nil
}

func (l *Ledger) replayLocked() error {
	return l.db.IteratePrefix("ledger/seq/", func(_ string, raw []byte) bool {
		var e LogEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			l.log.Error("corrupt ledger entry skipped during replay", "err", err)
			return true
		}
		l.applyProjectionLocked(e)
		return true
	})
}

// ensureAccount returns the account record for id, creating it on first
// credit (spec.md §3: "Created implicitly when first credited").
func (l *Ledger) ensureAccount(id string) *account {
	a, ok := l.accounts[id]
	if !ok {
		a = &account{}
		l.accounts[id] = a
	}
	return a
}

// verifyLocked implements spec.md §4.2's verify(tx) under the write lock.
func (l *Ledger) verifyLocked(tx Transaction) Reason {
	if tx.To == "" || tx.PubkeyPem == "" || tx.Signature == "" {
		return ReasonMissingField
	}
	if tx.Type != TxEscrowRelease && tx.From == "" {
		return ReasonMissingField
	}
	if tx.Amount == 0 {
		return ReasonBadAmount
	}

	pub, err := wallet.PublicKeyFromPEM(tx.PubkeyPem)
	if err != nil {
		return ReasonBadSignature
	}
	sig, err := hexDecode(tx.Signature)
	if err != nil || !wallet.Verify(pub, tx.CanonicalBytes(), sig) {
		return ReasonBadSignature
	}

	switch tx.Type {
	case TxMint:
		if l.lastSeq != 0 {
			return ReasonFromMismatch // mint only accepted as genesis on an empty log
		}
		if tx.From != tx.To {
			return ReasonFromMismatch
		}
		signerID := wallet.AccountIDFromPEM(tx.PubkeyPem)
		if signerID != tx.From {
			return ReasonFromMismatch
		}
		if tx.Nonce != 1 {
			return ReasonBadNonce
		}
		return ReasonOK

	case TxTransfer:
		signerID := wallet.AccountIDFromPEM(tx.PubkeyPem)
		if signerID != tx.From {
			return ReasonFromMismatch
		}
		from := l.accounts[tx.From]
		var curNonce, curBalance uint64
		if from != nil {
			curNonce, curBalance = from.Nonce, from.Balance
		}
		if tx.Nonce != curNonce+1 {
			return ReasonBadNonce
		}
		if curBalance < tx.Amount {
			return ReasonInsufficientFunds
		}
		return ReasonOK

	case TxEscrowRelease:
		if l.meta.LeaderPubkeyPEM == "" || tx.PubkeyPem != l.meta.LeaderPubkeyPEM {
			return ReasonNotLeader
		}
		if len(tx.From) <= len(EscrowPrefix) || tx.From[:len(EscrowPrefix)] != EscrowPrefix {
			return ReasonBadEscrowAccount
		}
		from := l.accounts[tx.From]
		var curNonce, curBalance uint64
		if from != nil {
			curNonce, curBalance = from.Nonce, from.Balance
		}
		if tx.Nonce != curNonce+1 {
			return ReasonBadNonce
		}
		if curBalance < tx.Amount {
			return ReasonInsufficientFunds
		}
		return ReasonOK

	default:
		return ReasonMissingField
	}
}

// Verify is the exported, read-locked form of verify(tx) (spec.md §4.2).
func (l *Ledger) Verify(tx Transaction) Reason {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verifyLocked(tx)
}

// applyProjectionLocked applies entry's balance/nonce effects exactly
// once, per spec.md §4.2's projection rules. Caller must hold l.mu and
// must have already verified / sequenced the entry.
func (l *Ledger) applyProjectionLocked(e LogEntry) {
	tx := e.Tx
	switch tx.Type {
	case TxMint:
		to := l.ensureAccount(tx.To)
		to.Balance += tx.Amount
		to.Nonce = tx.Nonce
	case TxTransfer:
		from := l.ensureAccount(tx.From)
		from.Balance -= tx.Amount
		from.Nonce = tx.Nonce
		to := l.ensureAccount(tx.To)
		to.Balance += tx.Amount
	case TxEscrowRelease:
		from := l.ensureAccount(tx.From)
		from.Balance -= tx.Amount
		from.Nonce = tx.Nonce
		to := l.ensureAccount(tx.To)
		to.Balance += tx.Amount
	}
	l.lastSeq = e.Seq
	l.txIndex[tx.TxID()] = e.Seq
	l.entries = append(l.entries, e)
}

// appendLocked sequences, persists, and projects tx. Caller
// must hold l.mu and must have already called verifyLocked successfully
// (or be the genesis mint, verified just above).
func (l *Ledger) appendLocked(tx Transaction) error {
	seq := l.lastSeq + 1
	entry := LogEntry{Seq: seq, Tx: tx}
	if err := l.db.PutJSON(seqKeyExported(seq), entry); err != nil {
		return err
	}
	l.applyProjectionLocked(entry)
	return nil
}

func seqKeyExported(seq uint64) string { return seqKey(seq) }

// SubmitLocalAsLeader implements spec.md §4.2: leader-only append. On
// rejection it returns the reason and does not append.
func (l *Ledger) SubmitLocalAsLeader(tx Transaction) (seq uint64, txID string, reason Reason) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.isLeader {
		return 0, "", ReasonNotLeader
	}
	if reason := l.verifyLocked(tx); reason != ReasonOK {
		return 0, "", reason
	}
	if err := l.appendLocked(tx); err != nil {
		l.log.Crit("ledger: failed to persist accepted entry", "err", err)
	}
	return l.lastSeq, tx.TxID(), ReasonOK
}

// ApplyRemoteEntry implements spec.md §4.2's follower-side ingestion.
// On first non-leader bootstrap, a mint entry's signer is trusted as the
// leader and its public key is stored as metadata.
func (l *Ledger) ApplyRemoteEntry(entry LogEntry) Reason {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Tx.Type == TxMint && l.lastSeq == 0 && l.meta.LeaderPubkeyPEM == "" {
		l.meta = meta{LeaderPubkeyPEM: entry.Tx.PubkeyPem, GenesisSupply: entry.Tx.Amount}
		if err := l.db.PutJSON(metaKey, l.meta); err != nil {
			l.log.Crit("ledger: failed to persist leader metadata", "err", err)
		}
	}

	if entry.Seq != l.lastSeq+1 {
		return ReasonOutOfOrder
	}
	if _, dup := l.txIndex[entry.Tx.TxID()]; dup {
		return ReasonDuplicate
	}
	if reason := l.verifyLocked(entry.Tx); reason != ReasonOK {
		return reason
	}
	if err := l.db.PutJSON(seqKeyExported(entry.Seq), entry); err != nil {
		l.log.Crit("ledger: failed to persist replicated entry", "err", err)
	}
	l.applyProjectionLocked(entry)
	return ReasonOK
}

// Balance returns the current projected balance of accountID.
func (l *Ledger) Balance(accountID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[accountID]; ok {
		return a.Balance
	}
	return 0
}

// Nonce returns the current projected nonce of accountID.
func (l *Ledger) Nonce(accountID string) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if a, ok := l.accounts[accountID]; ok {
		return a.Nonce
	}
	return 0
}

// LastSeq returns the sequence number of the most recently applied entry.
func (l *Ledger) LastSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastSeq
}

// Confirmations returns lastSeq - seq + 1 for txID, per spec.md §3.
func (l *Ledger) Confirmations(txID string) (confirmations uint64, found bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seq, ok := l.txIndex[txID]
	if !ok {
		return 0, false
	}
	return l.lastSeq - seq + 1, true
}

// EntriesSince returns up to limit entries with seq > since, in order.
func (l *Ledger) EntriesSince(since uint64, limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []LogEntry
	for _, e := range l.entries {
		if e.Seq <= since {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Recompute rebuilds balances/nonces from scratch by replaying the
// in-memory entry log, returning the result without mutating l. It
// exists only to verify the incremental projection in tests, per
// Design Notes §9 ("verify by full recompute only in test builds").
func (l *Ledger) Recompute() map[string]account {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]account)
	apply := func(tx Transaction) {
		switch tx.Type {
		case TxMint:
			a := out[tx.To]
			a.Balance += tx.Amount
			a.Nonce = tx.Nonce
			out[tx.To] = a
		case TxTransfer, TxEscrowRelease:
			from := out[tx.From]
			from.Balance -= tx.Amount
			from.Nonce = tx.Nonce
			out[tx.From] = from
			to := out[tx.To]
			to.Balance += tx.Amount
			out[tx.To] = to
		}
	}
	for _, e := range l.entries {
		apply(e.Tx)
	}
	return out
}
