package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/capsulemesh/internal/store"
	"github.com/tos-network/capsulemesh/wallet"
)

func newTestLedger(t *testing.T, isLeader bool) (*Ledger, *wallet.Wallet) {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	w, err := wallet.Generate()
	require.NoError(t, err)

	l := New(db, isLeader)
	if isLeader {
		require.NoError(t, l.Initialize(w, 1_000_000))
	}
	return l, w
}

// Scenario 1 (spec.md §8): leader mint.
func TestGenesisMint(t *testing.T) {
	l, w := newTestLedger(t, true)

	require.EqualValues(t, 1_000_000, l.Balance(w.AccountID()))
	require.EqualValues(t, 1, l.LastSeq())

	entries := l.EntriesSince(0, 10)
	require.Len(t, entries, 1)
	confirmations, ok := l.Confirmations(entries[0].Tx.TxID())
	require.True(t, ok)
	require.EqualValues(t, 1, confirmations)
}

func TestInitializeIsIdempotent(t *testing.T) {
	db, err := store.Open("")
	require.NoError(t, err)
	defer db.Close()
	w, err := wallet.Generate()
	require.NoError(t, err)

	l1 := New(db, true)
	require.NoError(t, l1.Initialize(w, 500))
	require.EqualValues(t, 1, l1.LastSeq())

	l2 := New(db, true)
	require.NoError(t, l2.Initialize(w, 500))
	require.EqualValues(t, 1, l2.LastSeq())
	require.EqualValues(t, 500, l2.Balance(w.AccountID()))
}

// Scenario 2 (spec.md §8): transfer.
func TestTransferUpdatesBalancesAndNonce(t *testing.T) {
	l, leader := newTestLedger(t, true)

	bob := "acct_" + "bbbbbbbbbbbbbbbb"
	tx, err := NewSignedTransfer(leader, bob, 100, 2, time.Now().Unix())
	require.NoError(t, err)

	seq, txID, reason := l.SubmitLocalAsLeader(tx)
	require.Equal(t, ReasonOK, reason)
	require.EqualValues(t, 2, seq)
	require.NotEmpty(t, txID)

	require.EqualValues(t, 999_900, l.Balance(leader.AccountID()))
	require.EqualValues(t, 100, l.Balance(bob))
	require.EqualValues(t, 2, l.Nonce(leader.AccountID()))

	confirmations, ok := l.Confirmations(txID)
	require.True(t, ok)
	require.EqualValues(t, 1, confirmations)
}

func TestRejectsBadNonce(t *testing.T) {
	l, leader := newTestLedger(t, true)
	tx, err := NewSignedTransfer(leader, "acct_bbbbbbbbbbbbbbbb", 10, 5, 1)
	require.NoError(t, err)

	_, _, reason := l.SubmitLocalAsLeader(tx)
	require.Equal(t, ReasonBadNonce, reason)
}

func TestRejectsInsufficientBalance(t *testing.T) {
	l, leader := newTestLedger(t, true)
	tx, err := NewSignedTransfer(leader, "acct_bbbbbbbbbbbbbbbb", 2_000_000, 2, 1)
	require.NoError(t, err)

	_, _, reason := l.SubmitLocalAsLeader(tx)
	require.Equal(t, ReasonInsufficientFunds, reason)
}

func TestRejectsTamperedSignature(t *testing.T) {
	l, leader := newTestLedger(t, true)
	tx, err := NewSignedTransfer(leader, "acct_bbbbbbbbbbbbbbbb", 10, 2, 1)
	require.NoError(t, err)
	tx.Amount = 999 // mutate a signed field after signing

	_, _, reason := l.SubmitLocalAsLeader(tx)
	require.Equal(t, ReasonBadSignature, reason)
}

func TestFollowerCannotSubmitLocally(t *testing.T) {
	l, w := newTestLedger(t, false)
	tx, err := NewSignedTransfer(w, "acct_bbbbbbbbbbbbbbbb", 10, 1, 1)
	require.NoError(t, err)

	_, _, reason := l.SubmitLocalAsLeader(tx)
	require.Equal(t, ReasonNotLeader, reason)
}

// Scenario 3 (spec.md §8): follower gap recovery.
func TestFollowerRefusesOutOfOrderEntry(t *testing.T) {
	leaderLedger, leader := newTestLedger(t, true)
	genesis := leaderLedger.EntriesSince(0, 1)[0]

	tx, err := NewSignedTransfer(leader, "acct_bbbbbbbbbbbbbbbb", 10, 2, 1)
	require.NoError(t, err)
	_, _, reason := leaderLedger.SubmitLocalAsLeader(tx)
	require.Equal(t, ReasonOK, reason)
	entry2 := leaderLedger.EntriesSince(1, 1)[0]

	tx2, err := NewSignedTransfer(leader, "acct_cccccccccccccccc", 5, 3, 2)
	require.NoError(t, err)
	_, _, reason = leaderLedger.SubmitLocalAsLeader(tx2)
	require.Equal(t, ReasonOK, reason)
	entry3 := leaderLedger.EntriesSince(2, 1)[0]

	db, err := store.Open("")
	require.NoError(t, err)
	defer db.Close()
	follower := New(db, false)
	require.NoError(t, follower.Initialize(nil, 0))

	require.Equal(t, ReasonOK, follower.ApplyRemoteEntry(genesis))
	require.Equal(t, ReasonOutOfOrder, follower.ApplyRemoteEntry(entry3))
	require.EqualValues(t, 1, follower.LastSeq())

	require.Equal(t, ReasonOK, follower.ApplyRemoteEntry(entry2))
	require.Equal(t, ReasonOK, follower.ApplyRemoteEntry(entry3))
	require.EqualValues(t, 3, follower.LastSeq())
}

func TestDuplicateTxRejectedOnReplay(t *testing.T) {
	leaderLedger, leader := newTestLedger(t, true)
	tx, err := NewSignedTransfer(leader, "acct_bbbbbbbbbbbbbbbb", 10, 2, 1)
	require.NoError(t, err)
	_, _, reason := leaderLedger.SubmitLocalAsLeader(tx)
	require.Equal(t, ReasonOK, reason)
	entry2 := leaderLedger.EntriesSince(1, 1)[0]

	dup := entry2
	dup.Seq = entry2.Seq // identical seq+txId replay attempt is caught by OutOfOrder first
	require.Equal(t, ReasonOutOfOrder, leaderLedger.ApplyRemoteEntry(dup))
}

func TestRecomputeMatchesProjection(t *testing.T) {
	l, leader := newTestLedger(t, true)
	tx, err := NewSignedTransfer(leader, "acct_bbbbbbbbbbbbbbbb", 100, 2, 1)
	require.NoError(t, err)
	_, _, reason := l.SubmitLocalAsLeader(tx)
	require.Equal(t, ReasonOK, reason)

	recomputed := l.Recompute()
	require.EqualValues(t, l.Balance(leader.AccountID()), recomputed[leader.AccountID()].Balance)
	require.EqualValues(t, l.Balance("acct_bbbbbbbbbbbbbbbb"), recomputed["acct_bbbbbbbbbbbbbbbb"].Balance)
}

func TestEscrowReleaseRequiresLeaderSignature(t *testing.T) {
	l, leader := newTestLedger(t, true)

	escrowID := EscrowAccountID("task_demo")
	fundTx, err := NewSignedTransfer(leader, escrowID, 300, 2, 1)
	require.NoError(t, err)
	_, _, reason := l.SubmitLocalAsLeader(fundTx)
	require.Equal(t, ReasonOK, reason)
	require.EqualValues(t, 300, l.Balance(escrowID))

	impostor, err := wallet.Generate()
	require.NoError(t, err)
	bad, err := NewSignedEscrowRelease(impostor, escrowID, "acct_winnerwinnerwin", 300, 1, 2)
	require.NoError(t, err)
	_, _, reason = l.SubmitLocalAsLeader(bad)
	require.Equal(t, ReasonNotLeader, reason)

	good, err := NewSignedEscrowRelease(leader, escrowID, "acct_winnerwinnerwin", 300, 1, 2)
	require.NoError(t, err)
	_, _, reason = l.SubmitLocalAsLeader(good)
	require.Equal(t, ReasonOK, reason)
	require.EqualValues(t, 0, l.Balance(escrowID))
	require.EqualValues(t, 300, l.Balance("acct_winnerwinnerwin"))
}
