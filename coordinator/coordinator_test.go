package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/capsulemesh/bazaar"
	"github.com/tos-network/capsulemesh/capsule"
	"github.com/tos-network/capsulemesh/internal/store"
	"github.com/tos-network/capsulemesh/wallet"
)

// newLeaderNode builds a single leader Coordinator with no peers, fast
// confirmation polling, and the transport bound to an ephemeral local
// port. SubmitTx against a leader applies synchronously, so
// confirmation is immediate regardless of peer count.
func newLeaderNode(t *testing.T) *Coordinator {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	w, err := wallet.Generate()
	require.NoError(t, err)

	cfg := Config{
		ListenAddr:       "127.0.0.1:0",
		IsLeader:         true,
		GenesisSupply:    1_000_000,
		ConfirmationPoll: time.Millisecond,
		ConfirmationWait: time.Second,
	}
	c, err := NewNode(cfg, w, db)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func TestPublishCapsuleStoresAndReturnsAssetID(t *testing.T) {
	c := newLeaderNode(t)
	result, err := c.PublishCapsule("hello world", []string{"demo"}, capsule.Price{Amount: 10, Token: "MESH", CreatorShare: 0.8})
	require.NoError(t, err)
	require.Equal(t, capsule.AssetID("hello world"), result.AssetID)

	rec, ok := c.capsules.Get(result.AssetID)
	require.True(t, ok)
	require.Equal(t, "hello world", rec.Content)
}

// The platform account is the leader's own account, so a leader that
// publishes pays the fee to itself: one confirmed fee transfer, no net
// change in its balance.
func TestPublishCapsuleWithFeeByLeaderPaysOwnPlatformAccount(t *testing.T) {
	c := newLeaderNode(t)
	c.cfg.PublishFeeAmount = 50
	before := c.ledger.Balance(c.wallet.AccountID())

	result, err := c.PublishCapsule("content", nil, capsule.Price{Amount: 1, CreatorShare: 1})
	require.NoError(t, err)
	require.Len(t, result.Receipts, 1)
	require.True(t, result.Receipts[0].Confirmed)

	platformID, ok := c.ledger.PlatformAccountID()
	require.True(t, ok)
	require.Equal(t, c.wallet.AccountID(), platformID)

	after := c.ledger.Balance(c.wallet.AccountID())
	require.EqualValues(t, before, after)
}

// Scenario 4 (spec.md §8): task escrow.
func TestPublishTaskFundsEscrowAndPromotesToOpen(t *testing.T) {
	c := newLeaderNode(t)
	before := c.ledger.Balance(c.wallet.AccountID())

	result, err := c.PublishTask("demo work", bazaar.Bounty{Amount: 300, Token: "MESH"}, []string{"demo"})
	require.NoError(t, err)

	require.EqualValues(t, before-300, c.ledger.Balance(c.wallet.AccountID()))
	require.EqualValues(t, 300, c.ledger.Balance(result.Task.EscrowAccountID))

	require.Eventually(t, func() bool {
		got, ok := c.tasks.Get(result.Task.TaskID)
		return ok && got.Status == bazaar.StatusOpen
	}, 3*time.Second, 20*time.Millisecond)
}

func TestPurchaseCapsuleUnlocksContentWhenConfirmed(t *testing.T) {
	c := newLeaderNode(t)
	published, err := c.PublishCapsule("secret content", nil, capsule.Price{Amount: 100, Token: "MESH", CreatorShare: 0.8})
	require.NoError(t, err)

	result, err := c.PurchaseCapsule(published.AssetID)
	require.NoError(t, err)
	require.True(t, result.Unlocked)
	require.Equal(t, "secret content", result.Content)
}

func TestPurchaseCapsuleUnknownAssetErrors(t *testing.T) {
	c := newLeaderNode(t)
	_, err := c.PurchaseCapsule("sha256:doesnotexist")
	require.ErrorIs(t, err, ErrCapsuleNotFound)
}
