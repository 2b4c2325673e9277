package bazaar

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/capsulemesh/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

// Scenario 4 (spec.md §8): task escrow funding promotes pending_escrow
// to open once the escrow account balance reaches the bounty.
func TestPublishAndEscrowPromotion(t *testing.T) {
	s := newTestStore(t)
	task := s.Publish("demo work", "acct_publisher", 1000, Bounty{Amount: 300, Token: "MESH"}, []string{"demo"})
	require.Equal(t, StatusPendingEscrow, task.Status)
	require.NotEmpty(t, task.EscrowAccountID)

	balances := map[string]uint64{task.EscrowAccountID: 100}
	promoted := s.ScanEscrowFunded(func(id string) uint64 { return balances[id] })
	require.Empty(t, promoted, "escrow underfunded must not promote")

	balances[task.EscrowAccountID] = 300
	promoted = s.ScanEscrowFunded(func(id string) uint64 { return balances[id] })
	require.Len(t, promoted, 1)
	require.Equal(t, StatusOpen, promoted[0].Status)
}

func TestPlaceBidTransitionsToVotingOnFirstBid(t *testing.T) {
	s := newTestStore(t)
	task := s.Publish("d", "acct_p", 1, Bounty{Amount: 300}, nil)
	s.ScanEscrowFunded(func(string) uint64 { return 300 })

	updated, err := s.PlaceBid(task.TaskID, Bid{NodeID: "node-a", Amount: 270, Timestamp: 10})
	require.NoError(t, err)
	require.Equal(t, StatusVoting, updated.Status)
	require.EqualValues(t, 10, updated.VotingStartedAt)
}

func TestPlaceBidRejectsDuplicateNode(t *testing.T) {
	s := newTestStore(t)
	task := s.Publish("d", "acct_p", 1, Bounty{Amount: 300}, nil)
	s.ScanEscrowFunded(func(string) uint64 { return 300 })

	_, err := s.PlaceBid(task.TaskID, Bid{NodeID: "node-a", Amount: 270, Timestamp: 10})
	require.NoError(t, err)
	_, err = s.PlaceBid(task.TaskID, Bid{NodeID: "node-a", Amount: 250, Timestamp: 11})
	require.ErrorIs(t, err, ErrDuplicateBid)
}

func TestSelectWinnerOrdersByAmountThenTimestamp(t *testing.T) {
	bids := []Bid{
		{NodeID: "slow-cheap", Amount: 100, Timestamp: 20},
		{NodeID: "fast-cheap", Amount: 100, Timestamp: 10},
		{NodeID: "expensive", Amount: 200, Timestamp: 1},
	}
	winner, ok := SelectWinner(bids)
	require.True(t, ok)
	require.Equal(t, "fast-cheap", winner.NodeID)
}

// Scenario 5 (spec.md §8): task completion and release.
func TestFullLifecycleToCompletion(t *testing.T) {
	s := newTestStore(t)
	task := s.Publish("d", "acct_p", 1, Bounty{Amount: 300}, nil)
	s.ScanEscrowFunded(func(string) uint64 { return 300 })

	_, err := s.PlaceBid(task.TaskID, Bid{NodeID: "winner-node", Amount: 270, Timestamp: 100})
	require.NoError(t, err)

	require.False(t, s.VotingWindowElapsed(task.TaskID, 101))
	require.True(t, s.VotingWindowElapsed(task.TaskID, 105))

	assigned, err := s.AssignWinner(task.TaskID, 105)
	require.NoError(t, err)
	require.Equal(t, StatusAssigned, assigned.Status)
	require.Equal(t, "winner-node", assigned.AssignedTo)

	completed, err := s.Complete(task.TaskID, "winner-node", 130, "done")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.Equal(t, "winner-node", completed.CompletedBy)
}

func TestAssignWinnerFailsWithoutBids(t *testing.T) {
	s := newTestStore(t)
	task := s.Publish("d", "acct_p", 1, Bounty{Amount: 300}, nil)
	s.ScanEscrowFunded(func(string) uint64 { return 300 })
	// force into voting artificially isn't possible without a bid; instead
	// assert AssignWinner refuses a task still in `open`.
	_, err := s.AssignWinner(task.TaskID, 1)
	require.ErrorIs(t, err, ErrWrongState)
}

func TestFailTransitionsAssignedToFailed(t *testing.T) {
	s := newTestStore(t)
	task := s.Publish("d", "acct_p", 1, Bounty{Amount: 300}, nil)
	s.ScanEscrowFunded(func(string) uint64 { return 300 })
	_, err := s.PlaceBid(task.TaskID, Bid{NodeID: "node-a", Amount: 270, Timestamp: 1})
	require.NoError(t, err)
	_, err = s.AssignWinner(task.TaskID, 10)
	require.NoError(t, err)

	failed, err := s.Fail(task.TaskID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
}

func TestRehydrateRestoresPersistedTasks(t *testing.T) {
	db, err := store.Open("")
	require.NoError(t, err)
	defer db.Close()

	s1 := NewStore(db)
	task := s1.Publish("d", "acct_p", 1, Bounty{Amount: 300}, nil)

	s2 := NewStore(db)
	require.NoError(t, s2.Rehydrate())
	got, ok := s2.Get(task.TaskID)
	require.True(t, ok)
	require.Equal(t, task.Status, got.Status)
}

func TestAutoBidAmountIsNinetyPercentOfBounty(t *testing.T) {
	require.EqualValues(t, 270, AutoBidAmount(300))
}
