// Package bazaar implements the task auction lifecycle described in
// spec.md §4.6: publish, escrow funding, bidding, deterministic winner
// selection, completion, and settlement.
package bazaar

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
)

// Status is the task's FSM state.
type Status string

const (
	StatusPendingEscrow Status = "pending_escrow"
	StatusOpen          Status = "open"
	StatusVoting        Status = "voting"
	StatusAssigned      Status = "assigned"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
)

// Sentinel errors returned by bazaar operations.
var (
	ErrTaskNotFound      = errors.New("bazaar: task not found")
	ErrWrongState        = errors.New("bazaar: operation not valid in current task state")
	ErrDuplicateBid      = errors.New("bazaar: duplicate bid for (taskId, nodeId)")
	ErrNoBids            = errors.New("bazaar: no bids to select a winner from")
)

// Bounty names the amount and token escrowed for a task.
type Bounty struct {
	Amount uint64 `json:"amount"`
	Token  string `json:"token"`
}

// Bid is one node's offer to perform a task.
type Bid struct {
	NodeID    string `json:"nodeId"`
	Amount    uint64 `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

// Task is the full auction record.
type Task struct {
	TaskID          string   `json:"taskId"`
	Description     string   `json:"description"`
	Publisher       string   `json:"publisher"`
	PublishedAt     int64    `json:"publishedAt"`
	Bounty          Bounty   `json:"bounty"`
	EscrowAccountID string   `json:"escrowAccountId"`
	Tags            []string `json:"tags"`
	Status          Status   `json:"status"`
	Bids            []Bid    `json:"bids"`
	VotingStartedAt int64    `json:"votingStartedAt,omitempty"`
	AssignedTo      string   `json:"assignedTo,omitempty"`
	AssignedAt      int64    `json:"assignedAt,omitempty"`
	CompletedBy     string   `json:"completedBy,omitempty"`
	CompletedAt     int64    `json:"completedAt,omitempty"`
	Result          string   `json:"result,omitempty"`
}

// TaskID computes the deterministic task id from its description,
// publisher, and publish time, per spec.md: "task_ + first 16 hex
// chars of SHA-256 of description || publisher || publishedAt."
func TaskID(description, publisher string, publishedAt int64) string {
	sum := sha256.Sum256([]byte(description + publisher + formatInt64(publishedAt)))
	return "task_" + hex.EncodeToString(sum[:])[:16]
}

func formatInt64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// sortBidsForWinner orders bids by (amount asc, timestamp asc), the
// deterministic tie-break required so every node agrees on the winner
// even if the publisher goes silent (spec.md §4.6).
func sortBidsForWinner(bids []Bid) []Bid {
	out := make([]Bid, len(bids))
	copy(out, bids)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount < out[j].Amount
		}
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// SelectWinner returns the winning bid for task per spec.md §4.6's
// deterministic ordering, or false if there are no bids.
func SelectWinner(bids []Bid) (Bid, bool) {
	if len(bids) == 0 {
		return Bid{}, false
	}
	sorted := sortBidsForWinner(bids)
	return sorted[0], true
}

// AutoBidAmount computes the default auto-bidder offer for a bounty,
// per spec.md §4.6: floor(0.9 * bounty).
func AutoBidAmount(bounty uint64) uint64 {
	return (bounty * 9) / 10
}
