package bazaar

import (
	"encoding/json"
	"sync"

	"github.com/tos-network/capsulemesh/internal/log"
	"github.com/tos-network/capsulemesh/internal/store"
	"github.com/tos-network/capsulemesh/ledger"
)

const votingWindowSeconds = 5

// taskKey is the durable-storage key prefix for a task snapshot.
func taskKey(taskID string) string { return "bazaar/task/" + taskID }

// Store holds the task auction state and persists a snapshot of every
// task on each mutation (spec.md §4.6: "tasks are snapshot to durable
// storage on every mutation").
type Store struct {
	mu    sync.RWMutex
	db    *store.DB
	log   *log.Logger
	tasks map[string]*Task
}

// NewStore creates a Store backed by db. Pass a db opened via
// internal/store.Open; an in-memory db ("") is valid for tests.
func NewStore(db *store.DB) *Store {
	return &Store{
		db:    db,
		log:   log.New("module", "bazaar"),
		tasks: make(map[string]*Task),
	}
}

// Rehydrate loads persisted tasks from db on startup. Each task is
// restored exactly as persisted; no separate "settled" flag is recorded
// for tasks in status `completed`. Such a task cannot be completed (and
// so settled) again, because Complete only accepts an assigned task.
func (s *Store) Rehydrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.IteratePrefix("bazaar/task/", func(key string, value []byte) bool {
		var t Task
		if err := json.Unmarshal(value, &t); err != nil {
			s.log.Warn("skipping corrupt task snapshot", "key", key, "err", err)
			return true
		}
		clone := t
		s.tasks[t.TaskID] = &clone
		return true
	})
}

func (s *Store) persistLocked(t *Task) {
	if err := s.db.PutJSON(taskKey(t.TaskID), t); err != nil {
		s.log.Crit("failed to persist task snapshot", "taskId", t.TaskID, "err", err)
	}
}

// Publish creates a new task in status pending_escrow. The caller
// (Mesh Coordinator) is responsible for submitting the escrow-funding
// transfer; ScanEscrowFunded later observes it.
func (s *Store) Publish(description, publisher string, publishedAt int64, bounty Bounty, tags []string) Task {
	taskID := TaskID(description, publisher, publishedAt)
	t := &Task{
		TaskID:          taskID,
		Description:     description,
		Publisher:       publisher,
		PublishedAt:     publishedAt,
		Bounty:          bounty,
		EscrowAccountID: ledger.EscrowAccountID(taskID),
		Tags:            tags,
		Status:          StatusPendingEscrow,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[taskID] = t
	s.persistLocked(t)
	return *t
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(taskID string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// All returns a snapshot of every known task.
func (s *Store) All() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// ScanEscrowFunded promotes every pending_escrow task whose escrow
// account balance (as reported by balanceOf) has reached its bounty
// amount to status open. Returns the tasks that were promoted.
func (s *Store) ScanEscrowFunded(balanceOf func(accountID string) uint64) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var promoted []Task
	for _, t := range s.tasks {
		if t.Status != StatusPendingEscrow {
			continue
		}
		if balanceOf(t.EscrowAccountID) >= t.Bounty.Amount {
			t.Status = StatusOpen
			s.persistLocked(t)
			promoted = append(promoted, *t)
		}
	}
	return promoted
}

// PlaceBid appends a bid to taskID's bid list. The first bid
// transitions the task from open to voting and records
// votingStartedAt. Rejects a second bid from the same nodeId.
func (s *Store) PlaceBid(taskID string, bid Bid) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if t.Status != StatusOpen && t.Status != StatusVoting {
		return Task{}, ErrWrongState
	}
	for _, existing := range t.Bids {
		if existing.NodeID == bid.NodeID {
			return Task{}, ErrDuplicateBid
		}
	}

	t.Bids = append(t.Bids, bid)
	if t.Status == StatusOpen {
		t.Status = StatusVoting
		t.VotingStartedAt = bid.Timestamp
	}
	s.persistLocked(t)
	return *t, nil
}

// VotingWindowElapsed reports whether taskID's 5-second voting window
// has elapsed as of now (unix seconds).
func (s *Store) VotingWindowElapsed(taskID string, now int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != StatusVoting {
		return false
	}
	return now-t.VotingStartedAt >= votingWindowSeconds
}

// AssignWinner selects the deterministic winner among taskID's bids
// (spec.md §4.6: sort by amount asc, timestamp asc) and transitions
// the task to assigned. Bids are frozen once assignedTo is set.
func (s *Store) AssignWinner(taskID string, assignedAt int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if t.Status != StatusVoting {
		return Task{}, ErrWrongState
	}
	winner, ok := SelectWinner(t.Bids)
	if !ok {
		return Task{}, ErrNoBids
	}

	t.Status = StatusAssigned
	t.AssignedTo = winner.NodeID
	t.AssignedAt = assignedAt
	s.persistLocked(t)
	return *t, nil
}

// ApplyAssignment records an assignment announced by the task's
// publisher via a task_assigned broadcast. It is a no-op (not an
// error) if this node already reached the same assignment on its own
// via AssignWinner — the two paths must agree since every node sorts
// bids identically (spec.md §4.6).
func (s *Store) ApplyAssignment(taskID, assignedTo string, assignedAt int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if t.Status == StatusAssigned {
		return *t, nil
	}
	if t.Status != StatusVoting {
		return Task{}, ErrWrongState
	}

	t.Status = StatusAssigned
	t.AssignedTo = assignedTo
	t.AssignedAt = assignedAt
	s.persistLocked(t)
	return *t, nil
}

// Complete transitions taskID from assigned to completed.
func (s *Store) Complete(taskID, completedBy string, completedAt int64, result string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if t.Status != StatusAssigned {
		return Task{}, ErrWrongState
	}

	t.Status = StatusCompleted
	t.CompletedBy = completedBy
	t.CompletedAt = completedAt
	t.Result = result
	s.persistLocked(t)
	return *t, nil
}

// Fail transitions taskID from assigned to failed.
func (s *Store) Fail(taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	if t.Status != StatusAssigned {
		return Task{}, ErrWrongState
	}

	t.Status = StatusFailed
	s.persistLocked(t)
	return *t, nil
}

// OpenTasksForAutoBid returns open tasks that a local auto-bidder has
// not yet bid on, given its own nodeId.
func (s *Store) OpenTasksForAutoBid(localNodeID string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status != StatusOpen {
			continue
		}
		already := false
		for _, b := range t.Bids {
			if b.NodeID == localNodeID {
				already = true
				break
			}
		}
		if !already {
			out = append(out, *t)
		}
	}
	return out
}

// VotingTasks returns every task currently in the voting state, for
// the coordinator's voting-window poll.
func (s *Store) VotingTasks() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == StatusVoting {
			out = append(out, *t)
		}
	}
	return out
}
