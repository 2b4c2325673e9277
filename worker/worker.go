// Package worker implements the Task Worker skeleton described in
// spec.md §4.8: a 10-second bidding poll, a 5-second voting-outcome
// poll, and deliverable production on winning. It never writes to the
// ledger directly — settlement is the leader's responsibility.
package worker

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/tos-network/capsulemesh/bazaar"
	"github.com/tos-network/capsulemesh/gossip"
	"github.com/tos-network/capsulemesh/internal/log"
	"github.com/tos-network/capsulemesh/rating"
)

const (
	biddingPollInterval = 10 * time.Second
	votingPollInterval  = 5 * time.Second
)

// Broadcaster is the subset of *gossip.Transport the worker needs.
type Broadcaster interface {
	Broadcast(kind gossip.Kind, payload interface{}) error
}

// Worker polls the task bazaar for open tasks to bid on and voting
// tasks whose window has elapsed, and performs the deliverable
// production step for tasks it wins.
type Worker struct {
	nodeID    string
	tasks     *bazaar.Store
	ratings   *rating.Store
	transport Broadcaster
	log       *log.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a Worker for the local node identified by nodeID.
func New(nodeID string, tasks *bazaar.Store, ratings *rating.Store, transport Broadcaster) *Worker {
	return &Worker{
		nodeID:    nodeID,
		tasks:     tasks,
		ratings:   ratings,
		transport: transport,
		log:       log.New("module", "worker"),
		quit:      make(chan struct{}),
	}
}

// Start begins the bidding and voting-outcome poll loops.
func (w *Worker) Start() {
	w.wg.Add(2)
	go w.biddingLoop()
	go w.votingLoop()
}

// Stop halts both poll loops.
func (w *Worker) Stop() {
	close(w.quit)
	w.wg.Wait()
}

func (w *Worker) biddingLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(biddingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.scanAndBid()
		case <-w.quit:
			return
		}
	}
}

func (w *Worker) votingLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(votingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.scanVotingOutcomes()
		case <-w.quit:
			return
		}
	}
}

// scanAndBid submits exactly one bid per eligible open task. Eligibility
// requires the local node not be disqualified (spec.md §4.6).
func (w *Worker) scanAndBid() {
	if w.ratings.IsDisqualified(w.nodeID) {
		return
	}
	for _, t := range w.tasks.OpenTasksForAutoBid(w.nodeID) {
		bid := bazaar.Bid{
			NodeID:    w.nodeID,
			Amount:    bazaar.AutoBidAmount(t.Bounty.Amount),
			Timestamp: time.Now().Unix(),
		}
		if _, err := w.tasks.PlaceBid(t.TaskID, bid); err != nil {
			continue
		}
		w.broadcastBid(t.TaskID, bid)
	}
}

func (w *Worker) broadcastBid(taskID string, bid bazaar.Bid) {
	payload, _ := json.Marshal(map[string]interface{}{"taskId": taskID, "bid": bid})
	if err := w.transport.Broadcast(gossip.KindTaskBid, json.RawMessage(payload)); err != nil {
		w.log.Warn("failed to broadcast task_bid", "taskId", taskID, "err", err)
	}
}

// scanVotingOutcomes resolves any task whose 5-second voting window has
// elapsed. The publisher broadcasts task_assigned; the winner (which
// may be the local node) proceeds to produce and broadcast a
// deliverable.
func (w *Worker) scanVotingOutcomes() {
	now := time.Now().Unix()
	for _, t := range w.tasks.VotingTasks() {
		if !w.tasks.VotingWindowElapsed(t.TaskID, now) {
			continue
		}
		assigned, err := w.tasks.AssignWinner(t.TaskID, now)
		if err != nil {
			continue // already assigned by a concurrent path, or raced with no bids
		}

		if assigned.Publisher == w.nodeID {
			w.broadcastAssignment(assigned)
		}
		if assigned.AssignedTo == w.nodeID {
			go w.performWork(assigned)
		}
	}
}

func (w *Worker) broadcastAssignment(t bazaar.Task) {
	payload, _ := json.Marshal(map[string]interface{}{
		"taskId":     t.TaskID,
		"assignedTo": t.AssignedTo,
		"assignedAt": t.AssignedAt,
	})
	if err := w.transport.Broadcast(gossip.KindTaskAssigned, json.RawMessage(payload)); err != nil {
		w.log.Warn("failed to broadcast task_assigned", "taskId", t.TaskID, "err", err)
	}
}

// performWork produces the deliverable package for a won task and
// broadcasts task_completed, or task_failed on an unrecoverable error.
// Content generation itself is out of scope (spec.md §4.8); this
// produces a stub archive payload.
func (w *Worker) performWork(t bazaar.Task) {
	result, archive, err := w.produceDeliverable(t)
	if err != nil {
		w.log.Warn("task execution failed", "taskId", t.TaskID, "err", err)
		payload, _ := json.Marshal(map[string]interface{}{"taskId": t.TaskID, "nodeId": w.nodeID})
		w.transport.Broadcast(gossip.KindTaskFailed, json.RawMessage(payload))
		return
	}

	payload, _ := json.Marshal(map[string]interface{}{
		"taskId": t.TaskID,
		"nodeId": w.nodeID,
		"result": result,
		"package": map[string]interface{}{
			"fileName": t.TaskID + ".tar",
			"size":     len(archive),
			"data":     base64.StdEncoding.EncodeToString(archive),
		},
	})
	if err := w.transport.Broadcast(gossip.KindTaskCompleted, json.RawMessage(payload)); err != nil {
		w.log.Warn("failed to broadcast task_completed", "taskId", t.TaskID, "err", err)
	}
}

// produceDeliverable is a stub: real deliverable content generation is
// explicitly out of scope. It always succeeds with an empty archive.
func (w *Worker) produceDeliverable(t bazaar.Task) (result string, archive []byte, err error) {
	return "completed: " + t.Description, []byte{}, nil
}
