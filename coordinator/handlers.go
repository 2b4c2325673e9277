package coordinator

import (
	"encoding/json"

	"github.com/tos-network/capsulemesh/bazaar"
	"github.com/tos-network/capsulemesh/capsule"
	"github.com/tos-network/capsulemesh/gossip"
	"github.com/tos-network/capsulemesh/ledger"
)

// onCapsule stores an inbound capsule's public metadata projection. No
// private content ever travels over gossip (spec.md §4.4).
func (c *Coordinator) onCapsule(from *gossip.Peer, msg gossip.Message) bool {
	var pub capsule.PublicProjection
	if err := json.Unmarshal(msg.Payload, &pub); err != nil {
		c.log.Debug("malformed capsule message", "err", err)
		return false
	}
	// Store metadata only; Content stays empty until a local purchase.
	if _, err := c.capsules.Store(capsule.Record{
		AssetID:     pub.AssetID,
		Type:        pub.Type,
		Confidence:  pub.Confidence,
		Attribution: pub.Attribution,
		Tags:        pub.Tags,
		Price:       pub.Price,
		Status:      pub.Status,
	}); err != nil {
		c.log.Debug("rejected capsule with mismatched asset id", "assetId", pub.AssetID, "err", err)
		return false
	}
	return true
}

// onTask stores an inbound task announcement.
func (c *Coordinator) onTask(from *gossip.Peer, msg gossip.Message) bool {
	var t bazaar.Task
	if err := json.Unmarshal(msg.Payload, &t); err != nil {
		c.log.Debug("malformed task message", "err", err)
		return false
	}
	if _, ok := c.tasks.Get(t.TaskID); !ok {
		c.tasks.Publish(t.Description, t.Publisher, t.PublishedAt, t.Bounty, t.Tags)
	}
	return true
}

type bidPayload struct {
	TaskID string     `json:"taskId"`
	Bid    bazaar.Bid `json:"bid"`
}

func (c *Coordinator) onTaskBid(from *gossip.Peer, msg gossip.Message) bool {
	var p bidPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.log.Debug("malformed task_bid message", "err", err)
		return false
	}
	if _, err := c.tasks.PlaceBid(p.TaskID, p.Bid); err != nil {
		c.log.Debug("dropped task_bid", "taskId", p.TaskID, "err", err)
	}
	return true
}

type assignedPayload struct {
	TaskID     string `json:"taskId"`
	AssignedTo string `json:"assignedTo"`
	AssignedAt int64  `json:"assignedAt"`
}

func (c *Coordinator) onTaskAssigned(from *gossip.Peer, msg gossip.Message) bool {
	var p assignedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.log.Debug("malformed task_assigned message", "err", err)
		return false
	}
	if _, err := c.tasks.ApplyAssignment(p.TaskID, p.AssignedTo, p.AssignedAt); err != nil {
		c.log.Debug("dropped task_assigned", "taskId", p.TaskID, "err", err)
	}
	return true
}

type completedPayload struct {
	TaskID  string `json:"taskId"`
	NodeID  string `json:"nodeId"`
	Result  string `json:"result"`
	Package struct {
		FileName string `json:"fileName"`
		Size     int    `json:"size"`
		Data     string `json:"data,omitempty"`
	} `json:"package"`
}

// onTaskCompleted settles a finished task: it transitions the bazaar
// state, fires the rating hook, and — if this node is the leader —
// emits the escrow_release transaction (spec.md §4.6).
func (c *Coordinator) onTaskCompleted(from *gossip.Peer, msg gossip.Message) bool {
	var p completedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.log.Debug("malformed task_completed message", "err", err)
		return false
	}

	t, ok := c.tasks.Get(p.TaskID)
	if !ok {
		return false
	}
	completedAt := msg.Timestamp

	updated, err := c.tasks.Complete(p.TaskID, p.NodeID, completedAt, p.Result)
	if err != nil {
		c.log.Debug("dropped task_completed", "taskId", p.TaskID, "err", err)
		return true
	}

	if t.AssignedAt > 0 && completedAt >= t.AssignedAt {
		c.ratings.RecordCompletion(p.NodeID, float64(completedAt-t.AssignedAt)*1000)
	}

	if c.ledger.IsLeader() {
		c.releaseEscrow(updated)
	}
	return true
}

func (c *Coordinator) releaseEscrow(t bazaar.Task) {
	nonce := c.nextNonce(t.EscrowAccountID)
	tx, err := ledger.NewSignedEscrowRelease(c.wallet, t.EscrowAccountID, t.AssignedTo, t.Bounty.Amount, nonce, nowUnix())
	if err != nil {
		c.log.Error("failed to build escrow release", "taskId", t.TaskID, "err", err)
		return
	}
	seq, txID, reason := c.ledger.SubmitLocalAsLeader(tx)
	if reason != ledger.ReasonOK {
		c.log.Error("escrow release rejected", "taskId", t.TaskID, "reason", reason)
		return
	}
	entry, ok := c.entryAt(seq)
	if !ok {
		return
	}
	c.broadcastLogEntry(entry)
	c.log.Info("released escrow", "taskId", t.TaskID, "txId", txID, "to", t.AssignedTo)
}

func (c *Coordinator) entryAt(seq uint64) (ledger.LogEntry, bool) {
	entries := c.ledger.EntriesSince(seq-1, 1)
	if len(entries) == 0 {
		return ledger.LogEntry{}, false
	}
	return entries[0], true
}

func (c *Coordinator) broadcastLogEntry(entry ledger.LogEntry) {
	raw, _ := json.Marshal(entry)
	if err := c.transport.Broadcast(gossip.KindTxLog, json.RawMessage(raw)); err != nil {
		c.log.Warn("failed to broadcast tx_log", "seq", entry.Seq, "err", err)
	}
}

type failedPayload struct {
	TaskID string `json:"taskId"`
	NodeID string `json:"nodeId"`
}

func (c *Coordinator) onTaskFailed(from *gossip.Peer, msg gossip.Message) bool {
	var p failedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.log.Debug("malformed task_failed message", "err", err)
		return false
	}
	if _, err := c.tasks.Fail(p.TaskID); err != nil {
		c.log.Debug("dropped task_failed", "taskId", p.TaskID, "err", err)
		return true
	}
	c.ratings.RecordFailure(p.NodeID)
	return true
}

type likePayload struct {
	TaskID       string `json:"taskId"`
	WinnerNodeID string `json:"winnerNodeId"`
	LikedBy      string `json:"likedBy"`
}

func (c *Coordinator) onTaskLike(from *gossip.Peer, msg gossip.Message) bool {
	var p likePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.log.Debug("malformed task_like message", "err", err)
		return false
	}
	if _, err := c.ratings.AddLike(p.TaskID, p.WinnerNodeID, p.LikedBy); err != nil {
		c.log.Debug("dropped task_like", "taskId", p.TaskID, "err", err)
	}
	return true
}

// onTx handles a follower-submitted transaction. Only the leader
// applies it locally; a non-leader observer just relays (spec.md §4.7).
func (c *Coordinator) onTx(from *gossip.Peer, msg gossip.Message) bool {
	if !c.ledger.IsLeader() {
		return true
	}
	var tx ledger.Transaction
	if err := json.Unmarshal(msg.Payload, &tx); err != nil {
		c.log.Debug("malformed tx message", "err", err)
		return false
	}
	seq, _, reason := c.ledger.SubmitLocalAsLeader(tx)
	if reason != ledger.ReasonOK {
		c.log.Debug("rejected follower-submitted tx", "reason", reason)
		return false
	}
	if entry, ok := c.entryAt(seq); ok {
		c.broadcastLogEntry(entry)
	}
	return false // do not relay the raw tx further; tx_log carries it onward
}

// onTxLog applies a leader-accepted log entry on a follower.
func (c *Coordinator) onTxLog(from *gossip.Peer, msg gossip.Message) bool {
	if c.ledger.IsLeader() {
		return false // the leader is the origin of tx_log, never a consumer
	}
	var entry ledger.LogEntry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		c.log.Debug("malformed tx_log message", "err", err)
		return false
	}
	reason := c.ledger.ApplyRemoteEntry(entry)
	switch reason {
	case ledger.ReasonOK:
		c.confirmPending(entry.Tx.TxID())
		return true
	case ledger.ReasonOutOfOrder:
		c.requestGap(from)
		return false
	default:
		c.log.Debug("rejected tx_log entry", "seq", entry.Seq, "reason", reason)
		return false
	}
}

func (c *Coordinator) requestGap(to *gossip.Peer) {
	payload, _ := json.Marshal(gossip.TxLogRequestPayload{SinceSeq: c.ledger.LastSeq()})
	msg := gossip.Message{Type: gossip.KindTxLogRequest, Payload: payload, Timestamp: nowUnix()}
	if to != nil {
		to.Send(msg)
	}
}

// onTxLogRequest serves a catch-up batch to a follower that fell
// behind (spec.md §6).
func (c *Coordinator) onTxLogRequest(from *gossip.Peer, msg gossip.Message) bool {
	var req gossip.TxLogRequestPayload
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return false
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 256
	}
	entries := c.ledger.EntriesSince(req.SinceSeq, limit)
	lastSeq := c.ledger.LastSeq()
	hasMore := len(entries) > 0 && entries[len(entries)-1].Seq < lastSeq

	payload, _ := json.Marshal(map[string]interface{}{
		"entries": entries,
		"lastSeq": lastSeq,
		"hasMore": hasMore,
	})
	if from != nil {
		from.Send(gossip.Message{Type: gossip.KindTxLogBatch, Payload: payload, Timestamp: nowUnix()})
	}
	return false
}

type logBatchPayload struct {
	Entries []ledger.LogEntry `json:"entries"`
	LastSeq uint64            `json:"lastSeq"`
	HasMore bool              `json:"hasMore"`
}

// onTxLogBatch applies a catch-up batch received in response to a
// tx_log_request.
func (c *Coordinator) onTxLogBatch(from *gossip.Peer, msg gossip.Message) bool {
	var batch logBatchPayload
	if err := json.Unmarshal(msg.Payload, &batch); err != nil {
		c.log.Debug("malformed tx_log_batch message", "err", err)
		return false
	}
	for _, entry := range batch.Entries {
		reason := c.ledger.ApplyRemoteEntry(entry)
		if reason == ledger.ReasonOK {
			c.confirmPending(entry.Tx.TxID())
		}
		if reason != ledger.ReasonOK && reason != ledger.ReasonDuplicate {
			c.log.Debug("stopped applying tx_log_batch", "seq", entry.Seq, "reason", reason)
			break
		}
	}
	if batch.HasMore {
		c.requestGap(from)
	}
	return false
}
