package coordinator

import (
	"encoding/json"
	"time"

	"github.com/tos-network/capsulemesh/gossip"
	"github.com/tos-network/capsulemesh/ledger"
)

func nowUnix() int64 { return time.Now().Unix() }

// SubmitTx implements spec.md §4.7's submitTx: if this node is the
// leader, it appends locally and broadcasts the resulting tx_log;
// otherwise a tx that fails local verification is returned unconfirmed
// without being sent, and any other tx is broadcast and enqueued for
// periodic re-broadcast until it is observed applied in the local log.
// The leader sends no rejection back to followers, so a tx the leader
// rejects stays in the re-broadcast set at the capped interval.
func (c *Coordinator) SubmitTx(tx ledger.Transaction) TxReceipt {
	if c.ledger.IsLeader() {
		seq, txID, reason := c.ledger.SubmitLocalAsLeader(tx)
		if reason != ledger.ReasonOK {
			return TxReceipt{TxID: tx.TxID(), Confirmed: false}
		}
		if entry, ok := c.entryAt(seq); ok {
			c.broadcastLogEntry(entry)
		}
		return c.waitForConfirmations(txID)
	}

	if reason := c.ledger.Verify(tx); reason != ledger.ReasonOK {
		return TxReceipt{TxID: tx.TxID(), Confirmed: false}
	}

	txID := tx.TxID()
	c.pendingMu.Lock()
	c.pending[txID] = &pendingTx{tx: tx, nextAttempt: time.Now(), backoff: c.cfg.PendingTxRebroadcastMin}
	c.pendingMu.Unlock()

	c.broadcastTx(tx)
	return c.waitForConfirmations(txID)
}

func (c *Coordinator) broadcastTx(tx ledger.Transaction) {
	raw, _ := json.Marshal(tx)
	if err := c.transport.Broadcast(gossip.KindTx, json.RawMessage(raw)); err != nil {
		c.log.Warn("failed to broadcast tx", "err", err)
	}
}

// confirmPending removes txID from the pending re-broadcast set once
// it has been observed in the local replicated log.
func (c *Coordinator) confirmPending(txID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	delete(c.pending, txID)
}

// pendingTxRebroadcastLoop re-broadcasts unconfirmed follower
// submissions every 2s with exponential back-off up to 15s, per
// spec.md §4.7.
func (c *Coordinator) pendingTxRebroadcastLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.PendingTxRebroadcastMin)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.rebroadcastDue()
		case <-c.quit:
			return
		}
	}
}

func (c *Coordinator) rebroadcastDue() {
	now := time.Now()
	c.pendingMu.Lock()
	due := make([]ledger.Transaction, 0, len(c.pending))
	for _, p := range c.pending {
		if now.Before(p.nextAttempt) {
			continue
		}
		due = append(due, p.tx)
		p.nextAttempt = now.Add(p.backoff)
		p.backoff *= 2
		if p.backoff > c.cfg.PendingTxRebroadcastMax {
			p.backoff = c.cfg.PendingTxRebroadcastMax
		}
	}
	c.pendingMu.Unlock()

	for _, tx := range due {
		c.broadcastTx(tx)
	}
}
