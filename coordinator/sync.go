package coordinator

import (
	"encoding/json"
	"time"

	"github.com/tos-network/capsulemesh/gossip"
)

// ledgerSyncLoop is the follower-only periodic worker that requests a
// catch-up batch and, approximately every FullResyncInterval, forces a
// full re-sync from seq=0 to recover from silent divergence
// (spec.md §5).
func (c *Coordinator) ledgerSyncLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.LedgerSyncInterval)
	defer ticker.Stop()

	lastFullResync := time.Now()
	for {
		select {
		case <-ticker.C:
			sinceSeq := c.ledger.LastSeq()
			if time.Since(lastFullResync) >= c.cfg.FullResyncInterval {
				sinceSeq = 0
				lastFullResync = time.Now()
			}
			c.broadcastTxLogRequest(sinceSeq)
		case <-c.quit:
			return
		}
	}
}

func (c *Coordinator) broadcastTxLogRequest(sinceSeq uint64) {
	payload, _ := json.Marshal(gossip.TxLogRequestPayload{SinceSeq: sinceSeq})
	if err := c.transport.Broadcast(gossip.KindTxLogRequest, json.RawMessage(payload)); err != nil {
		c.log.Warn("failed to broadcast tx_log_request", "sinceSeq", sinceSeq, "err", err)
	}
}

// escrowScanLoop periodically scans pending_escrow tasks and promotes
// any whose escrow account has reached its bounty to open, per
// spec.md §4.6 ("on every ledger advance, the bazaar scans
// pending_escrow tasks").
func (c *Coordinator) escrowScanLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.EscrowScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			promoted := c.tasks.ScanEscrowFunded(c.ledger.Balance)
			for _, t := range promoted {
				c.broadcastTask(t)
			}
		case <-c.quit:
			return
		}
	}
}
