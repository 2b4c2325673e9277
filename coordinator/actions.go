package coordinator

import (
	"encoding/json"

	"github.com/tos-network/capsulemesh/bazaar"
	"github.com/tos-network/capsulemesh/capsule"
	"github.com/tos-network/capsulemesh/gossip"
	"github.com/tos-network/capsulemesh/ledger"
)

// PublishCapsuleResult is returned by PublishCapsule.
type PublishCapsuleResult struct {
	AssetID  string      `json:"assetId"`
	Receipts []TxReceipt `json:"txReceipts"`
}

// PublishCapsule implements spec.md §4.7: deducts the configured
// publish fee, waits for it to confirm, stores the capsule locally,
// and broadcasts its public metadata.
func (c *Coordinator) PublishCapsule(content string, tags []string, price capsule.Price) (PublishCapsuleResult, error) {
	var receipts []TxReceipt

	if c.cfg.PublishFeeAmount > 0 {
		receipt, err := c.payPlatformFee(c.cfg.PublishFeeAmount)
		if err != nil {
			return PublishCapsuleResult{}, err
		}
		receipts = append(receipts, receipt)
	}

	rec, err := c.capsules.Store(capsule.Record{
		Content:     content,
		Tags:        tags,
		Price:       price,
		Attribution: capsule.Attribution{Creator: c.wallet.AccountID()},
	})
	if err != nil {
		return PublishCapsuleResult{}, err
	}

	c.broadcastCapsule(rec)
	return PublishCapsuleResult{AssetID: rec.AssetID, Receipts: receipts}, nil
}

func (c *Coordinator) broadcastCapsule(rec capsule.Record) {
	raw, _ := json.Marshal(rec.Public())
	if err := c.transport.Broadcast(gossip.KindCapsule, json.RawMessage(raw)); err != nil {
		c.log.Warn("failed to broadcast capsule", "assetId", rec.AssetID, "err", err)
	}
}

func (c *Coordinator) broadcastTask(t bazaar.Task) {
	raw, _ := json.Marshal(t)
	if err := c.transport.Broadcast(gossip.KindTask, json.RawMessage(raw)); err != nil {
		c.log.Warn("failed to broadcast task", "taskId", t.TaskID, "err", err)
	}
}

// PublishTaskResult is returned by PublishTask.
type PublishTaskResult struct {
	Task     bazaar.Task `json:"task"`
	Receipts []TxReceipt `json:"txReceipts"`
}

// PublishTask implements spec.md §4.7: an optional publish-fee
// transfer, then a transfer of the bounty to the task's deterministic
// escrow account; stores and broadcasts the task.
func (c *Coordinator) PublishTask(description string, bounty bazaar.Bounty, tags []string) (PublishTaskResult, error) {
	var receipts []TxReceipt

	if c.cfg.PublishFeeAmount > 0 {
		receipt, err := c.payPlatformFee(c.cfg.PublishFeeAmount)
		if err != nil {
			return PublishTaskResult{}, err
		}
		receipts = append(receipts, receipt)
	}

	publisher := c.wallet.AccountID()
	publishedAt := nowUnix()
	taskID := bazaar.TaskID(description, publisher, publishedAt)
	escrowAccountID := ledger.EscrowAccountID(taskID)

	escrowReceipt, err := c.transfer(escrowAccountID, bounty.Amount)
	if err != nil {
		return PublishTaskResult{}, err
	}
	receipts = append(receipts, escrowReceipt)

	task := c.tasks.Publish(description, publisher, publishedAt, bounty, tags)
	c.broadcastTask(task)
	return PublishTaskResult{Task: task, Receipts: receipts}, nil
}

// PurchaseCapsuleResult is returned by PurchaseCapsule.
type PurchaseCapsuleResult struct {
	Content  string      `json:"content,omitempty"`
	Unlocked bool        `json:"unlocked"`
	Receipts []TxReceipt `json:"txReceipts"`
}

// PurchaseCapsule implements spec.md §4.7: splits price.amount into a
// creator share and a platform share, submits one or two signed
// transfers, and returns the capsule content only once all involved
// transactions meet the configured confirmation target within the
// timeout. On timeout with fewer confirmations, returns a soft success
// carrying the observed counts — the ledger is monotonic, no rollback.
func (c *Coordinator) PurchaseCapsule(assetID string) (PurchaseCapsuleResult, error) {
	rec, ok := c.capsules.Get(assetID)
	if !ok {
		return PurchaseCapsuleResult{}, ErrCapsuleNotFound
	}

	creatorAmount := uint64(float64(rec.Price.Amount) * rec.Price.CreatorShare)
	platformAmount := rec.Price.Amount - creatorAmount

	var receipts []TxReceipt
	if creatorAmount > 0 {
		receipt, err := c.transfer(rec.Attribution.Creator, creatorAmount)
		if err != nil {
			return PurchaseCapsuleResult{}, err
		}
		receipts = append(receipts, receipt)
	}
	if platformAmount > 0 {
		receipt, err := c.payPlatformFee(platformAmount)
		if err != nil {
			return PurchaseCapsuleResult{}, err
		}
		receipts = append(receipts, receipt)
	}

	allConfirmed := true
	for _, r := range receipts {
		if !r.Confirmed {
			allConfirmed = false
		}
	}

	if !allConfirmed {
		return PurchaseCapsuleResult{Unlocked: false, Receipts: receipts}, nil
	}
	return PurchaseCapsuleResult{Content: rec.Content, Unlocked: true, Receipts: receipts}, nil
}

// transfer submits a signed transfer from this node to `to` for
// amount, at the next local nonce, and waits for confirmation.
func (c *Coordinator) transfer(to string, amount uint64) (TxReceipt, error) {
	nonce := c.nextNonce(c.wallet.AccountID())
	tx, err := ledger.NewSignedTransfer(c.wallet, to, amount, nonce, nowUnix())
	if err != nil {
		return TxReceipt{}, err
	}
	return c.SubmitTx(tx), nil
}

// payPlatformFee resolves the platform (leader) account and submits a
// transfer of amount to it.
func (c *Coordinator) payPlatformFee(amount uint64) (TxReceipt, error) {
	platformID, err := c.waitForPlatformAccount()
	if err != nil {
		return TxReceipt{}, err
	}
	return c.transfer(platformID, amount)
}
