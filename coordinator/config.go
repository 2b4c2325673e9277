package coordinator

import (
	"time"

	"github.com/tos-network/capsulemesh/rating"
)

// Config tunes the Mesh Coordinator's timeouts, fees, and worker
// cadences. Zero-valued fields are replaced by defaults in NewNode.
type Config struct {
	ListenAddr     string
	ListenPort     int
	BootstrapPeers []string

	IsLeader      bool
	GenesisSupply uint64

	PublishFeeAmount   uint64
	ConfirmationTarget uint64
	ConfirmationPoll   time.Duration
	ConfirmationWait   time.Duration

	LedgerSyncInterval time.Duration
	FullResyncInterval time.Duration

	PendingTxRebroadcastMin time.Duration
	PendingTxRebroadcastMax time.Duration

	EscrowScanInterval time.Duration

	Rating rating.Config
}

func (c Config) withDefaults() Config {
	if c.ConfirmationTarget == 0 {
		c.ConfirmationTarget = 1
	}
	if c.ConfirmationPoll == 0 {
		c.ConfirmationPoll = 200 * time.Millisecond
	}
	if c.ConfirmationWait == 0 {
		c.ConfirmationWait = 10 * time.Second
	}
	if c.LedgerSyncInterval == 0 {
		c.LedgerSyncInterval = 3 * time.Second
	}
	if c.FullResyncInterval == 0 {
		c.FullResyncInterval = 60 * time.Second
	}
	if c.PendingTxRebroadcastMin == 0 {
		c.PendingTxRebroadcastMin = 2 * time.Second
	}
	if c.PendingTxRebroadcastMax == 0 {
		c.PendingTxRebroadcastMax = 15 * time.Second
	}
	if c.EscrowScanInterval == 0 {
		c.EscrowScanInterval = time.Second
	}
	return c
}
