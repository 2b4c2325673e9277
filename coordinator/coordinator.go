// Package coordinator implements the Mesh Coordinator described in
// spec.md §4.7: the event loop mapping gossip messages to component
// operations, and the user-facing publish/purchase/submit actions.
package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/tos-network/capsulemesh/bazaar"
	"github.com/tos-network/capsulemesh/capsule"
	"github.com/tos-network/capsulemesh/gossip"
	"github.com/tos-network/capsulemesh/internal/log"
	"github.com/tos-network/capsulemesh/internal/store"
	"github.com/tos-network/capsulemesh/ledger"
	"github.com/tos-network/capsulemesh/rating"
	"github.com/tos-network/capsulemesh/wallet"
	"github.com/tos-network/capsulemesh/worker"
)

// TxReceipt reports the outcome of a submitted transaction, per
// spec.md §7: "callers of the coordinator get a result carrying
// txReceipts[{txId, confirmations, confirmed}]."
type TxReceipt struct {
	TxID          string `json:"txId"`
	Confirmations uint64 `json:"confirmations"`
	Confirmed     bool   `json:"confirmed"`
}

var (
	ErrPlatformAccountUnknown = errors.New("coordinator: platform account not yet known")
	ErrCapsuleNotFound        = errors.New("coordinator: capsule not found")
)

// Coordinator composes every component into one running node: wallet,
// ledger, gossip transport, capsule store, task bazaar, rating store,
// and task worker. Replaces the teacher's ambient process-wide node
// singleton with an explicit value passed to every subsystem
// (Design Notes §9).
type Coordinator struct {
	cfg Config
	log *log.Logger

	wallet    *wallet.Wallet
	ledger    *ledger.Ledger
	transport *gossip.Transport
	capsules  *capsule.Store
	tasks     *bazaar.Store
	ratings   *rating.Store
	worker    *worker.Worker

	pendingMu sync.Mutex
	pending   map[string]*pendingTx

	quit chan struct{}
	wg   sync.WaitGroup
}

type pendingTx struct {
	tx          ledger.Transaction
	nextAttempt time.Time
	backoff     time.Duration
}

// NewNode is the primary constructor: on the already opened durable
// store db, it initializes the ledger, rehydrates every component, and
// builds the full dispatch table. Use Start to begin network and worker
// activity.
func NewNode(cfg Config, w *wallet.Wallet, db *store.DB) (*Coordinator, error) {
	cfg = cfg.withDefaults()

	l := ledger.New(db, cfg.IsLeader)
	if err := l.Initialize(w, cfg.GenesisSupply); err != nil {
		return nil, err
	}

	capsules := capsule.NewStore(db)
	if err := capsules.Rehydrate(); err != nil {
		return nil, err
	}
	tasks := bazaar.NewStore(db)
	if err := tasks.Rehydrate(); err != nil {
		return nil, err
	}
	ratings := rating.NewStore(cfg.Rating, db)
	if err := ratings.Rehydrate(); err != nil {
		return nil, err
	}

	nodeID := w.AccountID()
	transport := gossip.NewTransport(nodeID, cfg.ListenAddr, cfg.ListenPort)

	c := &Coordinator{
		cfg:       cfg,
		log:       log.New("module", "coordinator"),
		wallet:    w,
		ledger:    l,
		transport: transport,
		capsules:  capsules,
		tasks:     tasks,
		ratings:   ratings,
		pending:   make(map[string]*pendingTx),
		quit:      make(chan struct{}),
	}
	c.worker = worker.New(nodeID, tasks, ratings, transport)
	c.registerHandlers()
	return c, nil
}

// Start begins network listening, dials bootstrap peers, and launches
// every background worker.
func (c *Coordinator) Start() error {
	if err := c.transport.Start(); err != nil {
		return err
	}
	for _, addr := range c.cfg.BootstrapPeers {
		if err := c.transport.Dial(addr); err != nil {
			c.log.Warn("failed to dial bootstrap peer", "addr", addr, "err", err)
		}
	}

	c.worker.Start()

	c.wg.Add(1)
	go c.escrowScanLoop()

	if !c.cfg.IsLeader {
		c.wg.Add(2)
		go c.ledgerSyncLoop()
		go c.pendingTxRebroadcastLoop()
	}
	return nil
}

// Stop halts every background worker and the transport.
func (c *Coordinator) Stop() {
	close(c.quit)
	c.worker.Stop()
	c.transport.Stop()
	c.wg.Wait()
}

func (c *Coordinator) registerHandlers() {
	c.transport.Handle(gossip.KindCapsule, c.onCapsule)
	c.transport.Handle(gossip.KindTask, c.onTask)
	c.transport.Handle(gossip.KindTaskBid, c.onTaskBid)
	c.transport.Handle(gossip.KindTaskAssigned, c.onTaskAssigned)
	c.transport.Handle(gossip.KindTaskCompleted, c.onTaskCompleted)
	c.transport.Handle(gossip.KindTaskFailed, c.onTaskFailed)
	c.transport.Handle(gossip.KindTaskLike, c.onTaskLike)
	c.transport.Handle(gossip.KindTx, c.onTx)
	c.transport.Handle(gossip.KindTxLog, c.onTxLog)
	c.transport.Handle(gossip.KindTxLogRequest, c.onTxLogRequest)
	c.transport.Handle(gossip.KindTxLogBatch, c.onTxLogBatch)
}

// waitForConfirmations polls the local ledger every ConfirmationPoll
// up to ConfirmationWait for txID to reach cfg.ConfirmationTarget
// confirmations, per spec.md §5.
func (c *Coordinator) waitForConfirmations(txID string) TxReceipt {
	deadline := time.Now().Add(c.cfg.ConfirmationWait)
	for {
		if confirmations, ok := c.ledger.Confirmations(txID); ok {
			if confirmations >= c.cfg.ConfirmationTarget {
				return TxReceipt{TxID: txID, Confirmations: confirmations, Confirmed: true}
			}
			if time.Now().After(deadline) {
				return TxReceipt{TxID: txID, Confirmations: confirmations, Confirmed: false}
			}
		} else if time.Now().After(deadline) {
			return TxReceipt{TxID: txID, Confirmations: 0, Confirmed: false}
		}
		time.Sleep(c.cfg.ConfirmationPoll)
	}
}

// waitForPlatformAccount polls for the leader's account id to become
// known (bootstrapped from the genesis mint), per spec.md §5.
func (c *Coordinator) waitForPlatformAccount() (string, error) {
	deadline := time.Now().Add(c.cfg.ConfirmationWait)
	for {
		if id, ok := c.ledger.PlatformAccountID(); ok {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", ErrPlatformAccountUnknown
		}
		time.Sleep(c.cfg.ConfirmationPoll)
	}
}

func (c *Coordinator) nextNonce(accountID string) uint64 {
	return c.ledger.Nonce(accountID) + 1
}
