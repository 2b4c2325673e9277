package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/tos-network/capsulemesh/coordinator"
	"github.com/tos-network/capsulemesh/internal/log"
	"github.com/tos-network/capsulemesh/internal/nodeconfig"
	"github.com/tos-network/capsulemesh/internal/store"
	"github.com/tos-network/capsulemesh/wallet"
)

var gitCommit = ""
var gitDate = ""

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "directory holding the node's keyfile and ledger database",
	}
	leaderFlag = &cli.BoolFlag{
		Name:  "leader",
		Usage: "run as the genesis leader node",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "meshnode"
	app.Usage = "capsule mesh gossip node"
	app.Version = fmt.Sprintf("%s-%s", gitCommit, gitDate)
	app.Flags = []cli.Flag{configFlag, dataDirFlag, leaderFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := nodeconfig.Load(ctx.String(configFlag.Name))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if dir := ctx.String(dataDirFlag.Name); dir != "" {
		cfg.DataDir = dir
	}
	if ctx.Bool(leaderFlag.Name) {
		cfg.IsLeader = true
	}

	logger := log.New("module", "meshnode")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	w, err := wallet.LoadOrCreate(filepath.Join(cfg.DataDir, "keyfile.pem"))
	if err != nil {
		return fmt.Errorf("loading wallet: %w", err)
	}
	logger.Info("wallet loaded", "accountId", w.AccountID(), "leader", cfg.IsLeader)

	db, err := store.Open(filepath.Join(cfg.DataDir, "ledger.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	node, err := coordinator.NewNode(cfg.Coordinator(), w, db)
	if err != nil {
		return fmt.Errorf("constructing node: %w", err)
	}
	if err := node.Start(); err != nil {
		return fmt.Errorf("starting node: %w", err)
	}
	logger.Info("node started", "listenAddr", cfg.ListenAddr, "bootstrapPeers", cfg.BootstrapPeers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	node.Stop()
	return nil
}
