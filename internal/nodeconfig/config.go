// Package nodeconfig loads a mesh node's TOML configuration file,
// the way cmd/utils/nodecmd.loadConfig does for the gtos node stack,
// adapted from a klaytn-style node/CN split to this module's flat
// coordinator.Config shape.
package nodeconfig

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"

	"github.com/tos-network/capsulemesh/coordinator"
	"github.com/tos-network/capsulemesh/rating"
)

// tomlSettings forces TOML keys to match Go struct field names
// exactly, rather than naoina/toml's default lower-casing.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		link := ""
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see the %s struct for available fields", rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// Config is the on-disk node configuration: everything needed to
// build a wallet, open durable storage, and construct a
// coordinator.Coordinator.
type Config struct {
	DataDir string

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

	RatingAlpha     float64
	RatingTargetMs  float64
	RatingMinTasks  int
	RatingThreshold int
}

// Default returns a Config with every field set to the concrete
// defaults named throughout this system's design.
func Default() Config {
	return Config{
		DataDir:            "meshnode-data",
		ListenAddr:         "0.0.0.0:30700",
		ListenPort:         30700,
		GenesisSupply:      1_000_000_000,
		ConfirmationTarget: 1,
		ConfirmationPoll:   200 * time.Millisecond,
		ConfirmationWait:   10 * time.Second,
		LedgerSyncInterval: 3 * time.Second,
		FullResyncInterval: 60 * time.Second,
		PendingTxRebroadcastMin: 2 * time.Second,
		PendingTxRebroadcastMax: 15 * time.Second,
		EscrowScanInterval:      time.Second,
		RatingAlpha:             0.2,
		RatingTargetMs:          30 * 60 * 1000,
		RatingMinTasks:          10,
		RatingThreshold:         10,
	}
}

// Load reads and decodes a TOML file at path into a Config seeded
// with Default values, the same file+bufio+tomlSettings.NewDecoder
// shape as nodecmd.loadConfig.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(&cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return cfg, err
}

// Coordinator projects Config onto coordinator.Config for NewNode.
func (c Config) Coordinator() coordinator.Config {
	return coordinator.Config{
		ListenAddr:              c.ListenAddr,
		ListenPort:              c.ListenPort,
		BootstrapPeers:          c.BootstrapPeers,
		IsLeader:                c.IsLeader,
		GenesisSupply:           c.GenesisSupply,
		PublishFeeAmount:        c.PublishFeeAmount,
		ConfirmationTarget:      c.ConfirmationTarget,
		ConfirmationPoll:        c.ConfirmationPoll,
		ConfirmationWait:        c.ConfirmationWait,
		LedgerSyncInterval:      c.LedgerSyncInterval,
		FullResyncInterval:      c.FullResyncInterval,
		PendingTxRebroadcastMin: c.PendingTxRebroadcastMin,
		PendingTxRebroadcastMax: c.PendingTxRebroadcastMax,
		EscrowScanInterval:      c.EscrowScanInterval,
		Rating: rating.Config{
			Alpha:     c.RatingAlpha,
			TargetMs:  c.RatingTargetMs,
			MinTasks:  c.RatingMinTasks,
			Threshold: c.RatingThreshold,
		},
	}
}
