// Command vssmirror-demo composes the core (VRS + CDL + MLS) behind
// the same start/signal/shutdown sequence as cmd/vssd and the
// teacher's main.go, standing in for the wallet-node process that
// would otherwise embed src/wiring directly. The wallet seed is read
// from VSSMIRROR_WALLET_SEED_HEX for this demo; a real embedding node
// supplies its own seed in memory instead of via the environment.
package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/mrofi/vssmirror/src/config"
	"github.com/mrofi/vssmirror/src/logging"
	"github.com/mrofi/vssmirror/src/wiring"
)

func main() {
	cfg := config.NewConfig()
	logger := logging.New("vssmirror-demo", cfg.Debug)
	defer logger.Sync()

	seed, err := loadWalletSeed()
	if err != nil {
		logger.Fatal("failed to load wallet seed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := wiring.Start(ctx, cfg, seed, cfg.RestoreOnly, logger)
	if err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	logger.Info("started", zap.String("store_id", cfg.StoreID))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	if err := node.Shutdown(); err != nil {
		logger.Error("error during shutdown", zap.Error(err))
	}
	logger.Info("shut down cleanly")
}

func loadWalletSeed() ([]byte, error) {
	hexSeed := os.Getenv("VSSMIRROR_WALLET_SEED_HEX")
	if hexSeed == "" {
		return make([]byte, 32), nil
	}
	return hex.DecodeString(hexSeed)
}
