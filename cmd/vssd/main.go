// Command vssd runs the reference etcd-backed VSS wire server, the
// counterpart any vssmirror-embedding node talks to over HTTP.
// Composition and graceful shutdown sequence ported from the
// teacher's src/main.go: start the server in a goroutine, wait for
// SIGINT/SIGTERM, shut Echo down before closing the store.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/mrofi/vssmirror/src/vssserver"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	cfg := vssserver.NewServerConfig()

	store, err := vssserver.NewStore(vssserver.Config{
		Endpoints: cfg.ETCDEndpoints,
		CAFile:    cfg.ETCDCAFile,
		CertFile:  cfg.ETCDCertFile,
		KeyFile:   cfg.ETCDKeyFile,
		KeyPrefix: cfg.KeyPrefix,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer store.Close()

	e := echo.New()
	e.HideBanner = true
	e.Use(vssserver.RequestLogger(logger))

	handler := vssserver.NewHandler(store, logger)
	vssserver.SetupRoutes(e, handler)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down echo server", zap.Error(err))
	}

	if err := store.Close(); err != nil {
		logger.Error("error closing store", zap.Error(err))
	}

	logger.Info("server gracefully shut down")
}
