// Package wiring composes the cryptographic envelope, VRS transport,
// cross-device lock, and mirroring store into a running node per spec
// §4.F, and owns the restore-only guard and graceful shutdown
// sequence. Ported from store_builder.rs's build_vss_store /
// build_mirroring_store / build_locking_store / start_refreshing.
package wiring

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mrofi/vssmirror/src/config"
	"github.com/mrofi/vssmirror/src/envelope"
	"github.com/mrofi/vssmirror/src/lock"
	"github.com/mrofi/vssmirror/src/mirror"
	"github.com/mrofi/vssmirror/src/retry"
	"github.com/mrofi/vssmirror/src/vrs"
)

// ErrRestoreOnly is returned by Start when restore-only mode is
// requested but the local table carries no restore marker, meaning no
// prior state exists to restore from.
var ErrRestoreOnly = errors.New("wiring: restore-only requested but no prior state exists")

const (
	restoreMarkerPrimaryNS   = "breez"
	restoreMarkerSecondaryNS = "restore_state"
	restoreMarkerKey         = "initialized"
)

var restoreMarkerValue = []byte("1")

// Node is the fully composed core: the mirroring store, the
// cross-device lock, and everything needed to shut both down cleanly.
type Node struct {
	Mirror *mirror.Store
	Lock   *lock.Lock

	logger *zap.Logger
}

// Start runs the full composition sequence from spec §4.F: load or
// generate the instance ID, derive the envelope/signing keys, build
// the VRS client, acquire the cross-device lock, open and reconcile
// the local mirror, and spawn the background lease refresher.
//
// walletSeed is the wallet's master seed; restoreOnly gates startup on
// the presence of the restore marker (S5).
func Start(ctx context.Context, cfg *config.Config, walletSeed []byte, restoreOnly bool, logger *zap.Logger) (*Node, error) {
	instanceID, err := ReadOrGenerateInstanceID(cfg.WorkingDir)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded instance id", zap.String("instance_id", instanceID))

	vssSeed, err := DeriveVSSSeed(walletSeed)
	if err != nil {
		return nil, err
	}

	env, err := envelope.New(vssSeed)
	if err != nil {
		return nil, fmt.Errorf("wiring: building envelope: %w", err)
	}

	signer := vrs.NewHeaderSigner(vssSeed, cfg.APIKey)
	backend := vrs.NewHTTPBackend(cfg.VSSURL, signer)
	retryPolicy := retry.New(
		retry.WithMaxAttempts(cfg.RetryMaxAttempts),
		retry.WithMaxTotalDelay(cfg.RetryMaxTotalDelay),
		retry.WithMaxJitter(cfg.RetryMaxJitter),
		retry.WithBaseDelay(cfg.RetryBaseDelay),
		retry.WithClassifier(retry.DefaultClassifier(vrs.ErrNotFound, vrs.ErrConflict, vrs.ErrIntegrity)),
	)
	client := vrs.New(cfg.StoreID, backend, env, retryPolicy)

	cdl := lock.New(client, instanceID, cfg.LeaseTTL, logger.Named("lock"))
	previousHolder, err := cdl.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("wiring: acquiring cross-device lock: %w", err)
	}

	sqlitePath := cfg.SqlitePath
	if sqlitePath == "" {
		sqlitePath = cfg.WorkingDir + "/vssmirror.sqlite"
	}
	mirrorStore, err := mirror.Open(ctx, sqlitePath, client, previousHolder, logger.Named("mirror"))
	if err != nil {
		return nil, fmt.Errorf("wiring: opening mirror: %w", err)
	}

	if err := enforceRestoreGuard(ctx, mirrorStore, restoreOnly); err != nil {
		mirrorStore.Close()
		return nil, err
	}

	cdl.StartRefresher(ctx)

	return &Node{Mirror: mirrorStore, Lock: cdl, logger: logger}, nil
}

// enforceRestoreGuard implements spec §4.F's restore-only check: if
// the reserved marker row is absent and restoreOnly was requested,
// startup fails without writing the marker; otherwise the marker is
// set (first run) or already present (subsequent runs) and startup
// proceeds.
func enforceRestoreGuard(ctx context.Context, m *mirror.Store, restoreOnly bool) error {
	_, err := m.Read(ctx, restoreMarkerPrimaryNS, restoreMarkerSecondaryNS, restoreMarkerKey)
	if err == nil {
		return nil
	}
	if !errors.Is(err, mirror.ErrNotFound) {
		return fmt.Errorf("wiring: checking restore marker: %w", err)
	}

	if restoreOnly {
		return ErrRestoreOnly
	}
	return m.Write(ctx, restoreMarkerPrimaryNS, restoreMarkerSecondaryNS, restoreMarkerKey, restoreMarkerValue)
}

// Shutdown signals the lease refresher to release the remote lock and
// exit, then closes the local storage pool, in that order per spec
// §4.F.
func (n *Node) Shutdown() error {
	n.Lock.Shutdown()
	return n.Mirror.Close()
}
