// Package mirror implements the Mirroring Local Store: a synchronous
// KV surface backed by a local sqlite table that mirrors a remote
// store, reconciling on startup and keeping dirty rows readable across
// remote outages. Ported from mirroring_store.rs's MirroringStore,
// generalized from the Rust r2d2/rusqlite connection pool to Go's
// database/sql pool over github.com/mattn/go-sqlite3, the driver this
// repo's teacher and the rest of the example pack reach for whenever
// they need embedded SQL storage.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/mrofi/vssmirror/src/lock"
	"github.com/mrofi/vssmirror/src/vrs"
)

// ErrNotFound is returned by Read for a missing or tombstoned key.
var ErrNotFound = errors.New("mirror: not found")

// ErrStorage wraps local sqlite failures; fatal to the calling
// operation per spec §7.
var ErrStorage = errors.New("mirror: local storage error")

// ErrInternal wraps any remote-store failure other than a local
// storage failure, per spec §6's write()/remove() contract (OK |
// STORAGE | INTERNAL, no CONFLICT): a remote CONFLICT is, from this
// boundary's point of view, just another reason the write could not
// be completed right now.
var ErrInternal = errors.New("mirror: remote store error")

const schema = `CREATE TABLE IF NOT EXISTS store (
	primary_ns TEXT NOT NULL,
	secondary_ns TEXT NOT NULL,
	key TEXT NOT NULL,
	value BLOB NOT NULL,
	local_version INTEGER NOT NULL,
	remote_version INTEGER NOT NULL DEFAULT -1,
	removed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (primary_ns, secondary_ns, key)
)`

// RemoteStore is the subset of the VRS client contract the mirror needs:
// get/put/delete/list over full "primary/secondary/key" strings.
// *vrs.Client satisfies this directly; tests use a *vrs.Client over
// the in-memory vrs.Fake backend.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, int64, error)
	Put(ctx context.Context, key string, value []byte, expectedVersion int64) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]vrs.ListItem, error)
}

// Store is the Mirroring Local Store.
type Store struct {
	db     *sql.DB
	remote RemoteStore
	logger *zap.Logger

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

func fullKey(primaryNS, secondaryNS, key string) string {
	return primaryNS + "/" + secondaryNS + "/" + key
}

// Open creates (or reuses) the sqlite-backed table at dbPath, then
// reconciles it against remote per previousHolder before returning a
// ready Store. dbPath may be ":memory:" for tests.
func Open(ctx context.Context, dbPath string, remote RemoteStore, previousHolder lock.PreviousHolder, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStorage, err)
	}
	// The sqlite3 driver serializes writers at the connection level;
	// a single shared connection avoids SQLITE_BUSY under concurrent
	// per-key-locked writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrStorage, err)
	}

	s := &Store{
		db:       db,
		remote:   remote,
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
	}

	dirty, err := s.isDirty(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	switch {
	case previousHolder == lock.LocalInstance && !dirty:
		logger.Info("local store clean, nothing new on remote, skipping reconciliation")
	case previousHolder == lock.LocalInstance && dirty:
		logger.Info("local store dirty, uploading to remote")
		if err := s.upload(ctx); err != nil {
			db.Close()
			return nil, err
		}
	default:
		logger.Info("downloading from remote", zap.Bool("local_dirty", dirty))
		if err := s.download(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// Close releases the local connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) keyLock(full string) *sync.Mutex {
	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()
	m, ok := s.keyLocks[full]
	if !ok {
		m = &sync.Mutex{}
		s.keyLocks[full] = m
	}
	return m
}

// Read looks up a non-tombstoned row. No remote call is made.
func (s *Store) Read(ctx context.Context, primaryNS, secondaryNS, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM store WHERE primary_ns = ? AND secondary_ns = ? AND key = ? AND removed = 0`,
		primaryNS, secondaryNS, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return value, nil
}

// Write performs the two-phase write from spec §4.E: update the local
// row, push the value to remote under the newly assigned local
// version, then mark the row clean. A byte-identical value against a
// clean row short-circuits with no remote call.
func (s *Store) Write(ctx context.Context, primaryNS, secondaryNS, key string, value []byte) error {
	full := fullKey(primaryNS, secondaryNS, key)
	mutex := s.keyLock(full)
	mutex.Lock()
	defer mutex.Unlock()

	var localVersion, remoteVersion int64
	var existingValue []byte
	var removed bool
	err := s.db.QueryRowContext(ctx,
		`SELECT local_version, remote_version, value, removed FROM store WHERE primary_ns = ? AND secondary_ns = ? AND key = ?`,
		primaryNS, secondaryNS, key,
	).Scan(&localVersion, &remoteVersion, &existingValue, &removed)

	var nextVersion int64
	switch {
	case err == sql.ErrNoRows:
		nextVersion = 0
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO store (primary_ns, secondary_ns, key, value, local_version, remote_version, removed) VALUES (?, ?, ?, ?, ?, -1, 0)`,
			primaryNS, secondaryNS, key, value, nextVersion,
		)
		if execErr != nil {
			return fmt.Errorf("%w: inserting row: %v", ErrStorage, execErr)
		}
	case err != nil:
		return fmt.Errorf("%w: %v", ErrStorage, err)
	case !removed && localVersion == remoteVersion && bytesEqual(existingValue, value):
		return nil
	default:
		nextVersion = localVersion + 1
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE store SET value = ?, local_version = ?, removed = 0 WHERE primary_ns = ? AND secondary_ns = ? AND key = ?`,
			value, nextVersion, primaryNS, secondaryNS, key,
		)
		if execErr != nil {
			return fmt.Errorf("%w: updating row: %v", ErrStorage, execErr)
		}
	}

	if err := s.remote.Put(ctx, full, value, nextVersion); err != nil {
		s.logger.Warn("remote put failed, row left dirty", zap.String("key", full), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE store SET remote_version = local_version WHERE primary_ns = ? AND secondary_ns = ? AND key = ?`,
		primaryNS, secondaryNS, key,
	); err != nil {
		return fmt.Errorf("%w: marking row clean: %v", ErrStorage, err)
	}
	return nil
}

// Remove tombstones the row immediately (it vanishes from Read/List)
// and then requests the remote delete. lazy is accepted and ignored:
// the mirror is always eager, matching spec §6.
func (s *Store) Remove(ctx context.Context, primaryNS, secondaryNS, key string, lazy bool) error {
	full := fullKey(primaryNS, secondaryNS, key)
	mutex := s.keyLock(full)
	mutex.Lock()
	defer mutex.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`UPDATE store SET removed = 1 WHERE primary_ns = ? AND secondary_ns = ? AND key = ?`,
		primaryNS, secondaryNS, key,
	); err != nil {
		return fmt.Errorf("%w: tombstoning row: %v", ErrStorage, err)
	}

	if err := s.remote.Delete(ctx, full); err != nil {
		s.logger.Warn("remote delete failed, tombstone left pending", zap.String("key", full), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM store WHERE primary_ns = ? AND secondary_ns = ? AND key = ?`,
		primaryNS, secondaryNS, key,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// List returns every non-tombstoned key under one namespace pair,
// sorted lexicographically.
func (s *Store) List(ctx context.Context, primaryNS, secondaryNS string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM store WHERE primary_ns = ? AND secondary_ns = ? AND removed = 0 ORDER BY primary_ns, secondary_ns, key`,
		primaryNS, secondaryNS,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return keys, nil
}

func (s *Store) isDirty(ctx context.Context) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(1) FROM store WHERE local_version != remote_version OR removed = 1`,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return count > 0, nil
}

// download truncates the local table and repopulates it from a full
// remote listing: remote wins unconditionally. Each fetched row is
// stored with local_version = remote_version - 1 so that the next
// local write bumps it to exactly remote_version, matching what the
// server's increment-on-write would expect as the CAS baseline.
func (s *Store) download(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM store`); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	items, err := s.remote.List(ctx)
	if err != nil {
		return fmt.Errorf("mirror: listing remote during download: %w", err)
	}

	for _, item := range items {
		parts := strings.SplitN(item.Key, "/", 3)
		if len(parts) != 3 {
			s.logger.Warn("skipping malformed remote key during download", zap.String("key", item.Key))
			continue
		}
		primaryNS, secondaryNS, key := parts[0], parts[1], parts[2]

		value, version, err := s.remote.Get(ctx, item.Key)
		if err != nil {
			if errors.Is(err, vrs.ErrNotFound) {
				continue
			}
			return fmt.Errorf("mirror: fetching %q during download: %w", item.Key, err)
		}

		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO store (primary_ns, secondary_ns, key, value, local_version, remote_version, removed) VALUES (?, ?, ?, ?, ?, ?, 0)`,
			primaryNS, secondaryNS, key, value, version-1, version-1,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

// upload pushes every dirty row to remote: tombstones as deletes first,
// then modified values using their local_version as the expected
// remote version.
func (s *Store) upload(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT primary_ns, secondary_ns, key FROM store WHERE removed = 1`,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	type rowKey struct{ primaryNS, secondaryNS, key string }
	var tombstones []rowKey
	for rows.Next() {
		var r rowKey
		if err := rows.Scan(&r.primaryNS, &r.secondaryNS, &r.key); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		tombstones = append(tombstones, r)
	}
	rows.Close()

	for _, r := range tombstones {
		full := fullKey(r.primaryNS, r.secondaryNS, r.key)
		if err := s.remote.Delete(ctx, full); err != nil {
			return fmt.Errorf("mirror: uploading tombstone %q: %w", full, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM store WHERE primary_ns = ? AND secondary_ns = ? AND key = ?`,
			r.primaryNS, r.secondaryNS, r.key,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	outdated, err := s.db.QueryContext(ctx,
		`SELECT primary_ns, secondary_ns, key, value, local_version FROM store WHERE local_version != remote_version AND removed = 0`,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	type outdatedRow struct {
		primaryNS, secondaryNS, key string
		value                       []byte
		localVersion                int64
	}
	var dirtyRows []outdatedRow
	for outdated.Next() {
		var r outdatedRow
		if err := outdated.Scan(&r.primaryNS, &r.secondaryNS, &r.key, &r.value, &r.localVersion); err != nil {
			outdated.Close()
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		dirtyRows = append(dirtyRows, r)
	}
	outdated.Close()

	for _, r := range dirtyRows {
		full := fullKey(r.primaryNS, r.secondaryNS, r.key)
		if err := s.remote.Put(ctx, full, r.value, r.localVersion); err != nil {
			return fmt.Errorf("mirror: uploading %q: %w", full, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE store SET remote_version = local_version WHERE primary_ns = ? AND secondary_ns = ? AND key = ?`,
			r.primaryNS, r.secondaryNS, r.key,
		); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
