// Package lock implements the Cross-Device Lock: a cooperative lease
// over a single VRS-stored LockRecord that elects one active holder
// among devices sharing the same remote store. Grounded on
// store_builder.rs's build_locking_store/start_refreshing (the
// acquire-then-background-refresh shape) generalized from spec §4.D
// since no lock.rs survived the source's file filter.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrofi/vssmirror/src/vrs"
)

// lockKey is the single logical key under which the LockRecord lives in
// VRS; there is exactly one lock per store.
const lockKey = "cross_device_lock"

// alphanumeric is the character set random instance/holder IDs are
// drawn from.
const alphanumeric = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// State is one of the four CDL states from spec §4.D.
type State int

const (
	Released State = iota
	Acquired
	Refreshing
	Stolen
)

func (s State) String() string {
	switch s {
	case Released:
		return "released"
	case Acquired:
		return "acquired"
	case Refreshing:
		return "refreshing"
	case Stolen:
		return "stolen"
	default:
		return "unknown"
	}
}

// PreviousHolder identifies who held the lock before this Acquire call,
// the single value MLS consumes to pick a reconciliation strategy.
type PreviousHolder int

const (
	// LocalInstance means this instance already held an unexpired lease,
	// or no LockRecord existed and this Acquire call created it; nothing
	// changed hands.
	LocalInstance PreviousHolder = iota
	// RemoteInstance means an existing lease was foreign or expired, and
	// this Acquire call took it over.
	RemoteInstance
)

// acquireBaseDelay is the starting backoff between bounded retries of
// tryAcquire on CONFLICT, doubling on each subsequent attempt and
// capped at acquireMaxDelay, with up to acquireMaxJitter added.
const (
	acquireBaseDelay  = 20 * time.Millisecond
	acquireMaxDelay   = 500 * time.Millisecond
	acquireMaxJitter  = 20 * time.Millisecond
)

// ErrAcquireFailed is returned by Acquire after exhausting its bounded
// retry budget against repeated CONFLICTs.
var ErrAcquireFailed = errors.New("lock: failed to acquire after repeated conflicts")

// ErrStolen is the STOLEN error kind. No function in this package
// returns it: the background refresher reports a lease taken by another
// instance by moving State() to Stolen.
var ErrStolen = errors.New("lock: lease was stolen by another instance")

type lockRecord struct {
	HolderID  string `json:"holder_id"`
	ExpiresAt int64  `json:"expires_at"`
}

// Lock owns one LockRecord in VRS and the background refresher that
// keeps it alive while this instance is active.
type Lock struct {
	client     *vrs.Client
	holderID   string
	leaseTTL   time.Duration
	maxRetries int
	logger     *zap.Logger

	mu      sync.Mutex
	state   State
	version int64

	stopRefresher chan struct{}
	refresherDone chan struct{}
}

// New builds a Lock bound to a VRS client and a persistent holder ID
// (the node's InstanceId).
func New(client *vrs.Client, holderID string, leaseTTL time.Duration, logger *zap.Logger) *Lock {
	return &Lock{
		client:     client,
		holderID:   holderID,
		leaseTTL:   leaseTTL,
		maxRetries: 5,
		logger:     logger,
		state:      Released,
	}
}

// NewHolderID generates a random 8-char alphanumeric holder identifier,
// matching the InstanceId format from spec §3.
func NewHolderID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("lock: generating holder id: %w", err)
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = alphanumeric[int(b)%len(alphanumeric)]
	}
	return string(out), nil
}

// Acquire runs the spec §4.D acquire protocol and reports who held the
// lock previously.
func (l *Lock) Acquire(ctx context.Context) (PreviousHolder, error) {
	delay := acquireBaseDelay
	for attempt := 1; attempt <= l.maxRetries; attempt++ {
		prev, err := l.tryAcquire(ctx)
		if err == nil {
			l.mu.Lock()
			l.state = Acquired
			l.mu.Unlock()
			return prev, nil
		}
		if !errors.Is(err, vrs.ErrConflict) {
			return 0, err
		}
		if attempt == l.maxRetries {
			break
		}

		sleep := delay + time.Duration(mathrand.Int63n(int64(acquireMaxJitter)+1))
		l.logger.Debug("lock acquire conflict, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", sleep))
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > acquireMaxDelay {
			delay = acquireMaxDelay
		}
	}
	return 0, ErrAcquireFailed
}

func (l *Lock) tryAcquire(ctx context.Context) (PreviousHolder, error) {
	raw, version, err := l.client.Get(ctx, lockKey)
	if errors.Is(err, vrs.ErrNotFound) {
		rec := lockRecord{HolderID: l.holderID, ExpiresAt: time.Now().Add(l.leaseTTL).Unix()}
		encoded, marshalErr := json.Marshal(rec)
		if marshalErr != nil {
			return 0, fmt.Errorf("lock: encoding record: %w", marshalErr)
		}
		if putErr := l.client.Put(ctx, lockKey, encoded, 0); putErr != nil {
			return 0, putErr
		}
		l.setVersion(1)
		return LocalInstance, nil
	}
	if err != nil {
		return 0, err
	}

	var rec lockRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return 0, fmt.Errorf("lock: decoding record: %w", err)
	}

	now := time.Now()
	if rec.HolderID == l.holderID && now.Before(time.Unix(rec.ExpiresAt, 0)) {
		l.setVersion(version)
		return LocalInstance, nil
	}

	newRec := lockRecord{HolderID: l.holderID, ExpiresAt: now.Add(l.leaseTTL).Unix()}
	encoded, err := json.Marshal(newRec)
	if err != nil {
		return 0, fmt.Errorf("lock: encoding record: %w", err)
	}
	if err := l.client.Put(ctx, lockKey, encoded, version); err != nil {
		return 0, err
	}
	l.setVersion(version + 1)
	return RemoteInstance, nil
}

func (l *Lock) setVersion(v int64) {
	l.mu.Lock()
	l.version = v
	l.mu.Unlock()
}

// State reports the lock's current state.
func (l *Lock) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// StartRefresher launches the background lease-refresh loop. It runs
// until Shutdown is called or the lock is declared Stolen. Callers must
// call Shutdown exactly once to release resources, even after a Stolen
// observation.
func (l *Lock) StartRefresher(ctx context.Context) {
	l.stopRefresher = make(chan struct{})
	l.refresherDone = make(chan struct{})

	go func() {
		defer close(l.refresherDone)
		interval := l.leaseTTL / 3
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		internalFailures := 0
		const maxInternalFailures = 3

		for {
			select {
			case <-l.stopRefresher:
				l.release(ctx)
				return
			case <-ticker.C:
				l.mu.Lock()
				l.state = Refreshing
				l.mu.Unlock()

				err := l.refresh(ctx)
				if err == nil {
					internalFailures = 0
					l.mu.Lock()
					l.state = Acquired
					l.mu.Unlock()
					continue
				}
				if errors.Is(err, vrs.ErrConflict) {
					l.logger.Warn("lock lease stolen by another instance")
					l.mu.Lock()
					l.state = Stolen
					l.mu.Unlock()
					return
				}
				internalFailures++
				l.logger.Warn("lock refresh failed", zap.Error(err), zap.Int("consecutive_failures", internalFailures))
				if internalFailures >= maxInternalFailures {
					l.mu.Lock()
					l.state = Stolen
					l.mu.Unlock()
					return
				}
			}
		}
	}()
}

func (l *Lock) refresh(ctx context.Context) error {
	l.mu.Lock()
	version := l.version
	l.mu.Unlock()

	rec := lockRecord{HolderID: l.holderID, ExpiresAt: time.Now().Add(l.leaseTTL).Unix()}
	encoded, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("lock: encoding record: %w", err)
	}
	if err := l.client.Put(ctx, lockKey, encoded, version); err != nil {
		return err
	}
	l.setVersion(version + 1)
	return nil
}

func (l *Lock) release(ctx context.Context) {
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	if state == Stolen {
		return
	}
	if err := l.client.Delete(ctx, lockKey); err != nil {
		l.logger.Warn("best-effort lock release failed", zap.Error(err))
	}
	l.mu.Lock()
	l.state = Released
	l.mu.Unlock()
}

// Shutdown signals the refresher to stop and release the lease, and
// waits for it to exit. Safe to call even if StartRefresher observed
// Stolen; a stolen lease is not released since another instance now
// legitimately owns it.
func (l *Lock) Shutdown() {
	if l.stopRefresher == nil {
		return
	}
	close(l.stopRefresher)
	<-l.refresherDone
}
