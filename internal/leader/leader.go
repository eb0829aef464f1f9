// Package leader implements the single-writer leader election that keeps
// exactly one ragrun process holding the write lock on a given group's
// index database (spec.md §4.6), plus the startup-sync job that
// enumerates every configured source and submits it to the indexing
// queue once a process becomes leader.
//
// Grounded on the teacher's internal/embed.FileLock for the gofrs/flock
// idiom (explicit locked-state tracking, MkdirAll before locking,
// idempotent unlock), generalized from a single download lock into a
// lock with retry-until-promoted semantics, and on
// original_source/src/ragling/leader.py (lock_path_for_config,
// LeaderLock.try_acquire/start_retry) for the election contract itself.
package leader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/aihaysteve/ragrun/internal/config"
)

// LockPathForConfig derives the lock file path for cfg's group, matching
// original_source/src/ragling/leader.py's lock_path_for_config: the
// default group locks alongside the shared DB file, named groups lock
// alongside their own per-group index database.
func LockPathForConfig(cfg *config.Config) string {
	if cfg.GroupName == "" || cfg.GroupName == "default" {
		return cfg.DBPath + ".lock"
	}
	return cfg.GroupIndexDBPath() + ".lock"
}

// Lock is a cross-process exclusive file lock that tracks whether this
// process currently holds it (leader) and can retry acquisition on an
// interval until a caller-supplied callback fires once promotion
// succeeds.
type Lock struct {
	path  string
	flock *flock.Flock

	mu       sync.Mutex
	isLeader bool

	stopRetry chan struct{}
	retryDone chan struct{}
}

// New builds a Lock at path. The parent directory is created lazily on
// the first TryAcquire call.
func New(path string) *Lock {
	return &Lock{path: path, flock: flock.New(path)}
}

// TryAcquire attempts to become leader without blocking. Returns true iff
// this call acquired the lock.
func (l *Lock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return false, fmt.Errorf("leader: create lock directory: %w", err)
	}

	ok, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("leader: try lock: %w", err)
	}

	l.mu.Lock()
	l.isLeader = ok
	l.mu.Unlock()
	return ok, nil
}

// IsLeader reports whether this process currently holds the lock.
func (l *Lock) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLeader
}

// Close releases the lock if held. Safe to call more than once.
func (l *Lock) Close() error {
	l.StopRetry()

	l.mu.Lock()
	held := l.isLeader
	l.mu.Unlock()
	if !held {
		return nil
	}

	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("leader: release lock: %w", err)
	}

	l.mu.Lock()
	l.isLeader = false
	l.mu.Unlock()
	return nil
}

// StartRetry launches a background goroutine that re-attempts
// TryAcquire on interval until it succeeds, calling onPromote once on
// the attempt that wins. A follower process calls this right after a
// failed initial TryAcquire so it can take over the moment the leader
// exits (spec.md §4.6 "a follower retries on an interval and is promoted
// automatically if the leader process dies or exits").
func (l *Lock) StartRetry(interval time.Duration, onPromote func()) {
	l.mu.Lock()
	if l.stopRetry != nil {
		l.mu.Unlock()
		return
	}
	l.stopRetry = make(chan struct{})
	l.retryDone = make(chan struct{})
	stop := l.stopRetry
	done := l.retryDone
	l.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ok, err := l.TryAcquire()
				if err != nil {
					continue
				}
				if ok {
					if onPromote != nil {
						onPromote()
					}
					return
				}
			}
		}
	}()
}

// StopRetry stops a retry goroutine started by StartRetry, if any, and
// waits for it to exit. Safe to call when no retry is running.
func (l *Lock) StopRetry() {
	l.mu.Lock()
	stop := l.stopRetry
	done := l.retryDone
	l.stopRetry = nil
	l.retryDone = nil
	l.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// WaitForLeadership blocks until this Lock becomes leader or ctx is
// canceled, retrying TryAcquire on interval. Used by non-leader processes
// that need to synchronously wait for promotion rather than registering
// a callback.
func (l *Lock) WaitForLeadership(ctx context.Context, interval time.Duration) error {
	if l.IsLeader() {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			ok, err := l.TryAcquire()
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}
