// Package coordination provides the continuous-leadership role that
// gates the sandbox pool's background workers (auto-pause sweep,
// kill-queue drain, §4.5) so exactly one replica runs them at a time.
// This is distinct from the cron scan's lock, which is a simple
// one-shot acquire-scan-release per tick (§4.2) and needs no ongoing
// leadership — only this secondary role, with no natural per-tick
// lock site, benefits from continuous leader election.
//
// Grounded on
// itskum47-FluxForge/control_plane/coordination/leader.go: lease
// renewal with exponential backoff, a cancellable leaderCtx, and a
// durable fencing epoch taken on each election. The epoch is stored
// and logged with the leadership but not checked by the workers it
// gates; those stop when leaderCtx is cancelled on step-down.
package coordination

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/canvasflow/trigger-core/internal/lock"
)

// EpochSource returns a monotonically increasing fencing token,
// durable across Redis flushes — backed by a Postgres sequence in
// production.
type EpochSource interface {
	NextEpoch(ctx context.Context) (int64, error)
}

// pgEpochStore is the subset of *store.PostgresStore this package
// depends on, bound to a single resource name.
type pgEpochStore interface {
	NextEpoch(ctx context.Context, resource string) (int64, error)
}

// BoundEpochSource adapts a resource-parameterized epoch store (e.g.
// *store.PostgresStore) into an EpochSource fixed to one resource.
type BoundEpochSource struct {
	Store    pgEpochStore
	Resource string
}

func (b *BoundEpochSource) NextEpoch(ctx context.Context) (int64, error) {
	return b.Store.NextEpoch(ctx, b.Resource)
}

type LeaderElector struct {
	locks  *lock.Manager
	epochs EpochSource
	log    *slog.Logger

	nodeID string
	key    string
	ttl    time.Duration

	onElected func(ctx context.Context)
	onLost    func()

	mu           sync.RWMutex
	isLeader     bool
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	currentEpoch int64

	cancel context.CancelFunc
}

func NewLeaderElector(locks *lock.Manager, epochs EpochSource, log *slog.Logger, role, nodeID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		locks:  locks,
		epochs: epochs,
		log:    log,
		nodeID: nodeID,
		key:    "lock:leader:" + role,
		ttl:    ttl,
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// Start runs the election loop until ctx is cancelled.
func (l *LeaderElector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.loop(runCtx)
}

func (l *LeaderElector) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.IsLeader() {
		l.release(context.Background())
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

// FencedContext is valid only while this node holds leadership; it is
// cancelled the instant leadership is lost, so any in-flight
// background-worker goroutine started under it observes cancellation.
func (l *LeaderElector) FencedContext() context.Context {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leaderCtx
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := interval
	maxInterval := 10 * l.ttl
	failures := 0
	const maxFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release(context.Background())
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.locks.Renew(ctx, l.key, l.nodeID, l.ttl)
				if err == nil {
					failures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					failures++
					l.log.Warn("leader renew failed", "role", l.key, "attempt", failures, "err", err)
					if failures >= maxFailures {
						l.log.Warn("leader stepping down after repeated renew failures", "role", l.key)
						l.stepDown()
						failures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.locks.Acquire(ctx, l.key, l.nodeID, l.ttl)
				if err == nil && acquired {
					l.becomeLeader(ctx)
					failures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) becomeLeader(ctx context.Context) {
	epoch, err := l.epochs.NextEpoch(ctx)
	if err != nil {
		l.log.Warn("leader epoch increment failed", "err", err)
	}

	leaderCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.isLeader = true
	l.leaderCtx = leaderCtx
	l.leaderCancel = cancel
	l.currentEpoch = epoch
	l.mu.Unlock()

	l.log.Info("became leader", "role", l.key, "epoch", epoch)
	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	wasLeader := l.isLeader
	l.isLeader = false
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	if wasLeader {
		l.log.Info("stepped down", "role", l.key)
		if l.onLost != nil {
			l.onLost()
		}
	}
}

func (l *LeaderElector) release(ctx context.Context) {
	_ = l.locks.Release(ctx, l.key, l.nodeID)
	l.stepDown()
}
