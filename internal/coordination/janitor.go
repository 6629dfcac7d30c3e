package coordination

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockJanitor periodically scans the lock namespace for keys that
// somehow ended up with no expiry (a bug would have to set one without
// a TTL) and force-deletes them, since every legitimate lock in this
// system is always created with an EX/PEXPIRE. Grounded on
// control_plane/coordination/janitor.go's periodic ScanLocks sweep;
// simplified because every lock here already self-expires via Redis
// TTL, so the janitor's job narrows to catching programming bugs
// rather than reconciling against a durable fencing epoch.
type LockJanitor struct {
	rdb      *redis.Client
	log      *slog.Logger
	interval time.Duration
	pattern  string
}

func NewLockJanitor(rdb *redis.Client, log *slog.Logger, interval time.Duration) *LockJanitor {
	return &LockJanitor{rdb: rdb, log: log, interval: interval, pattern: "lock:*"}
}

func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

func (j *LockJanitor) clean(ctx context.Context) {
	iter := j.rdb.Scan(ctx, 0, j.pattern, 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := j.rdb.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		if ttl < 0 {
			j.log.Warn("janitor: force-releasing lock with no expiry", "key", key)
			j.rdb.Del(ctx, key)
		}
	}
	if err := iter.Err(); err != nil {
		j.log.Warn("janitor: scan failed", "err", err)
	}
}
