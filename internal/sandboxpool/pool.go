// Package sandboxpool implements the Sandbox Pool & Executor's C5
// component (§4.5): per-template idle-sandbox reuse, lifecycle
// create/pause/kill orchestration, and the maxSandboxes ceiling.
// Grounded on control_plane/scheduler's worker-pool acquire/release
// shape, generalized from a fixed agent pool to an elastic,
// per-template sandbox pool bounded by a global count.
package sandboxpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/canvasflow/trigger-core/internal/ids"
	"github.com/canvasflow/trigger-core/internal/lock"
	"github.com/canvasflow/trigger-core/internal/metrics"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/sandbox"
	"github.com/canvasflow/trigger-core/internal/store"
)

// ErrPoolExhausted is returned when maxSandboxes is reached and no
// idle sandbox of the requested template is available.
var ErrPoolExhausted = fmt.Errorf("sandbox pool: max sandboxes reached")

// Store is the ephemeral-state dependency this package needs.
type Store interface {
	PushIdleSandbox(ctx context.Context, templateName, sandboxID string) error
	PopIdleSandbox(ctx context.Context, templateName string) (string, bool, error)
	RemoveIdleSandbox(ctx context.Context, templateName, sandboxID string) error
	IdlePoolSize(ctx context.Context, templateName string) (int64, error)
	SaveSandboxMetadata(ctx context.Context, m *store.SandboxMetadata) error
	GetSandboxMetadata(ctx context.Context, sandboxID string) (*store.SandboxMetadata, bool, error)
	DeleteSandboxMetadata(ctx context.Context, sandboxID string) error
	TotalSandboxCount(ctx context.Context) (int, error)
}

// Pool manages sandbox lifecycle: acquire/release, auto-pause of idle
// sandboxes, and retrying kill-on-eviction.
type Pool struct {
	store        Store
	locks        *lock.Manager
	pauseQueue   *queue.Queue
	killQueue    *queue.Queue
	factory      *sandbox.Factory
	log          *slog.Logger
	templateName string
	maxSandboxes int
	autoPauseDelay time.Duration
	killRetryMax   int
	killRetryDelay time.Duration
}

func New(store_ Store, locks *lock.Manager, pauseQueue, killQueue *queue.Queue, factory *sandbox.Factory, log *slog.Logger, templateName string, maxSandboxes int, autoPauseDelay time.Duration, killRetryMax int, killRetryDelay time.Duration) *Pool {
	return &Pool{
		store: store_, locks: locks, pauseQueue: pauseQueue, killQueue: killQueue, factory: factory, log: log,
		templateName: templateName, maxSandboxes: maxSandboxes, autoPauseDelay: autoPauseDelay,
		killRetryMax: killRetryMax, killRetryDelay: killRetryDelay,
	}
}

// Acquired is a leased sandbox the caller must eventually Release.
type Acquired struct {
	Wrapper sandbox.ISandboxWrapper
	Fresh   bool
}

// Acquire implements §4.5's acquire algorithm: try to reuse an idle
// sandbox (cancelling its pending auto-pause job, reconnecting, and
// health-checking it); fall back to creating a fresh one bounded by
// maxSandboxes; on any lifecycle failure during reuse, the sandbox is
// handed to the kill queue instead of being retried inline.
func (p *Pool) Acquire(ctx context.Context) (*Acquired, error) {
	start := time.Now()
	defer func() { metrics.SandboxAcquireDuration.Observe(time.Since(start).Seconds()) }()
	for {
		id, ok, err := p.store.PopIdleSandbox(ctx, p.templateName)
		if err != nil {
			return nil, fmt.Errorf("pop idle sandbox: %w", err)
		}
		if !ok {
			break
		}
		if err := p.pauseQueue.Remove(ctx, pauseJobID(id)); err != nil {
			p.log.Warn("cancel pending auto-pause failed", "sandboxId", id, "err", err)
		}

		w := p.rebuildWrapper(id)
		if err := p.factory.ReconnectWithRetry(ctx, w); err != nil {
			p.log.Warn("reconnect to idle sandbox failed, killing", "sandboxId", id, "err", err)
			p.enqueueKill(ctx, id, err)
			continue
		}
		if err := w.HealthCheck(ctx); err != nil {
			p.log.Warn("idle sandbox failed health check, killing", "sandboxId", id, "err", err)
			p.enqueueKill(ctx, id, err)
			continue
		}
		if meta, ok, err := p.store.GetSandboxMetadata(ctx, id); err == nil && ok && meta.State == "paused" {
			pausedDelta(-1)
		}
		if err := p.markBusy(ctx, id); err != nil {
			return nil, err
		}
		return &Acquired{Wrapper: w, Fresh: false}, nil
	}

	total, err := p.store.TotalSandboxCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("total sandbox count: %w", err)
	}
	if total >= p.maxSandboxes {
		return nil, ErrPoolExhausted
	}

	w := p.factory.New()
	if err := p.factory.CreateWithRetry(ctx, w); err != nil {
		return nil, err
	}
	if err := p.markBusy(ctx, w.SandboxID()); err != nil {
		return nil, err
	}
	return &Acquired{Wrapper: w, Fresh: true}, nil
}

// Release marks a sandbox idle again, pushes it onto the reuse queue,
// and schedules a coalesced auto-pause job (§4.5's pause-after-idle
// behavior). Using the sandbox id as the delayed job id means a
// second release before the first pause fires simply replaces the
// job rather than double-scheduling it.
func (p *Pool) Release(ctx context.Context, sandboxID string) error {
	now := time.Now()
	if err := p.store.SaveSandboxMetadata(ctx, &store.SandboxMetadata{
		SandboxID: sandboxID, TemplateName: p.templateName, State: "idle",
		CreatedAt: now, LastUsedAt: now,
	}); err != nil {
		return err
	}
	if err := p.store.PushIdleSandbox(ctx, p.templateName, sandboxID); err != nil {
		return err
	}
	p.reportPoolSize(ctx)
	return p.pauseQueue.EnqueueDelayed(ctx, pauseJobID(sandboxID), 0, map[string]any{"sandboxId": sandboxID}, p.autoPauseDelay)
}

func (p *Pool) markBusy(ctx context.Context, sandboxID string) error {
	now := time.Now()
	if err := p.store.SaveSandboxMetadata(ctx, &store.SandboxMetadata{
		SandboxID: sandboxID, TemplateName: p.templateName, State: "busy",
		CreatedAt: now, LastUsedAt: now,
	}); err != nil {
		return err
	}
	p.reportPoolSize(ctx)
	return nil
}

// reportPoolSize refreshes the pool-occupancy gauge; best-effort, not
// on the hot path for correctness.
func (p *Pool) reportPoolSize(ctx context.Context) {
	if idle, err := p.store.IdlePoolSize(ctx, p.templateName); err == nil {
		metrics.SandboxPoolSize.WithLabelValues("idle").Set(float64(idle))
	}
	if total, err := p.store.TotalSandboxCount(ctx); err == nil {
		metrics.SandboxPoolSize.WithLabelValues("total").Set(float64(total))
	}
}

// pausedDelta adjusts the paused-sandbox gauge by n; paused state isn't
// backed by a store-side count the way idle/total are, so the gauge is
// maintained incrementally from the two transitions that change it
// (auto-pause success, and a paused sandbox leaving via kill/reacquire).
func pausedDelta(n float64) {
	metrics.SandboxPoolSize.WithLabelValues("paused").Add(n)
}

func (p *Pool) enqueueKill(ctx context.Context, sandboxID string, cause error) {
	reason := cause.Error()
	if len(reason) > 50 {
		reason = reason[:50]
	}
	if err := p.killQueue.Enqueue(ctx, killJobID(sandboxID), 1, map[string]any{"sandboxId": sandboxID, "reason": reason}); err != nil {
		p.log.Error("enqueue kill job failed", "sandboxId", sandboxID, "err", err)
	}
}

// rebuildWrapper constructs a wrapper bound to a known sandboxId, for
// the reconnect path where we don't go through factory.New()+Create.
func (p *Pool) rebuildWrapper(sandboxID string) sandbox.ISandboxWrapper {
	w := p.factory.New()
	switch typed := w.(type) {
	case *sandbox.Executor:
		typed.SetSandboxID(sandboxID)
	case *sandbox.Interpreter:
		typed.SetSandboxID(sandboxID)
	}
	return w
}

func pauseJobID(sandboxID string) string { return "pause:" + sandboxID }
func killJobID(sandboxID string) string  { return "kill:" + sandboxID }

// AutoPauseProcessor drains the pause queue: for each due job, if the
// sandbox isn't already paused and we can take its lock without
// blocking, pause it (§4.5's auto-pause processor).
type AutoPauseProcessor struct {
	pool  *Pool
	locks *lock.Manager
	log   *slog.Logger
}

func NewAutoPauseProcessor(pool *Pool, locks *lock.Manager, log *slog.Logger) *AutoPauseProcessor {
	return &AutoPauseProcessor{pool: pool, locks: locks, log: log}
}

// Run drains q (the pauseQueue passed to sandboxpool.New) until ctx is
// cancelled, pulling each due `pause:{sandboxId}` job and handing its
// sandboxId to ProcessOne — the same pull-driven worker-loop shape as
// scalebox.Processor.Run.
func (a *AutoPauseProcessor) Run(ctx context.Context, q *queue.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok, err := q.Pop(ctx)
		if err != nil {
			a.log.Error("auto-pause: pop failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			time.Sleep(time.Second)
			continue
		}
		var payload struct {
			SandboxID string `json:"sandboxId"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			a.log.Error("auto-pause: decode payload failed", "err", err)
			continue
		}
		if err := a.ProcessOne(ctx, payload.SandboxID); err != nil {
			a.log.Warn("auto-pause: process failed", "sandboxId", payload.SandboxID, "err", err)
		}
	}
}

func (a *AutoPauseProcessor) ProcessOne(ctx context.Context, sandboxID string) error {
	meta, ok, err := a.pool.store.GetSandboxMetadata(ctx, sandboxID)
	if err != nil {
		return err
	}
	if !ok || meta.State == "paused" || meta.State == "busy" {
		return nil
	}
	token := ids.NewToken()
	acquired, err := a.locks.Acquire(ctx, store.SandboxLockKey(sandboxID), token, 30*time.Second)
	if err != nil {
		return err
	}
	if !acquired {
		// Another operation (e.g. a concurrent acquire) holds the
		// sandbox — skip this pause attempt, it'll be rescheduled on
		// the next release.
		return nil
	}
	defer a.locks.Release(ctx, store.SandboxLockKey(sandboxID), token)

	w := a.pool.rebuildWrapper(sandboxID)
	if err := w.Pause(ctx); err != nil {
		a.log.Warn("auto-pause failed", "sandboxId", sandboxID, "err", err)
		return err
	}
	meta.State = "paused"
	if err := a.pool.store.SaveSandboxMetadata(ctx, meta); err != nil {
		return err
	}
	pausedDelta(1)
	return nil
}

// KillProcessor drains the kill queue: reconnect then kill, retrying
// up to killRetryMax times with killRetryDelay between attempts
// (§4.5's kill processor).
type KillProcessor struct {
	pool *Pool
	log  *slog.Logger
}

func NewKillProcessor(pool *Pool, log *slog.Logger) *KillProcessor {
	return &KillProcessor{pool: pool, log: log}
}

// Run drains q (the killQueue passed to sandboxpool.New) until ctx is
// cancelled, the kill-side counterpart of AutoPauseProcessor.Run.
func (k *KillProcessor) Run(ctx context.Context, q *queue.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok, err := q.Pop(ctx)
		if err != nil {
			k.log.Error("kill: pop failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			time.Sleep(time.Second)
			continue
		}
		var payload struct {
			SandboxID string `json:"sandboxId"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			k.log.Error("kill: decode payload failed", "err", err)
			continue
		}
		if err := k.ProcessOne(ctx, payload.SandboxID); err != nil {
			k.log.Warn("kill: process failed", "sandboxId", payload.SandboxID, "err", err)
		}
	}
}

func (k *KillProcessor) ProcessOne(ctx context.Context, sandboxID string) error {
	if meta, ok, err := k.pool.store.GetSandboxMetadata(ctx, sandboxID); err == nil && ok && meta.State == "paused" {
		pausedDelta(-1)
	}
	w := k.pool.rebuildWrapper(sandboxID)
	var lastErr error
	for attempt := 1; attempt <= k.pool.killRetryMax; attempt++ {
		if err := w.Reconnect(ctx); err != nil {
			lastErr = err
			k.log.Warn("kill: reconnect attempt failed", "sandboxId", sandboxID, "attempt", attempt, "err", err)
			time.Sleep(k.pool.killRetryDelay)
			continue
		}
		if err := w.Kill(ctx); err != nil {
			lastErr = err
			k.log.Warn("kill: kill attempt failed", "sandboxId", sandboxID, "attempt", attempt, "err", err)
			time.Sleep(k.pool.killRetryDelay)
			continue
		}
		lastErr = nil
		break
	}
	_ = k.pool.store.RemoveIdleSandbox(ctx, k.pool.templateName, sandboxID)
	_ = k.pool.store.DeleteSandboxMetadata(ctx, sandboxID)
	if lastErr != nil {
		return fmt.Errorf("kill %s exhausted retries: %w", sandboxID, lastErr)
	}
	return nil
}
