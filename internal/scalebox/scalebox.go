// Package scalebox implements the Scalebox Service (C6, §4.7): the
// execute orchestrator that sits between the trigger surfaces and the
// sandbox pool. A request is enqueued on the scaleboxExecute queue and
// awaited via a Redis-pub/sub-backed waitUntilFinished handle (the
// nearest equivalent to BullMQ's QueueEvents in a Redis-only stack);
// a pool of Processor goroutines drains the queue and runs each job
// through the nested outer/inner lock discipline of §4.6 before
// touching a sandbox.
//
// Grounded on itskum47-FluxForge/control_plane/jobs.go's
// enqueue-then-await-result shape and scheduler's worker-pool
// dispatch, adapted from a generic task-result pubsub into the
// execute/pause/kill queue family and the two-lock nesting §4.7
// requires.
package scalebox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/canvasflow/trigger-core/internal/errorsx"
	"github.com/canvasflow/trigger-core/internal/ids"
	"github.com/canvasflow/trigger-core/internal/lock"
	"github.com/canvasflow/trigger-core/internal/metrics"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/sandbox"
	"github.com/canvasflow/trigger-core/internal/sandboxpool"
	"github.com/canvasflow/trigger-core/internal/store"
)

// ExecuteParams is the code-step payload a caller submits.
type ExecuteParams struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// ExecuteContext carries the request's tenant/canvas identity and the
// drive-mount parameters the wrapper needs (§4.7).
type ExecuteContext struct {
	UID             string `json:"uid"`
	APIKey          string `json:"apiKey"`
	CanvasID        string `json:"canvasId"`
	S3DrivePath     string `json:"s3DrivePath"`
	Version         string `json:"version"`
	ParentResultID  string `json:"parentResultId"`
}

// FileRef is one file the drive service registered from a run's diff.
type FileRef struct {
	Path       string `json:"path"`
	StorageKey string `json:"storageKey"`
}

// DriveService registers the files a code step created. Its actual
// implementation (object storage) is out of scope (§1) — only this
// interface is modeled.
type DriveService interface {
	BatchCreate(ctx context.Context, ectx ExecuteContext, added sandbox.DiffAdded) ([]FileRef, error)
}

// ExecuteErr is the {code, message} pair surfaced on a system-level
// (status=failed) response, per §4.7 step 5 / §7.
type ExecuteErr struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExecuteResponse is the shaped result of one code step (§4.7 step 5).
type ExecuteResponse struct {
	Status   string       `json:"status"` // "success" | "failed"
	ExitCode int          `json:"exitCode"`
	Stdout   string       `json:"stdout"`
	Stderr   string       `json:"stderr"`
	Log      string       `json:"log"`
	Error    *ExecuteErr  `json:"error,omitempty"`
	Files    []FileRef    `json:"files,omitempty"`
}

// jobPayload is what's actually placed on the scaleboxExecute queue.
type jobPayload struct {
	JobID   string          `json:"jobId"`
	Params  ExecuteParams   `json:"params"`
	Context ExecuteContext  `json:"context"`
}

// jobOutcome is published over the per-job pubsub channel once a
// Processor finishes (successfully or not) — the wire form
// waitUntilFinished blocks on.
type jobOutcome struct {
	Response *ExecuteResponse `json:"response,omitempty"`
	SystemErr string          `json:"systemErr,omitempty"`
}

// ErrQueueOverloaded is returned by Execute when maxQueueSize is
// exceeded (§4.7 step 2 / §7 QueueOverloadedException).
var ErrQueueOverloaded = errorsx.New(errorsx.CodeQueueOverload, "execute queue is overloaded, please retry later")

// resultChannel is the Redis pub/sub channel a Processor publishes a
// job's outcome to; Execute subscribes to it before enqueueing so
// there's no race between "job finishes fast" and "subscribe late".
func resultChannel(jobID string) string { return "scalebox:result:" + jobID }

// Config bundles the §4.6/§4.7 tunables the service needs beyond what
// the pool/locks already own.
type Config struct {
	MaxQueueSize        int
	RunCodeTimeout      time.Duration
	TruncateOutputBytes  int
	LockWaitTimeout     time.Duration
	LockPollInterval    time.Duration
	LockInitialTTL      time.Duration
	LockRenewalInterval time.Duration
}

// Service is the ingress half of the execute pipeline: validates,
// enforces the bounded queue, enqueues, and awaits the result.
type Service struct {
	rdb       *redis.Client
	execQueue *queue.Queue
	cfg       Config
	log       *slog.Logger
}

func NewService(rdb *redis.Client, execQueue *queue.Queue, cfg Config, log *slog.Logger) *Service {
	return &Service{rdb: rdb, execQueue: execQueue, cfg: cfg, log: log}
}

// Execute implements the §4.7 ingress contract: validate, reject on
// queue overload, enqueue, and block on the job's outcome. priority
// follows the same BullMQ-style convention as the schedule queue.
func (s *Service) Execute(ctx context.Context, ectx ExecuteContext, params ExecuteParams, priority int) (*ExecuteResponse, error) {
	if ectx.CanvasID == "" {
		return nil, errorsx.New(errorsx.CodeRequestParams, "canvasId is required")
	}
	if ectx.APIKey == "" {
		return nil, errorsx.New(errorsx.CodeRequestParams, "a configured provider API key is required")
	}

	if n, err := s.execQueue.Len(ctx); err == nil {
		metrics.QueueDepth.WithLabelValues(queue.ScaleboxExecute).Set(float64(n))
		if s.cfg.MaxQueueSize > 0 && n >= int64(s.cfg.MaxQueueSize) {
			return nil, ErrQueueOverloaded
		}
	}

	jobID := ids.NewToken()
	sub := s.rdb.Subscribe(ctx, resultChannel(jobID))
	defer sub.Close()

	if err := s.execQueue.Enqueue(ctx, jobID, priority, jobPayload{JobID: jobID, Params: params, Context: ectx}); err != nil {
		return nil, fmt.Errorf("enqueue execute job: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.RunCodeTimeout+30*time.Second)
	defer cancel()

	msg, err := sub.ReceiveMessage(waitCtx)
	if err != nil {
		return nil, fmt.Errorf("wait for execute job %s: %w", jobID, err)
	}
	var outcome jobOutcome
	if err := json.Unmarshal([]byte(msg.Payload), &outcome); err != nil {
		return nil, fmt.Errorf("decode execute outcome: %w", err)
	}
	if outcome.SystemErr != "" {
		return nil, errorsx.New(errorsx.Classify(fmt.Errorf("%s", outcome.SystemErr)), outcome.SystemErr)
	}

	resp := outcome.Response
	s.truncate(resp)
	return resp, nil
}

// truncate implements §4.7 step 4: if stdout exceeds the configured
// byte budget, cut it and leave a breadcrumb rather than silently
// dropping tail output.
func (s *Service) truncate(resp *ExecuteResponse) {
	if s.cfg.TruncateOutputBytes <= 0 || len(resp.Stdout) <= s.cfg.TruncateOutputBytes {
		return
	}
	resp.Stdout = resp.Stdout[:s.cfg.TruncateOutputBytes]
	resp.Log = strings.TrimSpace(resp.Log + "\n[WARN] executorOutput.log: output truncated at " + fmt.Sprint(s.cfg.TruncateOutputBytes) + " bytes")
}

// Processor is the worker half: drains scaleboxExecute and runs each
// job through the nested-lock execution in executeCode (§4.7).
type Processor struct {
	rdb     *redis.Client
	queue   *queue.Queue
	locks   *lock.Manager
	pool    *sandboxpool.Pool
	drive   DriveService
	cfg     Config
	log     *slog.Logger
	breaker *gobreaker.CircuitBreaker
}

// newExecuteBreaker guards the provider-facing ExecuteCode call: once
// at least 10 requests have been counted and at least half of them
// failed, the breaker opens for 30s and every call in that window
// fails fast as a sandbox_lifecycle error instead of piling up behind
// a dead sandbox provider. No Interval is set, so the counts cover
// every request since the breaker last changed state, not a sliding
// window. There is no gobreaker usage in the retrieval pack to ground
// the threshold numbers on; they are set here and are not gobreaker's
// defaults.
func newExecuteBreaker(log *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "scalebox-execute",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 10 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("scalebox: circuit breaker state change", "breaker", name, "from", from, "to", to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
}

func NewProcessor(rdb *redis.Client, q *queue.Queue, locks *lock.Manager, pool *sandboxpool.Pool, drive DriveService, cfg Config, log *slog.Logger) *Processor {
	return &Processor{rdb: rdb, queue: q, locks: locks, pool: pool, drive: drive, cfg: cfg, log: log, breaker: newExecuteBreaker(log)}
}

// Run pops and processes jobs until ctx is cancelled, sleeping
// briefly between empty polls — a minimal long-poll worker loop in
// place of a push-based queue consumer, matching the teacher's
// scheduler worker-pool's pull-driven dispatch shape.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok, err := p.queue.Pop(ctx)
		if err != nil {
			p.log.Error("scalebox: pop failed", "err", err)
			time.Sleep(time.Second)
			continue
		}
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		p.processOne(ctx, job)
	}
}

func (p *Processor) processOne(ctx context.Context, job *queue.Job) {
	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		p.publish(ctx, job.ID, jobOutcome{SystemErr: "decode job payload: " + err.Error()})
		return
	}

	resp, err := p.executeCode(ctx, payload.Context, payload.Params)
	if err != nil {
		p.publish(ctx, job.ID, jobOutcome{SystemErr: err.Error()})
		return
	}
	p.publish(ctx, job.ID, jobOutcome{Response: resp})
}

func (p *Processor) publish(ctx context.Context, jobID string, outcome jobOutcome) {
	data, err := json.Marshal(outcome)
	if err != nil {
		p.log.Error("scalebox: encode outcome failed", "jobId", jobID, "err", err)
		return
	}
	if err := p.rdb.Publish(ctx, resultChannel(jobID), data).Err(); err != nil {
		p.log.Error("scalebox: publish outcome failed", "jobId", jobID, "err", err)
	}
}

// executeCode implements §4.7's job-processor pipeline exactly:
// outer execute-lock, pool acquire, inner sandbox-lock, run, register
// files — with every acquisition released by a deferred call on every
// return path.
func (p *Processor) executeCode(ctx context.Context, ectx ExecuteContext, params ExecuteParams) (resp *ExecuteResponse, resultErr error) {
	start := time.Now()
	defer func() {
		status := "system_error"
		if resultErr == nil && resp != nil {
			status = resp.Status
		}
		metrics.ExecuteDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	outerToken := ids.NewToken()
	outer, err := p.locks.WaitHeld(ctx, "execute", store.ExecuteLockKey(ectx.UID, ectx.CanvasID), outerToken,
		p.cfg.LockInitialTTL, p.cfg.LockPollInterval, p.cfg.LockWaitTimeout, p.cfg.LockRenewalInterval)
	if err != nil {
		// §6: "the external user message is deliberately generic".
		return nil, errorsx.Wrap(errorsx.CodeSandboxLife, "sandbox is busy, please retry", err)
	}
	defer outer.Release(context.Background())

	acquired, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := p.pool.Release(context.Background(), acquired.Wrapper.SandboxID()); rerr != nil {
			p.log.Warn("scalebox: pool release failed", "sandboxId", acquired.Wrapper.SandboxID(), "err", rerr)
		}
	}()

	innerToken := ids.NewToken()
	inner, err := p.locks.WaitHeld(ctx, "sandbox", store.SandboxLockKey(acquired.Wrapper.SandboxID()), innerToken,
		p.cfg.LockInitialTTL, p.cfg.LockPollInterval, p.cfg.LockWaitTimeout, p.cfg.LockRenewalInterval)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.CodeSandboxLife, "sandbox is busy, please retry", err)
	}
	defer inner.Release(context.Background())

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.RunCodeTimeout)
	defer cancel()

	rawOutput, err := p.breaker.Execute(func() (interface{}, error) {
		return acquired.Wrapper.ExecuteCode(runCtx, sandbox.ExecuteParams{
			Code:     params.Code,
			Language: params.Language,
			Cwd:      ectx.S3DrivePath,
			Timeout:  p.cfg.RunCodeTimeout,
		})
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errorsx.Wrap(errorsx.CodeSandboxLife, "sandbox provider is currently unavailable, please retry later", err)
		}
		// Unrecoverable infra issue (parse/mount/lock-adjacent failure)
		// surfaces as status=failed with a {code,message} pair, per §7.
		de, _ := errorsx.As(err)
		code, msg := "internal", err.Error()
		if de != nil {
			code, msg = string(de.Code), de.Message
		}
		return &ExecuteResponse{Status: "failed", Error: &ExecuteErr{Code: code, Message: msg}}, nil
	}
	output := rawOutput.(*sandbox.ExecuteOutput)

	var files []FileRef
	if p.drive != nil && len(output.Added) > 0 {
		files, err = p.drive.BatchCreate(ctx, ectx, output.Added)
		if err != nil {
			p.log.Warn("scalebox: drive batchCreate failed", "err", err)
		}
	}

	resp := &ExecuteResponse{
		Status:   "success",
		ExitCode: output.ExitCode,
		Stdout:   output.Stdout,
		Stderr:   output.Stderr,
		Log:      output.Log,
		Files:    files,
	}
	if output.Error != "" {
		// A non-zero exit is a code-level error, not a system error: it
		// still reports status=success with the error carried alongside
		// (§4.7 step 5 / §7).
		resp.Error = &ExecuteErr{Code: "code_error", Message: output.Error}
	}
	return resp, nil
}
