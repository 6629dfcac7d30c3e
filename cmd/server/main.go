// Command server wires every component in SPEC_FULL.md into a single
// runnable process: the trigger HTTP surface, the cron scan loop, the
// scheduleExecution/scaleboxExecute/scaleboxPause/scaleboxKill queue
// workers, and the sandbox-pool background leader role — grounded on
// itskum47-FluxForge/control_plane/main.go's single-process wiring
// shape (connect store, build the long-running loops, start them as
// goroutines, serve HTTP, shut down on signal).
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/canvasflow/trigger-core/internal/authn"
	"github.com/canvasflow/trigger-core/internal/config"
	"github.com/canvasflow/trigger-core/internal/coordination"
	"github.com/canvasflow/trigger-core/internal/execrecord"
	"github.com/canvasflow/trigger-core/internal/externalclients"
	"github.com/canvasflow/trigger-core/internal/httpapi"
	"github.com/canvasflow/trigger-core/internal/ids"
	"github.com/canvasflow/trigger-core/internal/ingress"
	"github.com/canvasflow/trigger-core/internal/lock"
	"github.com/canvasflow/trigger-core/internal/logging"
	"github.com/canvasflow/trigger-core/internal/priority"
	"github.com/canvasflow/trigger-core/internal/queue"
	"github.com/canvasflow/trigger-core/internal/sandbox"
	"github.com/canvasflow/trigger-core/internal/sandboxpool"
	"github.com/canvasflow/trigger-core/internal/scalebox"
	"github.com/canvasflow/trigger-core/internal/scheduleengine"
	"github.com/canvasflow/trigger-core/internal/scheduleworker"
	"github.com/canvasflow/trigger-core/internal/statushub"
	"github.com/canvasflow/trigger-core/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config: load failed", "err", err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{Level: cfg.SlogLevel(), Pretty: cfg.Env != "production"})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("postgres: connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := store.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
	if err != nil {
		log.Error("redis: connect failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("connected to redis and postgres")

	nodeID := hostNodeID()
	locks := lock.NewManager(rdb.Client)

	// --- L2 queues (§4, §6) ---
	scheduleQueue := queue.New(rdb.Client, queue.ScheduleExecution)
	execQueue := queue.New(rdb.Client, queue.ScaleboxExecute)
	pauseQueue := queue.New(rdb.Client, queue.ScaleboxPause)
	killQueue := queue.New(rdb.Client, queue.ScaleboxKill)

	// --- C9 cross-cutting: ids/auth ---
	jwtIssuer := authn.NewIssuer(cfg.JWTSecret, time.Duration(cfg.JWTIssuerTTLMin)*time.Minute)

	// --- External collaborators (spec §1 Non-goals) ---
	workflowEngine := externalclients.NewWorkflowEngine(cfg.WorkflowEngineURL)
	canvasService := externalclients.NewCanvasService(cfg.CanvasServiceURL)
	apiKeyService := externalclients.NewAPIKeyService(cfg.APIKeyServiceURL)
	driveStorage := externalclients.NewDriveStorage(cfg.DriveStorageURL)

	// planOf resolves a uid's billing plan. Subscription/billing is an
	// external collaborator out of scope for this core (spec §1); in
	// the absence of that system every uid is treated as the Free
	// plan, which is the conservative (most-quota-limited, lowest
	// base-priority) choice.
	planOf := func(context.Context, string) string { return string(priority.PlanFree) }
	planOfPriority := func(context.Context, string) priority.Plan { return priority.PlanFree }
	maxActive := func(plan string) int {
		if plan == string(priority.PlanPaid) {
			return cfg.PaidMaxActiveSchedules
		}
		return cfg.FreeMaxActiveSchedules
	}

	// --- C1 Schedule Priority Service ---
	priorityResolver := priority.NewResolver(cfg, db, planOfPriority)

	// --- C7 Execution Record Projector ---
	hub := statushub.New(log)
	projector := execrecord.New(db, workflowEngine).WithHub(hub)

	// --- C2 Schedule Engine ---
	engine := scheduleengine.New(db, locks, scheduleQueue, priorityResolver, log, nodeID, time.Duration(cfg.ScanLockTTLSec)*time.Second, maxActive, planOf)

	// --- scheduleworker: drains scheduleExecution (§4.2 step 7) ---
	scheduleWorker := scheduleworker.New(scheduleQueue, projector, workflowEngine, canvasService, log)

	// --- C5 Sandbox Pool ---
	sandboxFactory := &sandbox.Factory{
		Type: sandbox.WrapperType(cfg.WrapperType),
		ExecutorCfg: sandbox.ExecutorConfig{
			BaseURL:           cfg.SandboxProviderURL,
			TemplateName:      cfg.TemplateName,
			APIKey:            cfg.SandboxAPIKey,
			CodeSizeThreshold: cfg.CodeSizeThreshold,
			HTTPTimeout:       time.Duration(cfg.SandboxTimeoutMs) * time.Millisecond,
		},
		InterpreterCfg: sandbox.InterpreterConfig{
			BaseURL:      cfg.SandboxProviderURL,
			TemplateName: cfg.TemplateName,
			APIKey:       cfg.SandboxAPIKey,
			S3Bucket:     cfg.SandboxS3Bucket,
			S3MountPath:  cfg.SandboxS3MountPath,
			HTTPTimeout:  time.Duration(cfg.SandboxTimeoutMs) * time.Millisecond,
		},
		LifecycleMaxRetry: cfg.LifecycleRetryMaxAttempt,
		Log:               log,
	}
	pool := sandboxpool.New(rdb, locks, pauseQueue, killQueue, sandboxFactory, log,
		cfg.TemplateName, cfg.MaxSandboxes,
		time.Duration(cfg.AutoPauseDelayMs)*time.Millisecond,
		cfg.KillRetryMaxAttempt, time.Duration(cfg.KillRetryIntervalMs)*time.Millisecond)
	autoPause := sandboxpool.NewAutoPauseProcessor(pool, locks, log)
	killProcessor := sandboxpool.NewKillProcessor(pool, log)

	// --- C6 Scalebox Service + Processor ---
	scaleboxCfg := scalebox.Config{
		MaxQueueSize:        cfg.MaxQueueSize,
		RunCodeTimeout:      time.Duration(cfg.RunCodeTimeoutSec) * time.Second,
		TruncateOutputBytes: cfg.TruncateOutput,
		LockWaitTimeout:     time.Duration(cfg.LockWaitTimeoutSec) * time.Second,
		LockPollInterval:    time.Duration(cfg.LockPollIntervalMs) * time.Millisecond,
		LockInitialTTL:      time.Duration(cfg.LockInitialTTLSec) * time.Second,
		LockRenewalInterval: time.Duration(cfg.LockRenewalMs) * time.Millisecond,
	}
	scaleboxService := scalebox.NewService(rdb.Client, execQueue, scaleboxCfg, log)
	scaleboxProcessor := scalebox.NewProcessor(rdb.Client, execQueue, locks, pool, driveStorage, scaleboxCfg, log)

	// --- C3 Trigger Ingress Gate ---
	localLimiter := ingress.NewLocalLimiter(float64(cfg.OpenAPIRPMLimit)/60.0, cfg.OpenAPIRPMLimit)
	openAPIGate := ingress.NewOpenAPIGate(rdb, localLimiter, cfg.OpenAPIRPMLimit, cfg.OpenAPIDailyLimit)
	webhookGate := ingress.NewWebhookGate(rdb, localLimiter, cfg.WebhookRPMLimit, cfg.WebhookDailyLimit)

	// --- HTTP surface ---
	router := httpapi.NewRouter(&httpapi.Deps{
		Config:      cfg,
		Log:         log,
		DB:          db,
		Redis:       rdb,
		JWT:         jwtIssuer,
		APIKeys:     apiKeyService,
		OpenAPIGate: openAPIGate,
		WebhookGate: webhookGate,
		Canvases:    canvasService,
		Files:       canvasService,
		Projector:   projector,
		Priority:    priorityResolver,
		ScheduleQueue: scheduleQueue,
		Scalebox:    scaleboxService,
		Hub:         hub,
	})

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router}

	// --- Background loops ---
	go hub.Run(ctx)
	go runScanLoop(ctx, engine, log)
	go scheduleWorker.Run(ctx)
	go scaleboxProcessor.Run(ctx)

	// The sandbox pool's background sweeps (auto-pause, kill-queue
	// drain) run under continuous leader election (§9 "Global state"
	// design note / SPEC_FULL §5.1): exactly one replica drains them at
	// a time, avoiding every replica double-pausing or double-killing
	// the same sandbox.
	elector := coordination.NewLeaderElector(locks, &coordination.BoundEpochSource{Store: db, Resource: "sandbox-pool"}, log, "sandbox-pool", nodeID, 30*time.Second)
	elector.SetCallbacks(
		func(leaderCtx context.Context) {
			log.Info("elected leader for sandbox pool background workers")
			go autoPause.Run(leaderCtx, pauseQueue)
			go killProcessor.Run(leaderCtx, killQueue)
		},
		func() {
			log.Warn("lost sandbox-pool leadership")
		},
	)
	elector.Start(ctx)

	janitor := coordination.NewLockJanitor(rdb.Client, log, time.Minute)
	janitor.Start(ctx)

	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "err", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// runScanLoop fires the Schedule Engine's scan tick once a minute —
// the spec's "every minute, fire all due schedules" contract (§4.2).
func runScanLoop(ctx context.Context, engine *scheduleengine.Engine, log *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.ScanTick(ctx)
		}
	}
}

func hostNodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "node-" + ids.NewToken()
	}
	return hostname + "-" + ids.NewToken()[:8]
}
