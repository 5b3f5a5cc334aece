package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/gaigenticai/regulens-access/internal/app"
	"github.com/gaigenticai/regulens-access/internal/platform/cache"
	"github.com/gaigenticai/regulens-access/internal/platform/db"
	"github.com/gaigenticai/regulens-access/internal/rbac"
	"github.com/gaigenticai/regulens-access/jobs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	store := rbac.NewPGStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	var roleCache *rbac.RoleCache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// The cache is an accelerator only; decisions work without it.
		logger.Warn("redis unavailable, running without role cache", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		roleCache = rbac.NewRoleCache(redisClient, cfg.RoleCacheTTL)
	}

	engine := rbac.NewEngine(rbac.EngineConfig{
		Store:  store,
		Cache:  roleCache,
		Logger: logger,
		Expiry: rbac.ExpiryPolicy{
			Enabled: cfg.ApprovalExpiryEnabled,
			TTL:     cfg.ApprovalExpiryTTL,
		},
	})
	if err := engine.LoadFromStore(ctx); err != nil {
		logger.Error("load state", slog.Any("error", err))
		os.Exit(1)
	}

	expiryJob := jobs.NewApprovalExpiryJob(engine, logger)

	var cron []jobs.CronRegistration
	if cfg.ApprovalExpiryEnabled {
		sweepTask, err := jobs.NewApprovalExpiryTask()
		if err != nil {
			logger.Error("build expiry task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.ApprovalSweepCron,
			Task:    sweepTask,
			Options: []asynq.Option{asynq.MaxRetry(3)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskApprovalExpirySweep, Handler: expiryJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.Bool("approval_expiry", cfg.ApprovalExpiryEnabled))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
