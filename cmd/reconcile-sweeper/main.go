// Package main is the Lambda entry point for the scheduled reconcile sweep.
//
// A scheduled rule invokes the function with a scheduler.SweepPayload. One
// invocation per hour window holds the job lock; overlapping invocations
// return without sweeping.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"tollgate/internal/app"
	"tollgate/internal/config"
	"tollgate/internal/scheduler"
	"tollgate/internal/telemetry"
)

const lockTTL = 15 * time.Minute

// SweepRunner is satisfied by *scheduler.Sweeper.
type SweepRunner interface {
	Run(ctx context.Context, now time.Time) (telemetry.SweepReport, error)
}

type JobLocker interface {
	Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID, workerID string) error
}

type Handler struct {
	// NewSweeper builds a sweeper honoring the payload's batch limit.
	NewSweeper func(batchLimit int) SweepRunner
	JobLock    JobLocker
	WorkerID   string
	Logger     *slog.Logger
}

func (h *Handler) Handle(ctx context.Context, payload scheduler.SweepPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := payload.Now()
	logger.InfoContext(ctx, "reconcile sweeper invoked",
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	lockID := "reconcile_sweep:" + now.Truncate(time.Hour).Format("2006-01-02T15")
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
	if err != nil {
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	defer func() {
		if err := h.JobLock.Release(ctx, lockID, h.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release job lock", "lock_id", lockID, "error", err)
		}
	}()

	report, err := h.NewSweeper(payload.BatchLimit).Run(ctx, now)
	if err != nil {
		return "", fmt.Errorf("reconcile sweep failed: %w", err)
	}

	return fmt.Sprintf("sweep complete: %d candidates, %d drifted, %d errors",
		report.Candidates, report.Drifted, report.Errors), nil
}

func main() {
	logger := app.NewLogger(os.Getenv("LOG_LEVEL"))
	logger.Info("reconcile sweeper initializing (cold start)")

	// Secrets first so a missing parameter is reported by name.
	if err := config.ResolveSecrets(config.NewSecretProvider()); err != nil {
		logger.Error("failed to resolve SSM secrets", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig(nil)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = app.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	a, err := app.New(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		NewSweeper: func(batchLimit int) SweepRunner { return a.Sweeper(batchLimit) },
		JobLock:    a.JobLocks,
		WorkerID:   uuid.New().String(),
		Logger:     logger,
	}

	logger.Info("reconcile sweeper initialized", "worker_id", handler.WorkerID)
	lambda.Start(handler.Handle)
}
