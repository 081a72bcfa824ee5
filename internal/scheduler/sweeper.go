// Package scheduler runs the periodic reconciliation sweep that repairs
// entitlement records the webhook path left behind.
//
// A candidate is a paid record that either never received a subscription
// reference (a checkout whose webhook never arrived) or has not been
// reconciled within the staleness window. Each candidate goes through the
// same SyncStatus path a user-initiated sync uses, so downgrades stay behind
// the quota guard.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tollgate/internal/billing"
	"tollgate/internal/db"
	"tollgate/internal/telemetry"
	"tollgate/internal/types"
)

const (
	DefaultBatchLimit  = 50
	DefaultConcurrency = 4
)

// CandidateStore lists the records a sweep should visit and stamps them once
// visited.
type CandidateStore interface {
	ListReconcileCandidates(ctx context.Context, freePlan types.PlanID, inconsistentBefore, staleBefore time.Time, limit int) ([]db.ReconcileCandidate, error)
	MarkSynced(ctx context.Context, tenantID string, at time.Time) error
}

// Syncer pulls the live subscription for one tenant and reconciles it.
type Syncer interface {
	SyncStatus(ctx context.Context, tenantID string) (*billing.SyncResult, error)
}

// SweepRecorder publishes the outcome of a run. May be nil.
type SweepRecorder interface {
	RecordSweep(ctx context.Context, report telemetry.SweepReport)
}

// EventPurger drops processed webhook ids past retention. May be nil.
type EventPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepConfig mirrors config.SweeperConfig.
type SweepConfig struct {
	Interval         time.Duration
	Staleness        time.Duration
	BatchLimit       int
	Concurrency      int
	WebhookRetention time.Duration
}

// SweepOption configures optional Sweeper collaborators.
type SweepOption func(*Sweeper)

func WithRecorder(r SweepRecorder) SweepOption {
	return func(s *Sweeper) { s.recorder = r }
}

func WithPurger(p EventPurger) SweepOption {
	return func(s *Sweeper) { s.purger = p }
}

type Sweeper struct {
	store    CandidateStore
	syncer   Syncer
	recorder SweepRecorder
	purger   EventPurger
	cfg      SweepConfig
	logger   *slog.Logger
}

func NewSweeper(store CandidateStore, syncer Syncer, cfg SweepConfig, logger *slog.Logger, opts ...SweepOption) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	s := &Sweeper{
		store:  store,
		syncer: syncer,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one sweep as of now. Per-tenant failures are logged and
// counted; only a failure to list candidates aborts the run.
func (s *Sweeper) Run(ctx context.Context, now time.Time) (telemetry.SweepReport, error) {
	ctx = billing.WithTrigger(ctx, billing.TriggerSweep)

	var report telemetry.SweepReport
	candidates, err := s.store.ListReconcileCandidates(ctx,
		billing.PlanFree,
		now.Add(-s.cfg.Interval),
		now.Add(-s.cfg.Staleness),
		s.cfg.BatchLimit,
	)
	if err != nil {
		return report, fmt.Errorf("listing reconcile candidates: %w", err)
	}
	report.Candidates = len(candidates)

	if len(candidates) == 0 {
		s.logger.InfoContext(ctx, "no entitlements need reconciling")
	} else {
		s.logger.InfoContext(ctx, "reconciling entitlements",
			"count", len(candidates),
			"concurrency", s.cfg.Concurrency,
		)

		var mu sync.Mutex
		g, gCtx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)

		for _, c := range candidates {
			g.Go(func() error {
				drifted, err := s.sweepOne(gCtx, c, now)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Errors++
					s.logger.ErrorContext(gCtx, "failed to reconcile entitlement",
						"tenant_id", c.TenantID,
						"plan_id", c.PlanID,
						"error", err,
					)
					// Next run retries it.
					return nil
				}
				if drifted {
					report.Drifted++
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	s.purge(ctx, now)

	s.logger.InfoContext(ctx, "reconcile sweep complete",
		"candidates", report.Candidates,
		"drifted", report.Drifted,
		"errors", report.Errors,
	)
	if s.recorder != nil {
		s.recorder.RecordSweep(ctx, report)
	}
	return report, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, c db.ReconcileCandidate, now time.Time) (bool, error) {
	res, err := s.syncer.SyncStatus(ctx, c.TenantID)
	if err != nil {
		return false, err
	}

	if c.SubscriptionRef == "" && res.PlanID != billing.PlanFree {
		return false, fmt.Errorf("tenant %s still on paid plan %s without a subscription", c.TenantID, res.PlanID)
	}

	drifted := res.PlanID != c.PlanID
	if drifted {
		s.logger.WarnContext(ctx, "billing state drift corrected",
			"tenant_id", c.TenantID,
			"local_plan", c.PlanID,
			"remote_plan", res.PlanID,
			"remote_status", res.Status,
		)
	}

	if err := s.store.MarkSynced(ctx, c.TenantID, now); err != nil {
		return drifted, fmt.Errorf("marking %s synced: %w", c.TenantID, err)
	}
	return drifted, nil
}

func (s *Sweeper) purge(ctx context.Context, now time.Time) {
	if s.purger == nil || s.cfg.WebhookRetention <= 0 {
		return
	}
	n, err := s.purger.PurgeBefore(ctx, now.Add(-s.cfg.WebhookRetention))
	if err != nil {
		s.logger.WarnContext(ctx, "failed to purge webhook events", "error", err)
		return
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "purged webhook events", "count", n)
	}
}
