// Package app is the composition root shared by the Tollgate binaries. It
// turns a loaded Config into connected infrastructure and the billing
// components built on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"tollgate/internal/auth"
	"tollgate/internal/billing"
	"tollgate/internal/cache"
	"tollgate/internal/config"
	"tollgate/internal/db"
	"tollgate/internal/external"
	"tollgate/internal/queue"
	"tollgate/internal/scheduler"
	"tollgate/internal/telemetry"
)

// App holds every long-lived component. Close releases the connections.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis *redis.Client // nil when REDIS_ADDR is empty

	Entitlements  *db.EntitlementRepo
	Pipelines     *db.PipelineRepo
	WebhookEvents *db.WebhookEventRepo
	APIKeys       *db.APIKeyRepo
	JobLocks      *db.JobLockRepo

	Catalog       *billing.Catalog
	Ents          *billing.Entitlements
	Guard         *billing.QuotaGuard
	Reconciler    *billing.Reconciler
	Orchestrator  *billing.Orchestrator
	Gateway       *external.StripeGateway
	Verifier      *external.StripeVerifier
	Authenticator *auth.KeyAuthenticator
	Metrics       telemetry.Prometheus

	aws aws.Config
}

// New connects to Postgres (and Redis when configured) and wires the billing
// components.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	rdb, err := cache.NewClient(ctx, cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		if rdb != nil {
			_ = rdb.Close()
		}
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	a := &App{
		Config:        cfg,
		Logger:        logger,
		Pool:          pool,
		Redis:         rdb,
		Entitlements:  db.NewEntitlementRepo(pool),
		Pipelines:     db.NewPipelineRepo(pool),
		WebhookEvents: db.NewWebhookEventRepo(pool),
		APIKeys:       db.NewAPIKeyRepo(pool),
		JobLocks:      db.NewJobLockRepo(pool),
		Catalog:       billing.DefaultCatalog(),
		Verifier:      &external.StripeVerifier{Secret: cfg.Billing.StripeWebhookSecret.Unmask()},
		aws:           awsCfg,
	}
	a.Authenticator = auth.NewKeyAuthenticator(a.APIKeys, logger)
	a.Gateway = external.NewStripeGateway(&http.Client{}, external.StripeConfig{
		SecretKey: cfg.Billing.StripeSecretKey.Unmask(),
		BaseURL:   cfg.Billing.StripeBaseURL,
		Timeout:   cfg.Billing.GatewayTimeout,
		Logger:    logger,
	})

	var (
		entCache    billing.EntitlementCache
		portalCache billing.PortalConfigCache
	)
	if rdb != nil {
		entCache = cache.NewEntitlementCache(rdb, cfg.Redis.EntitlementTTL)
		portalCache = cache.NewPortalConfigCache(rdb)
	} else {
		logger.Warn("redis not configured; entitlement reads go to postgres")
	}

	a.Ents = billing.NewEntitlements(a.Entitlements, entCache, a.Catalog, logger)
	a.Guard = billing.NewQuotaGuard(a.Catalog, a.Pipelines)
	a.Reconciler = billing.NewReconciler(a.Catalog, a.Ents, a.Guard, logger,
		billing.WithNotifier(a.notifier()),
		billing.WithMetrics(a.Metrics),
	)
	a.Orchestrator = billing.NewOrchestrator(billing.OrchestratorDeps{
		Catalog:      a.Catalog,
		Entitlements: a.Ents,
		Guard:        a.Guard,
		Reconciler:   a.Reconciler,
		Gateway:      a.Gateway,
		PortalConfig: portalCache,
		Metrics:      a.Metrics,
	}, billing.OrchestratorConfig{
		DashboardURL:        cfg.Billing.DashboardURL,
		PortalConfigVersion: cfg.Billing.PortalConfigVersion,
	}, logger)

	return a, nil
}

func (a *App) notifier() billing.Notifier {
	if a.Config.AWS.NoticeQueueURL == "" {
		a.Logger.Warn("SQS_BILLING_NOTICES not set; downgrade notices are logged only")
		return queue.LogNotifier{Logger: a.Logger}
	}
	client := sqs.NewFromConfig(a.aws, func(o *sqs.Options) {
		if ep := a.Config.AWS.EndpointURL; ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
	})
	return queue.NewNoticePublisher(client, a.Config.AWS.NoticeQueueURL, a.Logger)
}

// Sweeper builds the reconcile sweeper. batchLimit overrides the configured
// limit when positive.
func (a *App) Sweeper(batchLimit int) *scheduler.Sweeper {
	sc := a.Config.Sweeper
	if batchLimit > 0 {
		sc.BatchLimit = batchLimit
	}
	cw := cloudwatch.NewFromConfig(a.aws, func(o *cloudwatch.Options) {
		if ep := a.Config.AWS.EndpointURL; ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
	})
	return scheduler.NewSweeper(a.Entitlements, a.Orchestrator, scheduler.SweepConfig{
		Interval:         sc.Interval,
		Staleness:        sc.Staleness,
		BatchLimit:       sc.BatchLimit,
		Concurrency:      sc.Concurrency,
		WebhookRetention: sc.WebhookRetention,
	}, a.Logger,
		scheduler.WithRecorder(telemetry.NewSweepMetrics(cw, a.Config.AWS.MetricNamespace, a.Logger)),
		scheduler.WithPurger(a.WebhookEvents),
	)
}

// Close releases pooled connections.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("redis close error", "error", err)
		}
	}
	a.Pool.Close()
}

// NewLogger builds the JSON slog logger every binary uses.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
