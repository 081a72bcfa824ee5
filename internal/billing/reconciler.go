package billing

import (
	"context"
	"log/slog"

	"tollgate/internal/types"
)

// Downgrade triggers, used in logs, notices and metrics.
const (
	TriggerWebhook = "webhook"
	TriggerSync    = "sync"
	TriggerCancel  = "cancel"
	TriggerSweep   = "sweep"
)

type triggerKey struct{}

// WithTrigger tags ctx with the entry point driving a reconcile.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// withDefaultTrigger tags ctx only if no caller tagged it first.
func withDefaultTrigger(ctx context.Context, trigger string) context.Context {
	if _, ok := ctx.Value(triggerKey{}).(string); ok {
		return ctx
	}
	return WithTrigger(ctx, trigger)
}

// TriggerFrom reports the tagged trigger, defaulting to webhook.
func TriggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok {
		return t
	}
	return TriggerWebhook
}

// Reconciler applies gateway snapshots to entitlement records. Every
// transition it performs is idempotent under redelivery.
type Reconciler struct {
	catalog  *Catalog
	ents     *Entitlements
	guard    *QuotaGuard
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
}

type ReconcilerOption func(*Reconciler)

func WithNotifier(n Notifier) ReconcilerOption {
	return func(r *Reconciler) { r.notifier = n }
}

func WithMetrics(m Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

func NewReconciler(catalog *Catalog, ents *Entitlements, guard *QuotaGuard, logger *slog.Logger, opts ...ReconcilerOption) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		catalog: catalog,
		ents:    ents,
		guard:   guard,
		metrics: noopMetrics{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Grant applies the plan named by checkout metadata. It does not re-derive
// the plan from price unless the metadata is missing or unusable. A repeat
// with the same plan and subscription is a no-op.
func (r *Reconciler) Grant(ctx context.Context, tenantID string, planID types.PlanID, snap types.SubscriptionSnapshot) (*types.Entitlement, error) {
	current, err := r.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	target := r.catalog.ResolvePlan(snap.PriceAmount, snap.PriceInterval, planID)
	if target == current.PlanID && snap.SubscriptionRef != "" && snap.SubscriptionRef == current.SubscriptionRef {
		r.record(ctx, tenantID, HoldTransition{Reason: HoldUnchanged})
		return current, nil
	}

	t := ApplyPlanTransition{Plan: target, Refs: snap.Refs()}
	r.record(ctx, tenantID, t)
	return r.ents.ApplyPlan(ctx, tenantID, t.Plan, t.Refs)
}

// Reconcile derives the transition for snap and performs it.
func (r *Reconciler) Reconcile(ctx context.Context, tenantID string, snap types.SubscriptionSnapshot) (*types.Entitlement, error) {
	current, err := r.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	t := Decide(current, snap, r.catalog)
	r.record(ctx, tenantID, t, "status", snap.Status, "subscription_ref", snap.SubscriptionRef)

	switch t := t.(type) {
	case ApplyPlanTransition:
		return r.ents.ApplyPlan(ctx, tenantID, t.Plan, t.Refs)
	case RefreshRefsTransition:
		return r.ents.RefreshRefs(ctx, tenantID, t.Refs)
	case DowngradeTransition:
		return r.downgrade(ctx, current)
	default:
		return current, nil
	}
}

// ForceDowngrade moves the tenant to the free plan behind the quota guard.
// Used when the gateway confirms the subscription is gone.
func (r *Reconciler) ForceDowngrade(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	current, err := r.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if r.catalog.IsFree(current.PlanID) && current.SubscriptionRef == "" {
		r.record(ctx, tenantID, HoldTransition{Reason: HoldAlreadyFree})
		return current, nil
	}
	r.record(ctx, tenantID, DowngradeTransition{Cause: StateLapsed})
	return r.downgrade(ctx, current)
}

// SubscriptionEnded handles a deletion event for subscriptionRef. Deletions
// of a subscription the tenant already replaced are ignored.
func (r *Reconciler) SubscriptionEnded(ctx context.Context, tenantID, subscriptionRef string) (*types.Entitlement, error) {
	current, err := r.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if subscriptionRef != "" && current.SubscriptionRef != "" && current.SubscriptionRef != subscriptionRef {
		r.record(ctx, tenantID, HoldTransition{Reason: HoldSuperseded}, "subscription_ref", subscriptionRef)
		return current, nil
	}
	return r.ForceDowngrade(ctx, tenantID)
}

func (r *Reconciler) downgrade(ctx context.Context, current *types.Entitlement) (*types.Entitlement, error) {
	free := r.catalog.Free()
	tenantID := current.TenantID

	d, err := r.guard.CanDowngrade(ctx, tenantID, free.ID)
	if err != nil {
		r.logger.ErrorContext(ctx, "quota guard failed, downgrade refused", "tenant_id", tenantID, "error", err)
		return nil, err
	}
	if !d.Allowed {
		trigger := TriggerFrom(ctx)
		r.metrics.RecordQuotaBlock(trigger)
		r.logger.WarnContext(ctx, "downgrade blocked by quota guard",
			"tenant_id", tenantID,
			"trigger", trigger,
			"active_pipelines", d.ActiveCount,
			"allowed_pipelines", d.Limit,
		)
		r.notifyBlocked(ctx, tenantID, d, trigger)
		return nil, QuotaExceededError(d)
	}
	return r.ents.ApplyPlan(ctx, tenantID, free.ID, types.ExternalRefs{ClearSubscriptionRef: true})
}

func (r *Reconciler) notifyBlocked(ctx context.Context, tenantID string, d Decision, trigger string) {
	// The caller of an explicit cancel gets the 409 directly.
	if r.notifier == nil || trigger == TriggerCancel {
		return
	}
	err := r.notifier.DowngradeBlocked(ctx, DowngradeBlocked{
		TenantID:         tenantID,
		TargetPlan:       d.TargetPlan,
		ActivePipelines:  d.ActiveCount,
		AllowedPipelines: d.Limit,
		RequiredReleases: d.RequiredReleases,
		Trigger:          trigger,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "failed to publish downgrade-blocked notice", "tenant_id", tenantID, "error", err)
	}
}

func (r *Reconciler) record(ctx context.Context, tenantID string, t Transition, attrs ...any) {
	r.metrics.RecordTransition(t.Kind())
	args := append([]any{"tenant_id", tenantID, "transition", t.Kind(), "trigger", TriggerFrom(ctx)}, attrs...)
	if h, ok := t.(HoldTransition); ok {
		args = append(args, "reason", h.Reason)
	}
	r.logger.InfoContext(ctx, "reconcile transition", args...)
}
