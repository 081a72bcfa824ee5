package billing

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"tollgate/internal/types"
)

// OrchestratorConfig carries the user-facing URLs and portal settings.
type OrchestratorConfig struct {
	DashboardURL        string
	PortalConfigVersion string
}

// Orchestrator runs the user-initiated billing flows: checkout, portal,
// sync and cancel.
type Orchestrator struct {
	catalog    *Catalog
	ents       *Entitlements
	guard      *QuotaGuard
	reconciler *Reconciler
	gateway    Gateway
	portals    PortalConfigCache
	metrics    Metrics
	cfg        OrchestratorConfig
	logger     *slog.Logger
}

// OrchestratorDeps groups the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Catalog      *Catalog
	Entitlements *Entitlements
	Guard        *QuotaGuard
	Reconciler   *Reconciler
	Gateway      Gateway
	PortalConfig PortalConfigCache
	Metrics      Metrics
}

func NewOrchestrator(deps OrchestratorDeps, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		catalog:    deps.Catalog,
		ents:       deps.Entitlements,
		guard:      deps.Guard,
		reconciler: deps.Reconciler,
		gateway:    deps.Gateway,
		portals:    deps.PortalConfig,
		metrics:    deps.Metrics,
		cfg:        cfg,
		logger:     logger,
	}
	if o.metrics == nil {
		o.metrics = noopMetrics{}
	}
	if o.portals == nil {
		o.portals = noPortalCache{}
	}
	return o
}

// CreateCheckout opens a hosted checkout for planID. A customer reference
// the gateway no longer recognizes is cleared and the session is created
// once more without it; no other failure is retried.
func (o *Orchestrator) CreateCheckout(ctx context.Context, tenantID string, planID types.PlanID) (*types.CheckoutSession, error) {
	plan, ok := o.catalog.Lookup(planID)
	switch {
	case !ok:
		return nil, types.NewAppError(types.ErrCodeValidationUnknownPlan, "unknown plan: "+string(planID), nil)
	case plan.IsFree:
		return nil, types.NewAppError(types.ErrCodeValidationPlanNotForSale, "the free plan cannot be purchased", nil)
	case plan.ComingSoon:
		return nil, types.NewAppError(types.ErrCodeValidationPlanComingSoon, plan.Name+" is not available yet", nil)
	}

	ent, err := o.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	params := CheckoutParams{
		TenantID:    tenantID,
		Plan:        plan,
		CustomerRef: ent.CustomerRef,
		SuccessURL:  o.dashboardURL("/billing", "checkout=success&session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:   o.dashboardURL("/billing", "checkout=canceled"),
	}

	session, err := o.gateway.CreateCheckoutSession(ctx, params)
	if err != nil && params.CustomerRef != "" && resourceMissing(err, "customer") {
		o.metrics.RecordStaleCustomer()
		o.logger.WarnContext(ctx, "stale customer reference, retrying checkout without it",
			"tenant_id", tenantID,
			"customer_ref", params.CustomerRef,
		)
		if _, clearErr := o.ents.ClearCustomerRef(ctx, tenantID); clearErr != nil {
			return nil, clearErr
		}
		params.CustomerRef = ""
		session, err = o.gateway.CreateCheckoutSession(ctx, params)
	}
	if err != nil {
		o.logger.ErrorContext(ctx, "checkout session creation failed", "tenant_id", tenantID, "plan_id", planID, "error", err)
		return nil, err
	}

	o.logger.InfoContext(ctx, "checkout session created", "tenant_id", tenantID, "plan_id", planID, "session_id", session.ID)
	return session, nil
}

// dashboardURL joins path and a raw query onto the dashboard base. The
// query is left unescaped so gateway placeholders survive.
func (o *Orchestrator) dashboardURL(path, rawQuery string) string {
	base := strings.TrimRight(o.cfg.DashboardURL, "/")
	u, err := url.Parse(base + path)
	if err != nil {
		return base + path
	}
	if rawQuery == "" {
		return u.String()
	}
	return u.String() + "?" + rawQuery
}
