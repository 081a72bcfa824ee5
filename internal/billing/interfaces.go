package billing

import (
	"context"
	"errors"
	"time"

	"tollgate/internal/types"
)

// EntitlementStore is the durable entitlement record store. Lookups that
// match nothing return an AppError with ErrCodeNotFoundEntitlement.
type EntitlementStore interface {
	Get(ctx context.Context, tenantID string) (*types.Entitlement, error)
	ApplyPlan(ctx context.Context, tenantID string, planID types.PlanID, start, end time.Time, refs types.ExternalRefs) (*types.Entitlement, error)
	UpdateRefs(ctx context.Context, tenantID string, refs types.ExternalRefs) (*types.Entitlement, error)
	ClearCustomerRef(ctx context.Context, tenantID string) (*types.Entitlement, error)
	FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*types.Entitlement, error)
	FindByCustomerRef(ctx context.Context, customerRef string) (*types.Entitlement, error)
	EnsureTenant(ctx context.Context, tenantID string, freePlan types.PlanID, start, end time.Time) (*types.Entitlement, error)
}

// EntitlementCache is the fast-read mirror of EntitlementStore. A miss is
// (nil, false, nil).
type EntitlementCache interface {
	Get(ctx context.Context, tenantID string) (*types.Entitlement, bool, error)
	Set(ctx context.Context, ent *types.Entitlement) error
	Delete(ctx context.Context, tenantID string) error
}

// PortalConfigCache stores the gateway portal configuration id per version.
type PortalConfigCache interface {
	GetPortalConfigID(ctx context.Context, version string) (string, bool, error)
	SetPortalConfigID(ctx context.Context, version, configID string) error
}

// PipelineCounter counts a tenant's active billable pipelines.
type PipelineCounter interface {
	CountActivePipelines(ctx context.Context, tenantID string) (int, error)
}

// CheckoutParams describes a hosted checkout for one plan.
type CheckoutParams struct {
	TenantID    string
	Plan        Plan
	CustomerRef string // empty lets the gateway mint a customer
	SuccessURL  string
	CancelURL   string
}

// PortalFeatures is the feature set of a portal configuration.
type PortalFeatures struct {
	InvoiceHistory      bool
	PaymentMethodUpdate bool
	CancelEnabled       bool
	CancelMode          string // "immediately" or "at_period_end"
	SubscriptionUpdate  bool
	ReturnURL           string
}

// Gateway is the payment gateway surface the engine depends on. Errors are
// AppErrors with upstream_* codes; a missing object is
// ErrCodeUpstreamResourceMissing with the offending parameter in
// Details["param"].
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*types.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionRef string) (*types.SubscriptionSnapshot, error)
	CancelSubscription(ctx context.Context, subscriptionRef string) error
	CreatePortalConfiguration(ctx context.Context, features PortalFeatures) (string, error)
	CreatePortalSession(ctx context.Context, customerRef, configID, returnURL string) (*types.PortalSession, error)
}

// DowngradeBlocked describes a gateway-driven downgrade the quota guard refused.
type DowngradeBlocked struct {
	TenantID         string       `json:"tenantId"`
	TargetPlan       types.PlanID `json:"targetPlan"`
	ActivePipelines  int          `json:"activePipelines"`
	AllowedPipelines int          `json:"allowedPipelines"`
	RequiredReleases int          `json:"requiredReleases"`
	Trigger          string       `json:"trigger"`
}

// Notifier tells the tenant out of band that a downgrade is waiting on them.
type Notifier interface {
	DowngradeBlocked(ctx context.Context, notice DowngradeBlocked) error
}

// Metrics receives engine counters.
type Metrics interface {
	RecordTransition(kind string)
	RecordQuotaBlock(trigger string)
	RecordStaleCustomer()
}

type noopMetrics struct{}

func (noopMetrics) RecordTransition(string) {}
func (noopMetrics) RecordQuotaBlock(string) {}
func (noopMetrics) RecordStaleCustomer()    {}

// resourceMissing reports whether err is the gateway saying an object does
// not exist. param narrows the match ("customer"); empty matches any.
func resourceMissing(err error, param string) bool {
	for err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == types.ErrCodeUpstreamResourceMissing {
			if param == "" {
				return true
			}
			got, _ := appErr.Details["param"].(string)
			return got == param
		}
		err = appErr.Err
	}
	return false
}
