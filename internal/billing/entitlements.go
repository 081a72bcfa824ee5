package billing

import (
	"context"
	"log/slog"
	"time"

	"tollgate/internal/types"
)

// Entitlements composes the durable store and the cache. It is the only code
// that mutates entitlement records; every mutation is one store write that
// returns the full row, followed by a write-through cache set of that row.
type Entitlements struct {
	store   EntitlementStore
	cache   EntitlementCache
	catalog *Catalog
	now     func() time.Time
	logger  *slog.Logger
}

// NewEntitlements wires the adapter. cache may be nil, in which case every
// read goes to the store.
func NewEntitlements(store EntitlementStore, cache EntitlementCache, catalog *Catalog, logger *slog.Logger) *Entitlements {
	if cache == nil {
		cache = noCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Entitlements{
		store:   store,
		cache:   cache,
		catalog: catalog,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

// Get returns the tenant's record, reading through the cache.
func (e *Entitlements) Get(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	cached, ok, err := e.cache.Get(ctx, tenantID)
	if err != nil {
		e.logger.WarnContext(ctx, "entitlement cache read failed", "tenant_id", tenantID, "error", err)
	} else if ok {
		return cached, nil
	}

	ent, err := e.store.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	e.refresh(ctx, ent)
	return ent, nil
}

// EnsureTenant provisions the signup record on the free plan. An existing
// record is returned unchanged.
func (e *Entitlements) EnsureTenant(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	start := e.now()
	ent, err := e.store.EnsureTenant(ctx, tenantID, e.catalog.Free().ID, start, start.AddDate(0, 1, 0))
	if err != nil {
		return nil, err
	}
	e.refresh(ctx, ent)
	return ent, nil
}

// ApplyPlan sets the plan, restarts the billing period from now according to
// the plan's cycle, writes any non-empty refs and marks the record active.
func (e *Entitlements) ApplyPlan(ctx context.Context, tenantID string, planID types.PlanID, refs types.ExternalRefs) (*types.Entitlement, error) {
	plan := e.catalog.Plan(planID)
	start := e.now()
	end := start.AddDate(0, 1, 0)
	if plan.Cycle == types.CycleYear {
		end = start.AddDate(1, 0, 0)
	}

	ent, err := e.store.ApplyPlan(ctx, tenantID, plan.ID, start, end, refs)
	if err != nil {
		e.invalidate(ctx, tenantID)
		return nil, err
	}
	e.logger.InfoContext(ctx, "entitlement plan applied",
		"tenant_id", tenantID,
		"plan_id", plan.ID,
		"subscription_ref", ent.SubscriptionRef,
		"period_end", ent.PeriodEnd,
	)
	e.refresh(ctx, ent)
	return ent, nil
}

// RefreshRefs writes gateway references without touching plan or period.
func (e *Entitlements) RefreshRefs(ctx context.Context, tenantID string, refs types.ExternalRefs) (*types.Entitlement, error) {
	ent, err := e.store.UpdateRefs(ctx, tenantID, refs)
	if err != nil {
		e.invalidate(ctx, tenantID)
		return nil, err
	}
	e.refresh(ctx, ent)
	return ent, nil
}

// ClearCustomerRef forgets a customer the gateway no longer knows.
func (e *Entitlements) ClearCustomerRef(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	ent, err := e.store.ClearCustomerRef(ctx, tenantID)
	if err != nil {
		e.invalidate(ctx, tenantID)
		return nil, err
	}
	e.refresh(ctx, ent)
	return ent, nil
}

// ResolveTenant finds the tenant owning a gateway object: by subscription
// ref, then customer ref, then the tenant id carried in metadata if that
// tenant exists. ok is false when nothing matches.
func (e *Entitlements) ResolveTenant(ctx context.Context, subscriptionRef, customerRef, metadataTenantID string) (*types.Entitlement, bool, error) {
	lookups := []struct {
		key  string
		find func(context.Context, string) (*types.Entitlement, error)
	}{
		{subscriptionRef, e.store.FindBySubscriptionRef},
		{customerRef, e.store.FindByCustomerRef},
		{metadataTenantID, e.store.Get},
	}
	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		ent, err := l.find(ctx, l.key)
		if err == nil {
			return ent, true, nil
		}
		if !types.HasCode(err, types.ErrCodeNotFoundEntitlement) {
			return nil, false, err
		}
	}
	return nil, false, nil
}

func (e *Entitlements) refresh(ctx context.Context, ent *types.Entitlement) {
	if err := e.cache.Set(ctx, ent); err != nil {
		e.logger.WarnContext(ctx, "entitlement cache refresh failed", "tenant_id", ent.TenantID, "error", err)
		e.invalidate(ctx, ent.TenantID)
	}
}

// invalidate drops the cached copy after a failed write or failed refresh so
// the next read goes to the store.
func (e *Entitlements) invalidate(ctx context.Context, tenantID string) {
	if err := e.cache.Delete(ctx, tenantID); err != nil {
		e.logger.WarnContext(ctx, "entitlement cache delete failed", "tenant_id", tenantID, "error", err)
	}
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*types.Entitlement, bool, error) { return nil, false, nil }
func (noCache) Set(context.Context, *types.Entitlement) error                 { return nil }
func (noCache) Delete(context.Context, string) error                          { return nil }
