package billing

import (
	"context"

	"tollgate/internal/types"
)

// Sync result sources.
const (
	SourceGateway = "gateway"
	SourceCache   = "cache"
)

// SyncResult is the outcome of a pull-based reconciliation.
type SyncResult struct {
	Status string       `json:"status"`
	PlanID types.PlanID `json:"planId"`
	Source string       `json:"source"`
}

// SyncStatus pulls the live subscription and reconciles it. A paid record
// without a subscription reference, or whose subscription the gateway no
// longer has, is forced down to free behind the quota guard. Any other
// gateway failure reports the last known local state unchanged.
func (o *Orchestrator) SyncStatus(ctx context.Context, tenantID string) (*SyncResult, error) {
	ctx = withDefaultTrigger(ctx, TriggerSync)

	ent, err := o.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if ent.SubscriptionRef == "" {
		// A signup mid-checkout is still on the free plan; leave it.
		if o.catalog.IsFree(ent.PlanID) {
			return &SyncResult{Status: string(StateFree), PlanID: ent.PlanID, Source: SourceCache}, nil
		}
		// Paid access with nothing billing for it.
		o.logger.WarnContext(ctx, "paid plan without subscription, forcing downgrade",
			"tenant_id", tenantID,
			"plan_id", ent.PlanID,
			"customer_ref", ent.CustomerRef,
		)
		ent, err = o.reconciler.ForceDowngrade(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		return &SyncResult{Status: string(StateFree), PlanID: ent.PlanID, Source: SourceCache}, nil
	}

	snap, err := o.gateway.GetSubscription(ctx, ent.SubscriptionRef)
	if err != nil {
		if resourceMissing(err, "") {
			o.logger.WarnContext(ctx, "subscription missing at gateway, forcing downgrade",
				"tenant_id", tenantID,
				"subscription_ref", ent.SubscriptionRef,
			)
			ent, err = o.reconciler.ForceDowngrade(ctx, tenantID)
			if err != nil {
				return nil, err
			}
			return &SyncResult{Status: string(types.SubStatusCanceled), PlanID: ent.PlanID, Source: SourceGateway}, nil
		}
		o.logger.WarnContext(ctx, "subscription pull failed, returning last known state",
			"tenant_id", tenantID,
			"error", err,
		)
		return &SyncResult{Status: lastKnownStatus(ent, o.catalog), PlanID: ent.PlanID, Source: SourceCache}, nil
	}

	ent, err = o.reconciler.Reconcile(ctx, tenantID, *snap)
	if err != nil {
		return nil, err
	}
	return &SyncResult{Status: string(snap.Status), PlanID: ent.PlanID, Source: SourceGateway}, nil
}

func lastKnownStatus(ent *types.Entitlement, catalog *Catalog) string {
	if catalog.IsFree(ent.PlanID) {
		return string(StateFree)
	}
	return string(types.SubStatusActive)
}
