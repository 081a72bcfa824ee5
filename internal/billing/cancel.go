package billing

import (
	"context"

	"tollgate/internal/types"
)

// Cancel ends the tenant's paid plan immediately. The quota guard runs before
// anything changes at the gateway, so a blocked cancel leaves billing intact.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	ctx = WithTrigger(ctx, TriggerCancel)

	ent, err := o.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if o.catalog.IsFree(ent.PlanID) && ent.SubscriptionRef == "" {
		return ent, nil
	}

	free := o.catalog.Free()
	d, err := o.guard.CanDowngrade(ctx, tenantID, free.ID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed {
		o.metrics.RecordQuotaBlock(TriggerCancel)
		return nil, QuotaExceededError(d)
	}

	if ent.SubscriptionRef != "" {
		err := o.gateway.CancelSubscription(ctx, ent.SubscriptionRef)
		if err != nil && !resourceMissing(err, "") {
			o.logger.ErrorContext(ctx, "gateway cancel failed", "tenant_id", tenantID, "subscription_ref", ent.SubscriptionRef, "error", err)
			return nil, err
		}
	}

	o.metrics.RecordTransition(DowngradeTransition{}.Kind())
	return o.ents.ApplyPlan(ctx, tenantID, free.ID, types.ExternalRefs{ClearSubscriptionRef: true})
}
