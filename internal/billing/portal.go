package billing

import (
	"context"

	"tollgate/internal/types"
)

// portalFeatures is the feature set of the portal configuration. Changing it
// requires bumping the configured portal version.
func (o *Orchestrator) portalFeatures() PortalFeatures {
	return PortalFeatures{
		InvoiceHistory:      true,
		PaymentMethodUpdate: true,
		CancelEnabled:       true,
		CancelMode:          "immediately",
		SubscriptionUpdate:  false,
		ReturnURL:           o.dashboardURL("/billing", ""),
	}
}

// GetPortalSession opens the self-service billing portal for a tenant with
// a known customer.
func (o *Orchestrator) GetPortalSession(ctx context.Context, tenantID string) (*types.PortalSession, error) {
	ent, err := o.ents.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if ent.CustomerRef == "" {
		return nil, noBillingAccount()
	}

	configID, err := o.portalConfigID(ctx)
	if err != nil {
		return nil, err
	}

	session, err := o.gateway.CreatePortalSession(ctx, ent.CustomerRef, configID, o.dashboardURL("/billing", ""))
	if err != nil {
		if resourceMissing(err, "customer") {
			o.metrics.RecordStaleCustomer()
			if _, clearErr := o.ents.ClearCustomerRef(ctx, tenantID); clearErr != nil {
				o.logger.WarnContext(ctx, "failed to clear stale customer reference", "tenant_id", tenantID, "error", clearErr)
			}
			return nil, noBillingAccount()
		}
		o.logger.ErrorContext(ctx, "portal session creation failed", "tenant_id", tenantID, "error", err)
		return nil, err
	}
	return session, nil
}

// portalConfigID returns the configuration for the current version, creating
// and caching it on first use. Cache failures degrade to creating a new one.
func (o *Orchestrator) portalConfigID(ctx context.Context) (string, error) {
	version := o.cfg.PortalConfigVersion
	id, ok, err := o.portals.GetPortalConfigID(ctx, version)
	if err != nil {
		o.logger.WarnContext(ctx, "portal config cache read failed", "version", version, "error", err)
	} else if ok {
		return id, nil
	}

	id, err = o.gateway.CreatePortalConfiguration(ctx, o.portalFeatures())
	if err != nil {
		return "", err
	}
	if err := o.portals.SetPortalConfigID(ctx, version, id); err != nil {
		o.logger.WarnContext(ctx, "portal config cache write failed", "version", version, "error", err)
	}
	o.logger.InfoContext(ctx, "portal configuration created", "version", version, "config_id", id)
	return id, nil
}

func noBillingAccount() *types.AppError {
	return types.NewAppError(types.ErrCodeValidationNoBillingAccount, "no billing account: complete a checkout first", nil)
}

type noPortalCache struct{}

func (noPortalCache) GetPortalConfigID(context.Context, string) (string, bool, error) {
	return "", false, nil
}
func (noPortalCache) SetPortalConfigID(context.Context, string, string) error { return nil }
