package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"tollgate/internal/types"
)

// EntitlementRepo stores one entitlement record per tenant. Every mutation is
// a single UPDATE ... RETURNING so callers always get the complete row that
// was written.
type EntitlementRepo struct {
	db DBTX
}

func NewEntitlementRepo(db DBTX) *EntitlementRepo {
	return &EntitlementRepo{db: db}
}

const entitlementColumns = `tenant_id, plan_id, customer_ref, subscription_ref,
	period_start, period_end, active, updated_at`

func scanEntitlement(row pgx.Row) (*types.Entitlement, error) {
	var (
		e             types.Entitlement
		plan          string
		customer, sub *string
	)
	err := row.Scan(&e.TenantID, &plan, &customer, &sub, &e.PeriodStart, &e.PeriodEnd, &e.Active, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.PlanID = types.PlanID(plan)
	e.CustomerRef = derefString(customer)
	e.SubscriptionRef = derefString(sub)
	return &e, nil
}

func (r *EntitlementRepo) queryOne(ctx context.Context, msg, sql string, args ...any) (*types.Entitlement, error) {
	ent, err := scanEntitlement(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, wrapRowErr(err, types.ErrCodeNotFoundEntitlement, msg)
	}
	return ent, nil
}

func (r *EntitlementRepo) Get(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	return r.queryOne(ctx, "failed to load entitlement",
		`SELECT `+entitlementColumns+` FROM entitlements WHERE tenant_id = $1`,
		tenantID,
	)
}

func (r *EntitlementRepo) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*types.Entitlement, error) {
	return r.queryOne(ctx, "failed to look up entitlement by subscription",
		`SELECT `+entitlementColumns+` FROM entitlements WHERE subscription_ref = $1`,
		subscriptionRef,
	)
}

// FindByCustomerRef returns the most recently updated record for a customer.
func (r *EntitlementRepo) FindByCustomerRef(ctx context.Context, customerRef string) (*types.Entitlement, error) {
	return r.queryOne(ctx, "failed to look up entitlement by customer",
		`SELECT `+entitlementColumns+` FROM entitlements
		 WHERE customer_ref = $1
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		customerRef,
	)
}

// ApplyPlan overwrites plan and period. An empty ref leaves the stored value
// in place; ClearSubscriptionRef nulls the subscription ref.
func (r *EntitlementRepo) ApplyPlan(ctx context.Context, tenantID string, planID types.PlanID, start, end time.Time, refs types.ExternalRefs) (*types.Entitlement, error) {
	return r.queryOne(ctx, "failed to apply plan",
		`UPDATE entitlements
		 SET plan_id = $2,
		     period_start = $3,
		     period_end = $4,
		     customer_ref = COALESCE($5::text, customer_ref),
		     subscription_ref = CASE
		         WHEN $6::text IS NOT NULL THEN $6::text
		         WHEN $7::boolean THEN NULL
		         ELSE subscription_ref
		     END,
		     active = TRUE,
		     updated_at = NOW()
		 WHERE tenant_id = $1
		 RETURNING `+entitlementColumns,
		tenantID,
		string(planID),
		start,
		end,
		nilIfEmpty(refs.CustomerRef),
		nilIfEmpty(refs.SubscriptionRef),
		refs.ClearSubscriptionRef,
	)
}

func (r *EntitlementRepo) UpdateRefs(ctx context.Context, tenantID string, refs types.ExternalRefs) (*types.Entitlement, error) {
	return r.queryOne(ctx, "failed to update gateway references",
		`UPDATE entitlements
		 SET customer_ref = COALESCE($2::text, customer_ref),
		     subscription_ref = CASE
		         WHEN $3::text IS NOT NULL THEN $3::text
		         WHEN $4::boolean THEN NULL
		         ELSE subscription_ref
		     END,
		     updated_at = NOW()
		 WHERE tenant_id = $1
		 RETURNING `+entitlementColumns,
		tenantID,
		nilIfEmpty(refs.CustomerRef),
		nilIfEmpty(refs.SubscriptionRef),
		refs.ClearSubscriptionRef,
	)
}

func (r *EntitlementRepo) ClearCustomerRef(ctx context.Context, tenantID string) (*types.Entitlement, error) {
	return r.queryOne(ctx, "failed to clear customer reference",
		`UPDATE entitlements
		 SET customer_ref = NULL, updated_at = NOW()
		 WHERE tenant_id = $1
		 RETURNING `+entitlementColumns,
		tenantID,
	)
}

// EnsureTenant creates the signup record on the free plan, or returns the
// existing record untouched.
func (r *EntitlementRepo) EnsureTenant(ctx context.Context, tenantID string, freePlan types.PlanID, start, end time.Time) (*types.Entitlement, error) {
	return r.queryOne(ctx, "failed to ensure entitlement",
		`INSERT INTO entitlements (tenant_id, plan_id, period_start, period_end, active)
		 VALUES ($1, $2, $3, $4, TRUE)
		 ON CONFLICT (tenant_id) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		 RETURNING `+entitlementColumns,
		tenantID, string(freePlan), start, end,
	)
}

// ReconcileCandidate is a record the sweeper should look at.
type ReconcileCandidate struct {
	TenantID        string
	PlanID          types.PlanID
	SubscriptionRef string
}

// ListReconcileCandidates returns paid records that either lack a
// subscription reference since before inconsistentBefore, or have not been
// synced since staleBefore. Oldest first.
func (r *EntitlementRepo) ListReconcileCandidates(ctx context.Context, freePlan types.PlanID, inconsistentBefore, staleBefore time.Time, limit int) ([]ReconcileCandidate, error) {
	rows, err := r.db.Query(ctx,
		`SELECT tenant_id, plan_id, subscription_ref
		 FROM entitlements
		 WHERE plan_id <> $1
		   AND (
		     (subscription_ref IS NULL AND updated_at < $2)
		     OR (subscription_ref IS NOT NULL AND COALESCE(last_synced_at, updated_at) < $3)
		   )
		 ORDER BY COALESCE(last_synced_at, updated_at) ASC
		 LIMIT $4`,
		string(freePlan), inconsistentBefore, staleBefore, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list reconcile candidates", err)
	}
	defer rows.Close()

	var out []ReconcileCandidate
	for rows.Next() {
		var (
			c    ReconcileCandidate
			plan string
			sub  *string
		)
		if err := rows.Scan(&c.TenantID, &plan, &sub); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reconcile candidate", err)
		}
		c.PlanID = types.PlanID(plan)
		c.SubscriptionRef = derefString(sub)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating reconcile candidates", err)
	}
	return out, nil
}

// MarkSynced stamps last_synced_at so a record that reconciled to "no change"
// drops to the back of the sweep queue.
func (r *EntitlementRepo) MarkSynced(ctx context.Context, tenantID string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE entitlements SET last_synced_at = $2 WHERE tenant_id = $1`,
		tenantID, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark entitlement synced", err)
	}
	return nil
}
