package billing

import (
	"context"
	"fmt"

	"tollgate/internal/types"
)

// Decision is the outcome of a downgrade check.
type Decision struct {
	Allowed          bool
	RequiredReleases int
	ActiveCount      int
	Limit            int // 0 = unlimited
	TargetPlan       types.PlanID
}

// QuotaGuard decides whether a tenant fits inside a target plan's pipeline
// limit. It runs before every downgrade, whatever the entry point.
type QuotaGuard struct {
	catalog *Catalog
	counter PipelineCounter
}

func NewQuotaGuard(catalog *Catalog, counter PipelineCounter) *QuotaGuard {
	return &QuotaGuard{catalog: catalog, counter: counter}
}

// CanDowngrade counts active pipelines and compares against the target
// plan's limit. A failed count is a refusal: Allowed is false and the error
// is returned.
func (g *QuotaGuard) CanDowngrade(ctx context.Context, tenantID string, target types.PlanID) (Decision, error) {
	plan := g.catalog.Plan(target)
	d := Decision{TargetPlan: plan.ID, Limit: plan.PipelineLimit}

	active, err := g.counter.CountActivePipelines(ctx, tenantID)
	if err != nil {
		return d, types.NewAppError(types.ErrCodeInternalDB, "failed to count active pipelines", err)
	}
	d.ActiveCount = active

	if plan.PipelineLimit == 0 || active <= plan.PipelineLimit {
		d.Allowed = true
		return d, nil
	}
	d.RequiredReleases = active - plan.PipelineLimit
	return d, nil
}

// QuotaExceededError is the actionable 409 for a refused downgrade.
func QuotaExceededError(d Decision) *types.AppError {
	return types.NewAppErrorWithDetails(
		types.ErrCodeConflictQuotaExceeded,
		fmt.Sprintf("the %s plan allows %d active pipelines; delete %d before downgrading", d.TargetPlan, d.Limit, d.RequiredReleases),
		nil,
		map[string]any{
			"requiredDeletions": d.RequiredReleases,
			"activePipelines":   d.ActiveCount,
			"allowedPipelines":  d.Limit,
			"targetPlan":        d.TargetPlan,
		},
	)
}
