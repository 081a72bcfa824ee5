package db

import (
	"context"

	"tollgate/internal/types"
)

// PipelineRepo reads the billable pipeline inventory owned by the
// orchestration service. Billing never writes to it.
type PipelineRepo struct {
	db DBTX
}

func NewPipelineRepo(db DBTX) *PipelineRepo {
	return &PipelineRepo{db: db}
}

// CountActivePipelines counts pipelines that hold a quota slot. Paused
// pipelines still count; archived and deleted ones do not.
func (r *PipelineRepo) CountActivePipelines(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM pipelines
		 WHERE tenant_id = $1
		   AND deleted_at IS NULL
		   AND status <> 'archived'`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count active pipelines", err)
	}
	return n, nil
}
