package db

import (
	"context"
	"time"

	"tollgate/internal/types"
)

// JobLockRepo is a lease table that keeps overlapping scheduled runs from
// doing the same work twice.
type JobLockRepo struct {
	db  DBTX
	now func() time.Time
}

func NewJobLockRepo(db DBTX) *JobLockRepo {
	return &JobLockRepo{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire takes lockID for ttl. An existing lease is taken over only once it
// has expired. Returns false when another worker holds it.
func (r *JobLockRepo) Acquire(ctx context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	// Concrete timestamps; Go duration strings are not PG intervals.
	now := r.now()
	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID, workerID, now, now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Release drops the lease if workerID still owns it.
func (r *JobLockRepo) Release(ctx context.Context, lockID, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID, workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}
