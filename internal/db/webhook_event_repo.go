package db

import (
	"context"
	"time"

	"tollgate/internal/types"
)

// WebhookEventRepo records processed gateway event ids so redeliveries can
// be acknowledged without re-running side effects.
type WebhookEventRepo struct {
	db DBTX
}

func NewWebhookEventRepo(db DBTX) *WebhookEventRepo {
	return &WebhookEventRepo{db: db}
}

// Claim inserts the event id. It returns false when the id was already
// claimed by an earlier delivery.
func (r *WebhookEventRepo) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (event_id, event_type, received_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to claim webhook event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release removes a claim after a failed dispatch so the gateway's retry is
// processed.
func (r *WebhookEventRepo) Release(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE event_id = $1`, eventID)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release webhook event", err)
	}
	return nil
}

// PurgeBefore deletes claims older than cutoff and returns how many went.
func (r *WebhookEventRepo) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM webhook_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to purge webhook events", err)
	}
	return tag.RowsAffected(), nil
}
