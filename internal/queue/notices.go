// Package queue publishes billing notices to SQS for the notification
// service to deliver.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"tollgate/internal/billing"
)

// NoticeDowngradeBlocked is the notice type for a downgrade refused by the
// quota guard.
const NoticeDowngradeBlocked = "downgrade_blocked"

// SQSSender abstracts *sqs.Client.SendMessage.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Notice is the message envelope on the billing notices queue.
type Notice struct {
	ID        string                   `json:"id"`
	Type      string                   `json:"type"`
	TenantID  string                   `json:"tenantId"`
	CreatedAt time.Time                `json:"createdAt"`
	Payload   billing.DowngradeBlocked `json:"payload"`
}

// NoticePublisher implements billing.Notifier over SQS.
type NoticePublisher struct {
	client   SQSSender
	queueURL string
	now      func() time.Time
	logger   *slog.Logger
}

var _ billing.Notifier = (*NoticePublisher)(nil)

func NewNoticePublisher(client SQSSender, queueURL string, logger *slog.Logger) *NoticePublisher {
	return &NoticePublisher{client: client, queueURL: queueURL, now: time.Now, logger: logger}
}

// DowngradeBlocked enqueues one notice. The tenant id is the message group
// attribute so consumers can collapse repeats from gateway retries.
func (p *NoticePublisher) DowngradeBlocked(ctx context.Context, notice billing.DowngradeBlocked) error {
	msg := Notice{
		ID:        uuid.NewString(),
		Type:      NoticeDowngradeBlocked,
		TenantID:  notice.TenantID,
		CreatedAt: p.now().UTC(),
		Payload:   notice,
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal notice: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(NoticeDowngradeBlocked),
			},
			"tenant_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(notice.TenantID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("queue: failed to send notice to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "billing notice sent",
		"notice_id", msg.ID,
		"type", msg.Type,
		"tenant_id", notice.TenantID,
		"trigger", notice.Trigger,
	)
	return nil
}

// LogNotifier is used when no queue is configured; notices are only logged.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) DowngradeBlocked(ctx context.Context, notice billing.DowngradeBlocked) error {
	n.Logger.WarnContext(ctx, "downgrade blocked notice (no queue configured)",
		"tenant_id", notice.TenantID,
		"required_releases", notice.RequiredReleases,
		"trigger", notice.Trigger,
	)
	return nil
}
