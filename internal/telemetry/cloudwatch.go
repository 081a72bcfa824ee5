package telemetry

import (
	"context"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

const (
	MetricBillingDrift   = "BillingDrift"
	MetricSweepErrors    = "SweepErrors"
	MetricSweepCandidate = "SweepCandidates"
)

// CloudWatchClient is the subset of the CloudWatch API used here.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// SweepReport summarises one reconcile sweep.
type SweepReport struct {
	Candidates int
	Drifted    int
	Errors     int
}

// SweepMetrics pushes sweep results to CloudWatch. Publishing failures are
// logged and otherwise ignored.
type SweepMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

func NewSweepMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *SweepMetrics {
	return &SweepMetrics{client: client, namespace: namespace, logger: logger}
}

func (m *SweepMetrics) RecordSweep(ctx context.Context, report SweepReport) {
	datum := func(name string, v int) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(float64(v)),
			Unit:       cwtypes.StandardUnitCount,
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			datum(MetricSweepCandidate, report.Candidates),
			datum(MetricBillingDrift, report.Drifted),
			datum(MetricSweepErrors, report.Errors),
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish sweep metrics",
			"error", err,
			"candidates", report.Candidates,
			"drifted", report.Drifted,
			"errors", report.Errors,
		)
	}
}
