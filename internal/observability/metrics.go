// Package observability publishes the engine's operational metrics to AWS
// CloudWatch. All publishes are best effort; callers log failures and never
// let a metrics problem affect scheduling.
package observability

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"creditengine/internal/types"
)

// MetricNamespace is the CloudWatch namespace for all engine metrics.
const MetricNamespace = "CreditEngine"

// Metric names.
const (
	MetricTickDuration   = "TickDuration"
	MetricDueSchedules   = "DueSchedules"
	MetricClaimedRuns    = "ClaimedRuns"
	MetricSweptClaims    = "SweptClaims"
	MetricUsersCredited  = "UsersCredited"
	MetricUsersFailed    = "UsersFailed"
	MetricAmountGranted  = "AmountGranted"
	MetricRunStatusCount = "RunOutcome"
)

// Dimension names.
const (
	DimScheduleID = "ScheduleID"
	DimStatus     = "Status"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics implements the scheduler's MetricPublisher against AWS
// CloudWatch.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the engine
// namespace.
func NewCloudWatchMetrics(client CloudWatchClient) *CloudWatchMetrics {
	return &CloudWatchMetrics{client: client, namespace: MetricNamespace}
}

// PublishTick emits the per-tick workload and duration metrics.
func (m *CloudWatchMetrics) PublishTick(ctx context.Context, due, claimed, swept int, duration time.Duration) error {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricTickDuration),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
			{
				MetricName: aws.String(MetricDueSchedules),
				Value:      aws.Float64(float64(due)),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String(MetricClaimedRuns),
				Value:      aws.Float64(float64(claimed)),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String(MetricSweptClaims),
				Value:      aws.Float64(float64(swept)),
				Unit:       cwtypes.StandardUnitCount,
			},
		},
	}
	_, err := m.client.PutMetricData(ctx, input)
	return err
}

// PublishExecutionOutcome emits per-run grant counters dimensioned by
// schedule, plus a status-dimensioned outcome count for alarming on
// failed and partially_failed runs.
func (m *CloudWatchMetrics) PublishExecutionOutcome(ctx context.Context, scheduleID string, result types.ExecutionResult) error {
	scheduleDim := []cwtypes.Dimension{
		{Name: aws.String(DimScheduleID), Value: aws.String(scheduleID)},
	}
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricUsersCredited),
				Value:      aws.Float64(float64(result.UsersCredited)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: scheduleDim,
			},
			{
				MetricName: aws.String(MetricUsersFailed),
				Value:      aws.Float64(float64(result.UsersFailed)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: scheduleDim,
			},
			{
				MetricName: aws.String(MetricAmountGranted),
				Value:      aws.Float64(result.TotalAmountGranted),
				Unit:       cwtypes.StandardUnitNone,
				Dimensions: scheduleDim,
			},
			{
				MetricName: aws.String(MetricRunStatusCount),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimStatus), Value: aws.String(string(result.Status()))},
				},
			},
		},
	}
	_, err := m.client.PutMetricData(ctx, input)
	return err
}
