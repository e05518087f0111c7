package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditengine/internal/types"
)

type fakeCloudWatch struct {
	inputs []*cloudwatch.PutMetricDataInput
	putErr error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.inputs = append(f.inputs, params)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func findDatum(t *testing.T, data []cwtypes.MetricDatum, name string) cwtypes.MetricDatum {
	t.Helper()
	for _, d := range data {
		if *d.MetricName == name {
			return d
		}
	}
	t.Fatalf("metric %s not published", name)
	return cwtypes.MetricDatum{}
}

func TestPublishTick(t *testing.T) {
	client := &fakeCloudWatch{}
	m := NewCloudWatchMetrics(client)

	err := m.PublishTick(context.Background(), 5, 3, 1, 1500*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	input := client.inputs[0]
	assert.Equal(t, MetricNamespace, *input.Namespace)

	assert.Equal(t, 1500.0, *findDatum(t, input.MetricData, MetricTickDuration).Value)
	assert.Equal(t, 5.0, *findDatum(t, input.MetricData, MetricDueSchedules).Value)
	assert.Equal(t, 3.0, *findDatum(t, input.MetricData, MetricClaimedRuns).Value)
	assert.Equal(t, 1.0, *findDatum(t, input.MetricData, MetricSweptClaims).Value)
}

func TestPublishExecutionOutcome(t *testing.T) {
	client := &fakeCloudWatch{}
	m := NewCloudWatchMetrics(client)

	result := types.ExecutionResult{
		CohortSize:         50,
		UsersCredited:      48,
		UsersFailed:        2,
		TotalAmountGranted: 240,
	}
	err := m.PublishExecutionOutcome(context.Background(), "cs_1", result)
	require.NoError(t, err)
	require.Len(t, client.inputs, 1)

	data := client.inputs[0].MetricData

	credited := findDatum(t, data, MetricUsersCredited)
	assert.Equal(t, 48.0, *credited.Value)
	require.Len(t, credited.Dimensions, 1)
	assert.Equal(t, DimScheduleID, *credited.Dimensions[0].Name)
	assert.Equal(t, "cs_1", *credited.Dimensions[0].Value)

	assert.Equal(t, 240.0, *findDatum(t, data, MetricAmountGranted).Value)

	outcome := findDatum(t, data, MetricRunStatusCount)
	require.Len(t, outcome.Dimensions, 1)
	assert.Equal(t, DimStatus, *outcome.Dimensions[0].Name)
	assert.Equal(t, "partially_failed", *outcome.Dimensions[0].Value)
}

func TestPublishTickPropagatesError(t *testing.T) {
	client := &fakeCloudWatch{putErr: errors.New("throttled")}
	m := NewCloudWatchMetrics(client)

	err := m.PublishTick(context.Background(), 0, 0, 0, time.Second)
	assert.Error(t, err)
}
