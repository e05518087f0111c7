package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creditengine/internal/types"
)

type fakeSQS struct {
	sent    []*sqs.SendMessageInput
	sendErr error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, params)
	return &sqs.SendMessageOutput{}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleExecution() types.CreditScheduleExecution {
	finished := time.Date(2026, 3, 15, 9, 0, 12, 0, time.UTC)
	return types.CreditScheduleExecution{
		ID:                 "ex_1",
		ScheduleID:         "cs_1",
		PeriodKey:          "cs_1:2026-03-15",
		TriggeredBy:        types.TriggeredAuto,
		Status:             types.ExecutionPartiallyFailed,
		CohortSize:         50,
		UsersCredited:      48,
		UsersFailed:        2,
		TotalAmountGranted: 240,
		StartedAt:          finished.Add(-12 * time.Second),
		FinishedAt:         &finished,
	}
}

func TestPublishExecutionFinished(t *testing.T) {
	client := &fakeSQS{}
	p := NewProducer(client, "https://sqs.test/execution-events", testLogger())

	err := p.PublishExecutionFinished(context.Background(), sampleExecution())
	require.NoError(t, err)
	require.Len(t, client.sent, 1)

	msg := client.sent[0]
	assert.Equal(t, "https://sqs.test/execution-events", *msg.QueueUrl)

	var event ExecutionFinishedEvent
	require.NoError(t, json.Unmarshal([]byte(*msg.MessageBody), &event))
	assert.Equal(t, "credit_schedule.execution_finished", event.EventType)
	assert.Equal(t, "ex_1", event.ExecutionID)
	assert.Equal(t, "cs_1:2026-03-15", event.PeriodKey)
	assert.Equal(t, "partially_failed", event.Status)
	assert.Equal(t, 48, event.UsersCredited)
	require.NotNil(t, event.FinishedAt)
}

// TestPublishExecutionFinishedAttributes verifies consumers can filter on
// message attributes without parsing the body.
func TestPublishExecutionFinishedAttributes(t *testing.T) {
	client := &fakeSQS{}
	p := NewProducer(client, "https://sqs.test/execution-events", testLogger())

	require.NoError(t, p.PublishExecutionFinished(context.Background(), sampleExecution()))

	attrs := client.sent[0].MessageAttributes
	require.Contains(t, attrs, "event_type")
	assert.Equal(t, "credit_schedule.execution_finished", *attrs["event_type"].StringValue)
	require.Contains(t, attrs, "status")
	assert.Equal(t, "partially_failed", *attrs["status"].StringValue)
}

func TestPublishExecutionFinishedSendError(t *testing.T) {
	client := &fakeSQS{sendErr: errors.New("queue does not exist")}
	p := NewProducer(client, "https://sqs.test/execution-events", testLogger())

	err := p.PublishExecutionFinished(context.Background(), sampleExecution())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue does not exist")
}
