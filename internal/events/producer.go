// Package events provides the SQS producer that announces finished schedule
// executions to downstream consumers (billing reconciliation, admin
// notifications). Publishing is best effort; the scheduler logs and moves on
// when a publish fails.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"creditengine/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ExecutionFinishedEvent is the wire payload for a terminal execution.
type ExecutionFinishedEvent struct {
	EventType          string     `json:"event_type"`
	ExecutionID        string     `json:"execution_id"`
	ScheduleID         string     `json:"schedule_id"`
	PeriodKey          string     `json:"period_key"`
	TriggeredBy        string     `json:"triggered_by"`
	Status             string     `json:"status"`
	CohortSize         int        `json:"cohort_size"`
	UsersCredited      int        `json:"users_credited"`
	UsersFailed        int        `json:"users_failed"`
	TotalAmountGranted float64    `json:"total_amount_granted"`
	StartedAt          time.Time  `json:"started_at"`
	FinishedAt         *time.Time `json:"finished_at,omitempty"`
}

// executionFinishedEventType identifies the event on the wire.
const executionFinishedEventType = "credit_schedule.execution_finished"

// Producer publishes execution lifecycle events to one SQS queue.
type Producer struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewProducer creates a Producer for the given queue URL.
func NewProducer(client SQSSender, queueURL string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{client: client, queueURL: queueURL, logger: logger}
}

// PublishExecutionFinished serializes the execution and sends it to the
// events queue. The message is attributed with the terminal status so
// consumers can filter without parsing the body.
func (p *Producer) PublishExecutionFinished(ctx context.Context, exec types.CreditScheduleExecution) error {
	event := ExecutionFinishedEvent{
		EventType:          executionFinishedEventType,
		ExecutionID:        exec.ID,
		ScheduleID:         exec.ScheduleID,
		PeriodKey:          exec.PeriodKey,
		TriggeredBy:        string(exec.TriggeredBy),
		Status:             string(exec.Status),
		CohortSize:         exec.CohortSize,
		UsersCredited:      exec.UsersCredited,
		UsersFailed:        exec.UsersFailed,
		TotalAmountGranted: exec.TotalAmountGranted,
		StartedAt:          exec.StartedAt,
		FinishedAt:         exec.FinishedAt,
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: failed to marshal execution event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(executionFinishedEventType),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(exec.Status)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("events: failed to send execution event to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "execution event published",
		"queue_url", p.queueURL,
		"execution_id", exec.ID,
		"schedule_id", exec.ScheduleID,
		"status", string(exec.Status),
	)
	return nil
}
