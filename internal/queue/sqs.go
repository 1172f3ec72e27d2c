// Package queue moves usage records off the request path. The proxy publishes each
// record to SQS and a Worker drains the queue into the usage repository.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/felipepmaragno/seo-llm-proxy/internal/domain"
)

// Message is a received usage record and the handle needed to acknowledge it.
type Message struct {
	Record        domain.UsageRecord
	ReceiptHandle string
}

type UsageQueue interface {
	Publish(ctx context.Context, record domain.UsageRecord) error
	Receive(ctx context.Context, maxMessages int) ([]Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// SQSAPI is the subset of the SQS client the queue uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type SQSQueue struct {
	client      SQSAPI
	queueURL    string
	waitSeconds int32
}

func NewSQSQueue(ctx context.Context, region, queueURL string) (*SQSQueue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSQueueWithConfig(cfg, queueURL), nil
}

func NewSQSQueueWithConfig(cfg aws.Config, queueURL string) *SQSQueue {
	return NewSQSQueueWithClient(sqs.NewFromConfig(cfg), queueURL)
}

func NewSQSQueueWithClient(client SQSAPI, queueURL string) *SQSQueue {
	return &SQSQueue{
		client:      client,
		queueURL:    queueURL,
		waitSeconds: 20,
	}
}

func (q *SQSQueue) Publish(ctx context.Context, record domain.UsageRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"UserID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.UserID),
			},
			"RecordID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.ID),
			},
		},
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// Receive long-polls for up to maxMessages records. Bodies that do not decode are
// logged and left on the queue for the redrive policy to handle.
func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	if maxMessages > 10 {
		maxMessages = 10
	}

	input := &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   int32(maxMessages),
		WaitTimeSeconds:       q.waitSeconds,
		MessageAttributeNames: []string{"All"},
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("receive messages: %w", err)
	}

	messages := make([]Message, 0, len(result.Messages))
	for _, msg := range result.Messages {
		var record domain.UsageRecord
		if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &record); err != nil {
			slog.Warn("failed to unmarshal usage message", "message_id", aws.ToString(msg.MessageId), "error", err)
			continue
		}
		messages = append(messages, Message{
			Record:        record,
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}

	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Sink adapts a UsageQueue to the quota tracker's usage sink.
type Sink struct {
	Queue UsageQueue
}

func (s Sink) Record(ctx context.Context, record domain.UsageRecord) error {
	return s.Queue.Publish(ctx, record)
}

type InMemoryQueue struct {
	mu      sync.Mutex
	pending []domain.UsageRecord
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{}
}

func (q *InMemoryQueue) Publish(ctx context.Context, record domain.UsageRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, record)
	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := maxMessages
	if count > len(q.pending) {
		count = len(q.pending)
	}

	result := make([]Message, count)
	for i, rec := range q.pending[:count] {
		result[i] = Message{Record: rec, ReceiptHandle: rec.ID}
	}
	q.pending = q.pending[count:]

	return result, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, receiptHandle string) error {
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
