package satextract

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Bus is the publish/subscribe abstraction the Scheduler's `deploy` step
// and the worker's dispatch loop share (spec.md §4.10/§6): at-least-once
// delivery, a dead-letter topic, bounded concurrency per subscription.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, maxAttempts int, handler func([]byte) error) error
}

// SQSBus implements Bus over SQS, consistent with the aws-sdk-go-v2
// stack the teacher already requires for S3. Subscribe polls topic with
// long-polling and redrives messages that fail maxAttempts times to
// dlqURL — SQS's native redrive policy handles attempt counting via
// ApproximateReceiveCount, so the handler only needs to report success
// or failure per message.
type SQSBus struct {
	client *sqs.Client
	dlqURL string
}

// NewSQSBus wraps an existing SQS client. dlqURL may be empty, in which
// case failed messages are simply left unacknowledged for SQS's own
// redrive policy (if configured on the queue) to handle.
func NewSQSBus(client *sqs.Client, dlqURL string) *SQSBus {
	return &SQSBus{client: client, dlqURL: dlqURL}
}

func (b *SQSBus) Publish(ctx context.Context, topic string, payload []byte) error {
	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(topic),
		MessageBody: aws.String(string(payload)),
	})
	if err != nil {
		return newTransientIO(fmt.Sprintf("publish to %s", topic), err)
	}
	return nil
}

// Subscribe long-polls topic until ctx is cancelled, invoking handler
// for each message. A message whose handler returns nil is deleted
// (acked); one whose handler errors and has already been received
// maxAttempts times is moved to the dead-letter topic (if configured)
// and deleted from the source queue, rather than left to loop forever.
func (b *SQSBus) Subscribe(ctx context.Context, topic string, maxAttempts int, handler func([]byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		out, err := b.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(topic),
			MaxNumberOfMessages:         10,
			WaitTimeSeconds:             20,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			return newTransientIO(fmt.Sprintf("receive from %s", topic), err)
		}

		for _, msg := range out.Messages {
			attempt := 1
			if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
				fmt.Sscanf(v, "%d", &attempt)
			}

			handlerErr := handler([]byte(aws.ToString(msg.Body)))
			if handlerErr == nil {
				b.delete(ctx, topic, msg)
				continue
			}

			slog.Error("message handler failed", "topic", topic, "attempt", attempt, "error", handlerErr)
			if attempt >= maxAttempts {
				if b.dlqURL != "" {
					if pubErr := b.Publish(ctx, b.dlqURL, []byte(aws.ToString(msg.Body))); pubErr != nil {
						slog.Error("dead-letter publish failed", "error", pubErr)
						continue // leave the message in place; SQS will redeliver
					}
				}
				b.delete(ctx, topic, msg)
			}
			// below maxAttempts: leave the message un-deleted so SQS's
			// visibility timeout expires and redelivers it.
		}
	}
}

func (b *SQSBus) delete(ctx context.Context, topic string, msg types.Message) {
	_, err := b.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(topic),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		slog.Error("delete message failed", "topic", topic, "error", err)
	}
}

// InProcessBus is a buffered-channel Bus for local runs and tests,
// grounded on the teacher's jobQueue idiom in api.go (a single buffered
// channel per queue, drained by one or more worker goroutines).
type InProcessBus struct {
	buf    int
	queues map[string]chan []byte
}

// NewInProcessBus creates an InProcessBus; each topic gets its own
// buffered channel of capacity buf, lazily created on first use.
func NewInProcessBus(buf int) *InProcessBus {
	return &InProcessBus{buf: buf, queues: make(map[string]chan []byte)}
}

func (b *InProcessBus) queueFor(topic string) chan []byte {
	q, ok := b.queues[topic]
	if !ok {
		q = make(chan []byte, b.buf)
		b.queues[topic] = q
	}
	return q
}

func (b *InProcessBus) Publish(ctx context.Context, topic string, payload []byte) error {
	select {
	case b.queueFor(topic) <- payload:
		return nil
	default:
		return newTransientIO(fmt.Sprintf("publish to %s", topic), fmt.Errorf("queue full"))
	}
}

// Subscribe drains topic's channel until ctx is cancelled. maxAttempts
// is honored in memory only (no redelivery across process restarts);
// a message that exhausts its attempts is simply dropped with a log.
func (b *InProcessBus) Subscribe(ctx context.Context, topic string, maxAttempts int, handler func([]byte) error) error {
	q := b.queueFor(topic)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload := <-q:
			var lastErr error
			for attempt := 1; attempt <= maxAttempts; attempt++ {
				if lastErr = handler(payload); lastErr == nil {
					break
				}
				slog.Error("message handler failed", "topic", topic, "attempt", attempt, "error", lastErr)
			}
			if lastErr != nil {
				slog.Error("message exhausted retries, dropping", "topic", topic, "error", lastErr)
			}
		}
	}
}
