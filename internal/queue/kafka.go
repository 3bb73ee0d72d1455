package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
	"github.com/ChristChad-mv/careflow-sub000/internal/logging"
)

// MessageWriter is the producing half of kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageReader is the consuming half of kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const (
	defaultRedeliverDelay = 30 * time.Second
	produceTimeout        = 10 * time.Second
)

// KafkaQueue publishes RetryTasks to a topic keyed by recipient so one
// recipient's retries stay ordered within a partition.
type KafkaQueue struct {
	Writer MessageWriter
	Reader MessageReader
	Logger *zap.Logger
	// RedeliverDelay pushes a task whose handler failed back onto the topic.
	RedeliverDelay time.Duration
	Now            func() time.Time
	// Sleep waits for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewKafkaQueue(brokers, topic, groupID string, logger *zap.Logger) *KafkaQueue {
	brokerList := strings.Split(brokers, ",")
	return &KafkaQueue{
		Writer: &kafka.Writer{
			Addr:         kafka.TCP(brokerList...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		Reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokerList,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		Logger: logger,
	}
}

func (q *KafkaQueue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *KafkaQueue) sleep(ctx context.Context, d time.Duration) error {
	if q.Sleep != nil {
		return q.Sleep(ctx, d)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func taskKey(task domain.RetryTask) []byte {
	return []byte(task.TenantID + "/" + task.RecipientID)
}

func (q *KafkaQueue) Enqueue(ctx context.Context, task domain.RetryTask) error {
	if q.Writer == nil {
		return errors.New("kafka writer not configured")
	}
	value, err := json.Marshal(task)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   taskKey(task),
		Value: value,
		Headers: []kafka.Header{
			{Key: "tenant_id", Value: []byte(task.TenantID)},
			{Key: "not_before", Value: []byte(task.NotBefore.UTC().Format(time.RFC3339Nano))},
		},
		Time: q.now(),
	}
	writeCtx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()
	if err := q.Writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("produce retry task: %w", err)
	}
	return nil
}

// Consume blocks, handing each task to handle once its notBefore has passed.
// Offsets are committed after the handler succeeds, fails permanently, or
// after a failed task has been re-published with a delay.
func (q *KafkaQueue) Consume(ctx context.Context, handle Handler) error {
	if q.Reader == nil {
		return errors.New("kafka reader not configured")
	}
	log := logging.OrNop(q.Logger)
	for {
		msg, err := q.Reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("kafka retry queue: fetch failed", zap.Error(err))
			if err := q.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		if err := q.process(ctx, msg, handle, log); err != nil {
			return err
		}
	}
}

func (q *KafkaQueue) process(ctx context.Context, msg kafka.Message, handle Handler, log *zap.Logger) error {
	var task domain.RetryTask
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		log.Error("kafka retry queue: dropping undecodable task", zap.ByteString("key", msg.Key), zap.Error(err))
		return q.Reader.CommitMessages(ctx, msg)
	}
	if wait := task.NotBefore.Sub(q.now()); wait > 0 {
		if err := q.sleep(ctx, wait); err != nil {
			return err
		}
	}
	err := handle(ctx, task)
	if errors.Is(err, ErrPermanent) {
		log.Error("kafka retry queue: dropping task that cannot succeed",
			zap.String("tenant_id", task.TenantID),
			zap.String("recipient_id", task.RecipientID),
			zap.Int("attempt_number", task.AttemptNumber),
			zap.Error(err))
		return q.Reader.CommitMessages(ctx, msg)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := q.RedeliverDelay
		if delay <= 0 {
			delay = defaultRedeliverDelay
		}
		log.Warn("kafka retry queue: handler failed, re-publishing",
			zap.String("tenant_id", task.TenantID),
			zap.String("recipient_id", task.RecipientID),
			zap.Int("attempt_number", task.AttemptNumber),
			zap.Duration("delay", delay),
			zap.Error(err))
		task.NotBefore = q.now().Add(delay)
		if err := q.Enqueue(ctx, task); err != nil {
			// Leave the offset uncommitted so the group redelivers it.
			return fmt.Errorf("re-publish retry task: %w", err)
		}
	}
	return q.Reader.CommitMessages(ctx, msg)
}

func (q *KafkaQueue) Close() error {
	var errs []error
	if q.Reader != nil {
		errs = append(errs, q.Reader.Close())
	}
	if q.Writer != nil {
		errs = append(errs, q.Writer.Close())
	}
	return errors.Join(errs...)
}
