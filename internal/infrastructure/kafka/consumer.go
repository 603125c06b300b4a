package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/logging"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

// MessageReader is the subset of *kafka.Reader the consumer needs
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader     MessageReader
	logger     *zap.Logger
	retryDelay time.Duration
}

const defaultRetryDelay = 500 * time.Millisecond

// NewConsumer creates a group consumer. A group seen for the first time
// starts at the newest offset; fan-out consumers only care about live traffic.
func NewConsumer(brokers []string, topic, groupID string, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     250 * time.Millisecond,
	})
	return NewConsumerWithReader(reader, logger)
}

// NewConsumerWithReader wraps an existing reader
func NewConsumerWithReader(r MessageReader, logger *zap.Logger) *Consumer {
	return &Consumer{
		reader:     r,
		logger:     logging.OrNop(logger).Named("kafka-consumer"),
		retryDelay: defaultRetryDelay,
	}
}

// Consume reads until ctx is done. Handler errors are logged and the message
// is skipped.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Warn("error reading message", zap.Error(err), zap.Duration("retry_in", c.retryDelay))
				if err := c.wait(ctx); err != nil {
					return err
				}
				continue
			}

			if err := handler(ctx, msg.Key, msg.Value); err != nil {
				c.logger.Warn("error handling message",
					zap.ByteString("key", msg.Key),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
			}
		}
	}
}

func (c *Consumer) wait(ctx context.Context) error {
	t := time.NewTimer(c.retryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
