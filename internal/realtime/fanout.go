package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/metrics"
)

// Publisher is satisfied by the Kafka producer
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// FanoutEnvelope is the message exchanged between instances. It is keyed by
// recipient so one recipient's notifications stay in order.
type FanoutEnvelope struct {
	Recipient    orderitem.Actor     `json:"recipient"`
	Notification notification.Record `json:"notification"`
	Origin       string              `json:"origin"`
}

// KafkaPusher publishes pushes to a topic consumed by every API instance,
// each of which delivers to its own sessions. Publishing happens on a
// background loop; Push only enqueues.
type KafkaPusher struct {
	publisher  Publisher
	instanceID string
	queue      chan FanoutEnvelope
	timeout    time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewKafkaPusher(publisher Publisher, instanceID string, buffer int, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *KafkaPusher {
	if m == nil {
		m = metrics.New(nil)
	}
	if buffer < 1 {
		buffer = 1
	}
	return &KafkaPusher{
		publisher:  publisher,
		instanceID: instanceID,
		queue:      make(chan FanoutEnvelope, buffer),
		timeout:    timeout,
		logger:     logging.OrNop(logger).Named("fanout"),
		metrics:    m,
	}
}

func (p *KafkaPusher) Push(ctx context.Context, recipient orderitem.Actor, rec notification.Record) {
	env := FanoutEnvelope{Recipient: recipient, Notification: rec, Origin: p.instanceID}
	select {
	case p.queue <- env:
	default:
		p.metrics.Pushes.WithLabelValues(metrics.ResultDropped).Inc()
		p.logger.Warn("fan-out queue full, dropping push",
			zap.Stringer("recipient", recipient),
			zap.Int64("notification_id", rec.ID))
	}
}

// Run publishes queued pushes until ctx is done
func (p *KafkaPusher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-p.queue:
			pctx, cancel := context.WithTimeout(ctx, p.timeout)
			err := p.publisher.Publish(pctx, env.Recipient.String(), env)
			cancel()
			if err != nil {
				p.metrics.Pushes.WithLabelValues(metrics.ResultDropped).Inc()
				p.logger.Warn("fan-out publish failed",
					zap.Stringer("recipient", env.Recipient),
					zap.Int64("notification_id", env.Notification.ID),
					zap.Error(err))
			}
		}
	}
}

// FanoutHandler returns a consumer handler that delivers envelopes to the
// sessions held by local.
func FanoutHandler(local *LocalPusher) func(ctx context.Context, key, value []byte) error {
	return func(ctx context.Context, key, value []byte) error {
		var env FanoutEnvelope
		if err := json.Unmarshal(value, &env); err != nil {
			return fmt.Errorf("failed to decode fan-out envelope: %w", err)
		}
		local.Deliver(env.Recipient, env.Notification)
		return nil
	}
}
