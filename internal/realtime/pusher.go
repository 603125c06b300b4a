package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/metrics"
)

const (
	MessageNotification = "notification"
	MessageHello        = "hello"
)

// Message is the push channel frame
type Message struct {
	Type         string               `json:"type"`
	Notification *notification.Record `json:"notification,omitempty"`
	ExpiresAt    *time.Time           `json:"expires_at,omitempty"`
}

func NotificationMessage(rec notification.Record) ([]byte, error) {
	return json.Marshal(Message{Type: MessageNotification, Notification: &rec})
}

func HelloMessage(expiresAt time.Time) ([]byte, error) {
	return json.Marshal(Message{Type: MessageHello, ExpiresAt: &expiresAt})
}

// Pusher delivers a stored notification to the recipient's live sessions.
// Implementations must not block on slow connections.
type Pusher interface {
	Push(ctx context.Context, recipient orderitem.Actor, rec notification.Record)
}

// LocalPusher pushes to sessions held by this process
type LocalPusher struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewLocalPusher(registry *Registry, logger *zap.Logger, m *metrics.Metrics) *LocalPusher {
	if m == nil {
		m = metrics.New(nil)
	}
	return &LocalPusher{
		registry: registry,
		logger:   logging.OrNop(logger).Named("push"),
		metrics:  m,
	}
}

// Push sends to every live session of the recipient. A session that cannot
// take the message is evicted and closed.
func (p *LocalPusher) Push(ctx context.Context, recipient orderitem.Actor, rec notification.Record) {
	p.Deliver(recipient, rec)
}

// Deliver is Push returning the number of sessions that accepted the message
func (p *LocalPusher) Deliver(recipient orderitem.Actor, rec notification.Record) int {
	live := p.registry.ResolveLive(recipient)
	if len(live) == 0 {
		return 0
	}

	payload, err := NotificationMessage(rec)
	if err != nil {
		p.logger.Error("failed to encode push", zap.Int64("notification_id", rec.ID), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, l := range live {
		if err := l.Endpoint.Send(payload); err != nil {
			p.metrics.Pushes.WithLabelValues(metrics.ResultDropped).Inc()
			p.logger.Warn("push dropped, evicting session",
				zap.Stringer("recipient", recipient),
				zap.String("handle", l.Handle),
				zap.Int64("notification_id", rec.ID),
				zap.Error(err))
			p.registry.Unregister(l.Handle)
			l.Endpoint.Close()
			continue
		}
		p.metrics.Pushes.WithLabelValues(metrics.ResultDelivered).Inc()
		delivered++
	}
	return delivered
}
