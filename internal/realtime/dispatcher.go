package realtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/metrics"
)

// Dispatcher turns a committed order item event into exactly one ledger
// record for the counter-actor, then hands it to the pusher.
type Dispatcher struct {
	ledger  notification.Ledger
	pusher  Pusher
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewDispatcher(ledger notification.Ledger, pusher Pusher, logger *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Dispatcher{
		ledger:  ledger,
		pusher:  pusher,
		logger:  logging.OrNop(logger).Named("dispatcher"),
		metrics: m,
	}
}

// Dispatch addresses and stores the notification for ev, then pushes it.
// A ledger failure is returned wrapped in ErrNotificationWrite and nothing is
// pushed. Push problems are never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, ev orderitem.Event) (*notification.Record, error) {
	rec, err := notification.Build(ev)
	if err != nil {
		return nil, err
	}

	if err := d.ledger.Append(ctx, rec); err != nil {
		d.metrics.NotificationWrites.WithLabelValues(string(rec.Type), metrics.ResultFailed).Inc()
		return nil, fmt.Errorf("%w: %s for item %d: %w", ErrNotificationWrite, rec.Type, ev.OrderItemID, err)
	}
	d.metrics.NotificationWrites.WithLabelValues(string(rec.Type), metrics.ResultOK).Inc()

	d.logger.Debug("notification stored",
		zap.Int64("notification_id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.Stringer("recipient", rec.Recipient()),
		zap.Int64("order_item_id", ev.OrderItemID))

	if d.pusher != nil {
		d.pusher.Push(context.WithoutCancel(ctx), rec.Recipient(), *rec)
	}
	return rec, nil
}
