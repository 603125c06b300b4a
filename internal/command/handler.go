package command

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/metrics"
)

var ErrForbidden = errors.New("actor role may not perform this action")

// EventDispatcher forwards a committed event to notification delivery
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev orderitem.Event) (*notification.Record, error)
}

// Outcome is the result of a committed single-item command
type Outcome struct {
	Item         *orderitem.OrderItem
	Notification *notification.Record
	// Degraded is set when the change committed but its notification was not stored
	Degraded bool
}

// CheckoutOutcome is the result of a checkout. Items holds every line that
// was committed, also when an error is returned.
type CheckoutOutcome struct {
	Items         []orderitem.OrderItem
	Notifications []notification.Record
	Degraded      bool
}

type Handler struct {
	orders     *orderitem.Service
	dispatcher EventDispatcher
	ledger     notification.Ledger
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewHandler(orders *orderitem.Service, dispatcher EventDispatcher, ledger notification.Ledger, logger *zap.Logger, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Handler{
		orders:     orders,
		dispatcher: dispatcher,
		ledger:     ledger,
		logger:     logging.OrNop(logger).Named("command"),
		metrics:    m,
	}
}

// TransitionStatus commits a status change, then dispatches its notification.
// Delivery problems never fail the command.
func (h *Handler) TransitionStatus(ctx context.Context, cmd TransitionStatus) (*Outcome, error) {
	to, err := orderitem.ParseStatus(cmd.Status)
	if err != nil {
		return nil, err
	}

	item, ev, err := h.orders.RequestTransition(ctx, orderitem.TransitionRequest{
		OrderItemID:  cmd.OrderItemID,
		To:           to,
		Actor:        cmd.Actor,
		CancelReason: cmd.CancelReason,
	})
	if err != nil {
		return nil, err
	}
	h.metrics.Transitions.WithLabelValues(string(to)).Inc()

	h.logger.Info("order item status changed",
		zap.Int64("order_item_id", item.ID),
		zap.String("from", string(ev.From)),
		zap.String("to", string(ev.To)),
		zap.Stringer("actor", cmd.Actor))

	rec, degraded := h.dispatch(ctx, *ev)
	return &Outcome{Item: item, Notification: rec, Degraded: degraded}, nil
}

// SubmitRating records a buyer's rating and notifies the shop
func (h *Handler) SubmitRating(ctx context.Context, cmd SubmitRating) (*Outcome, error) {
	if cmd.Actor.Role != orderitem.RoleBuyer {
		return nil, ErrForbidden
	}
	item, ev, err := h.orders.SubmitRating(ctx, cmd.Actor.ID, cmd.OrderItemID, cmd.Score)
	if err != nil {
		return nil, err
	}
	rec, degraded := h.dispatch(ctx, *ev)
	return &Outcome{Item: item, Notification: rec, Degraded: degraded}, nil
}

// AddToCart merges a product into the buyer's open cart. A repeated
// idempotency key returns the line it produced the first time.
func (h *Handler) AddToCart(ctx context.Context, cmd AddToCart) (*orderitem.OrderItem, error) {
	if cmd.Actor.Role != orderitem.RoleBuyer {
		return nil, ErrForbidden
	}
	return h.orders.AddToCart(ctx, orderitem.AddToCartRequest{
		BuyerID:     cmd.Actor.ID,
		ProductID:   cmd.ProductID,
		Quantity:    cmd.Quantity,
		ClientToken: cmd.IdempotencyKey,
	})
}

func (h *Handler) UpdateQuantity(ctx context.Context, cmd UpdateQuantity) (*orderitem.OrderItem, error) {
	if cmd.Actor.Role != orderitem.RoleBuyer {
		return nil, ErrForbidden
	}
	return h.orders.UpdateQuantity(ctx, cmd.Actor.ID, cmd.OrderItemID, cmd.Quantity)
}

// Checkout pays the listed lines and notifies each line's shop. Lines
// committed before a failure are still dispatched.
func (h *Handler) Checkout(ctx context.Context, cmd Checkout) (*CheckoutOutcome, error) {
	if cmd.Actor.Role != orderitem.RoleBuyer {
		return nil, ErrForbidden
	}

	items, events, err := h.orders.Checkout(ctx, cmd.Actor.ID, cmd.ItemIDs)
	out := &CheckoutOutcome{Items: items, Notifications: []notification.Record{}}
	for _, ev := range events {
		rec, degraded := h.dispatch(ctx, ev)
		if rec != nil {
			out.Notifications = append(out.Notifications, *rec)
		}
		out.Degraded = out.Degraded || degraded
	}
	if len(items) > 0 {
		h.logger.Info("checkout committed", zap.Stringer("buyer", cmd.Actor), zap.Int("lines", len(items)))
	}
	return out, err
}

// MarkNotificationRead acknowledges one record of the actor's feed
func (h *Handler) MarkNotificationRead(ctx context.Context, cmd MarkNotificationRead) error {
	return h.ledger.MarkRead(ctx, cmd.Actor, cmd.NotificationID)
}

// MarkAllNotificationsRead acknowledges the actor's whole feed and returns
// the number of records that changed.
func (h *Handler) MarkAllNotificationsRead(ctx context.Context, actor orderitem.Actor) (int64, error) {
	return h.ledger.MarkAllRead(ctx, actor)
}

func (h *Handler) dispatch(ctx context.Context, ev orderitem.Event) (*notification.Record, bool) {
	rec, err := h.dispatcher.Dispatch(ctx, ev)
	if err != nil {
		h.logger.Warn("notification delivery degraded",
			zap.Int64("order_item_id", ev.OrderItemID),
			zap.String("event", string(ev.Kind)),
			zap.String("to", string(ev.To)),
			zap.Error(err))
		return nil, true
	}
	return rec, false
}
