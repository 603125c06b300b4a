package query

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/infrastructure/store"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/readmodel"
)

const DefaultPageSize = 20

type Handler struct {
	items       orderitem.Repository
	directory   store.Directory
	ledger      notification.Ledger
	pageSizeMax int
	logger      *zap.Logger
}

func NewHandler(items orderitem.Repository, directory store.Directory, ledger notification.Ledger, pageSizeMax int, logger *zap.Logger) *Handler {
	if pageSizeMax < 1 {
		pageSizeMax = 100
	}
	return &Handler{
		items:       items,
		directory:   directory,
		ledger:      ledger,
		pageSizeMax: pageSizeMax,
		logger:      logging.OrNop(logger).Named("query"),
	}
}

// Order Items

// ListOrderItems returns the actor's order items, newest first. Buyers see
// their own cart lines; shops see paid lines of their products. statuses is a
// comma-separated filter; empty means all.
func (h *Handler) ListOrderItems(ctx context.Context, actor orderitem.Actor, statuses string) ([]readmodel.OrderItemView, error) {
	set, err := orderitem.ParseStatusSet(statuses)
	if err != nil {
		return nil, err
	}

	filter := orderitem.ListFilter{Statuses: set}
	switch actor.Role {
	case orderitem.RoleBuyer:
		filter.BuyerID = actor.ID
	case orderitem.RoleShop:
		filter.ShopID = actor.ID
		filter.PaidOnly = true
	default:
		return nil, fmt.Errorf("unknown actor role %q", actor.Role)
	}

	items, err := h.items.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	projections, err := h.directory.Project(ctx, items)
	if err != nil {
		return nil, fmt.Errorf("failed to project order items: %w", err)
	}

	views := make([]readmodel.OrderItemView, 0, len(items))
	for _, item := range items {
		p, ok := projections[item.ID]
		if !ok {
			h.logger.Warn("order item has no projection", zap.Int64("order_item_id", item.ID))
		}
		views = append(views, readmodel.NewOrderItemView(item, p))
	}
	return views, nil
}

// Notifications

// Notifications returns one newest-first page of the actor's feed. A zero
// page or page size takes the default; page sizes above the limit are clamped.
func (h *Handler) Notifications(ctx context.Context, actor orderitem.Actor, page, pageSize int, anchor int64) (notification.Page, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 0 || pageSize < 0 || anchor < 0 {
		return notification.Page{}, notification.ErrInvalidPage
	}
	if pageSize > h.pageSizeMax {
		pageSize = h.pageSizeMax
	}
	return h.ledger.List(ctx, notification.PageQuery{
		Recipient: actor,
		Page:      page,
		PageSize:  pageSize,
		Anchor:    anchor,
	})
}

func (h *Handler) UnreadCount(ctx context.Context, actor orderitem.Actor) (int, error) {
	return h.ledger.UnreadCount(ctx, actor)
}
