package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/grocer-orders/internal/domain/orderitem"
)

// EventType is the kind of a notification record. It maps to
// orderitem.Status through the routing table below.
type EventType string

const (
	TypeNewOrderForShop      EventType = "NEW_ORDER_FOR_SHOP"
	TypeOrderAccepted        EventType = "ORDER_ACCEPTED"
	TypeOrderCancelledByShop EventType = "ORDER_CANCELLED_BY_SHOP"
	TypeOrderCancelledByUser EventType = "ORDER_CANCELLED_BY_USER"
	TypeOrderCompleted       EventType = "ORDER_COMPLETED"
	TypeProductRated         EventType = "PRODUCT_RATED"
)

var (
	ErrNotFound    = errors.New("notification not found")
	ErrUnroutable  = errors.New("event has no notification route")
	ErrInvalidPage = errors.New("page and page size must be positive")
	ErrSelfAddress = errors.New("notification would be addressed to the acting party")
)

// Record is one entry of a recipient's notification feed.
type Record struct {
	ID                 int64          `json:"id"`
	RecipientRole      orderitem.Role `json:"recipient_role"`
	RecipientID        int64          `json:"recipient_id"`
	Type               EventType      `json:"type"`
	Message            string         `json:"message"`
	RelatedOrderItemID *int64         `json:"related_order_item_id,omitempty"`
	RelatedProductID   *int64         `json:"related_product_id,omitempty"`
	RelatedShopID      *int64         `json:"related_shop_id,omitempty"`
	IsRead             bool           `json:"is_read"`
	CreatedAt          time.Time      `json:"created_at"`
}

func (r *Record) Recipient() orderitem.Actor {
	return orderitem.Actor{Role: r.RecipientRole, ID: r.RecipientID}
}

// Route is the addressing decision for one event.
type Route struct {
	Type      EventType
	Recipient orderitem.Role
}

// statusRoutes maps the target status of a committed transition to its notification
var statusRoutes = map[orderitem.Status]Route{
	orderitem.StatusToReceive:    {Type: TypeOrderAccepted, Recipient: orderitem.RoleBuyer},
	orderitem.StatusCancelByShop: {Type: TypeOrderCancelledByShop, Recipient: orderitem.RoleBuyer},
	orderitem.StatusComplete:     {Type: TypeOrderCompleted, Recipient: orderitem.RoleShop},
	orderitem.StatusCancelByUser: {Type: TypeOrderCancelledByUser, Recipient: orderitem.RoleShop},
}

// Address resolves the notification type and recipient role for an event.
// The recipient is always the counter-actor of the acting role.
func Address(ev orderitem.Event) (Route, error) {
	var route Route
	switch ev.Kind {
	case orderitem.EventStatusChanged:
		r, ok := statusRoutes[ev.To]
		if !ok {
			return Route{}, fmt.Errorf("%w: status %s", ErrUnroutable, ev.To)
		}
		route = r
	case orderitem.EventCheckedOut:
		route = Route{Type: TypeNewOrderForShop, Recipient: orderitem.RoleShop}
	case orderitem.EventRated:
		route = Route{Type: TypeProductRated, Recipient: orderitem.RoleShop}
	default:
		return Route{}, fmt.Errorf("%w: kind %q", ErrUnroutable, ev.Kind)
	}
	if route.Recipient == ev.ActingRole {
		return Route{}, ErrSelfAddress
	}
	return route, nil
}

// Build turns an event into an unsaved record addressed to the counter-actor.
func Build(ev orderitem.Event) (*Record, error) {
	route, err := Address(ev)
	if err != nil {
		return nil, err
	}
	recipient := ev.Parties.Of(route.Recipient)
	itemID, productID, shopID := ev.OrderItemID, ev.ProductID, ev.Parties.ShopID
	return &Record{
		RecipientRole:      recipient.Role,
		RecipientID:        recipient.ID,
		Type:               route.Type,
		Message:            messageFor(route.Type, ev),
		RelatedOrderItemID: &itemID,
		RelatedProductID:   &productID,
		RelatedShopID:      &shopID,
		CreatedAt:          ev.OccurredAt,
	}, nil
}

func messageFor(t EventType, ev orderitem.Event) string {
	switch t {
	case TypeNewOrderForShop:
		return fmt.Sprintf("New order #%d received for product #%d", ev.OrderItemID, ev.ProductID)
	case TypeOrderAccepted:
		return fmt.Sprintf("Your order #%d has been accepted by the shop", ev.OrderItemID)
	case TypeOrderCancelledByShop:
		return fmt.Sprintf("Your order #%d was cancelled by the shop: %s", ev.OrderItemID, deref(ev.CancelReason))
	case TypeOrderCancelledByUser:
		return fmt.Sprintf("Order #%d was cancelled by the buyer: %s", ev.OrderItemID, deref(ev.CancelReason))
	case TypeOrderCompleted:
		return fmt.Sprintf("Order #%d was received by the buyer", ev.OrderItemID)
	case TypeProductRated:
		return fmt.Sprintf("Product #%d was rated %d/5 (order #%d)", ev.ProductID, ev.Score, ev.OrderItemID)
	}
	return string(t)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// PageQuery requests one newest-first page of a recipient's feed. Anchor is
// the highest record id visible to the paging session; zero means "start a
// new session at the current head".
type PageQuery struct {
	Recipient orderitem.Actor
	Page      int
	PageSize  int
	Anchor    int64
}

// Page is one page of records plus the anchor to pass for the next page.
type Page struct {
	Records  []Record `json:"records"`
	Page     int      `json:"page"`
	PageSize int      `json:"page_size"`
	Anchor   int64    `json:"anchor"`
	Total    int      `json:"total"`
	HasMore  bool     `json:"has_more"`
}

// Ledger is the durable, insertion-ordered notification log.
type Ledger interface {
	// Append stores the record and assigns its id.
	Append(ctx context.Context, rec *Record) error
	List(ctx context.Context, q PageQuery) (Page, error)
	UnreadCount(ctx context.Context, recipient orderitem.Actor) (int, error)
	MarkRead(ctx context.Context, recipient orderitem.Actor, id int64) error
	MarkAllRead(ctx context.Context, recipient orderitem.Actor) (int64, error)
}
