package command

import "github.com/example/grocer-orders/internal/domain/orderitem"

// Order Item Commands
type TransitionStatus struct {
	OrderItemID  int64           `json:"-"`
	Actor        orderitem.Actor `json:"-"`
	Status       string          `json:"status"`
	CancelReason string          `json:"cancel_reason,omitempty"`
}

type SubmitRating struct {
	OrderItemID int64           `json:"-"`
	Actor       orderitem.Actor `json:"-"`
	Score       int             `json:"score"`
}

// Cart Commands
type AddToCart struct {
	Actor          orderitem.Actor `json:"-"`
	ProductID      int64           `json:"product_id"`
	Quantity       int             `json:"quantity"`
	IdempotencyKey string          `json:"-"`
}

type UpdateQuantity struct {
	OrderItemID int64           `json:"-"`
	Actor       orderitem.Actor `json:"-"`
	Quantity    int             `json:"quantity"`
}

type Checkout struct {
	Actor   orderitem.Actor `json:"-"`
	ItemIDs []int64         `json:"item_ids"`
}

// Notification Commands
type MarkNotificationRead struct {
	NotificationID int64           `json:"-"`
	Actor          orderitem.Actor `json:"-"`
}
