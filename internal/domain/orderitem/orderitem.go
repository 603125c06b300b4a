package orderitem

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrItemNotFound         = errors.New("order item not found")
	ErrInvalidStatus        = errors.New("invalid order status")
	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrConflictRetry        = errors.New("order item changed concurrently, re-fetch and retry")
	ErrCancelReasonRequired = errors.New("cancel reason is required")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrQuantityLocked       = errors.New("quantity can only change on an unpaid TO_ORDER item")
	ErrAlreadyPaid          = errors.New("order item is already paid")
	ErrNotParty             = errors.New("actor is not a party to this order item")
	ErrNotCompleted         = errors.New("only completed order items can be rated")
	ErrAlreadyRated         = errors.New("order item is already rated")
	ErrInvalidRating        = errors.New("rating score must be between 1 and 5")

	// ErrStatusMismatch is returned by a Repository when the compare-and-swap
	// precondition on the current status does not hold at write time.
	ErrStatusMismatch = errors.New("status precondition failed")
)

// OrderItem is one product line of a cart; it carries the order status.
type OrderItem struct {
	ID           int64     `json:"id"`
	CartID       int64     `json:"cart_id"`
	ProductID    int64     `json:"product_id"`
	Quantity     int       `json:"quantity"`
	PaymentFlag  bool      `json:"payment_flag"`
	Status       Status    `json:"status"`
	CancelReason *string   `json:"cancel_reason,omitempty"`
	Rating       *int      `json:"rating,omitempty"`
	ClientTokens []string  `json:"client_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasToken reports whether the given client idempotency token contributed to this line.
func (i *OrderItem) HasToken(token string) bool {
	for _, t := range i.ClientTokens {
		if t == token {
			return true
		}
	}
	return false
}

// QuantityMutable is true while the line is still an editable cart entry.
func (i *OrderItem) QuantityMutable() bool {
	return i.Status == StatusToOrder && !i.PaymentFlag
}

// Parties is the read-only projection of the two actors behind an item.
type Parties struct {
	BuyerID int64 `json:"buyer_id"`
	ShopID  int64 `json:"shop_id"`
}

func (p Parties) Buyer() Actor { return Actor{Role: RoleBuyer, ID: p.BuyerID} }
func (p Parties) Shop() Actor  { return Actor{Role: RoleShop, ID: p.ShopID} }

// Of returns the party acting under the given role.
func (p Parties) Of(role Role) Actor {
	if role == RoleShop {
		return p.Shop()
	}
	return p.Buyer()
}

// Includes reports whether the actor is the buyer or the shop of the item.
func (p Parties) Includes(a Actor) bool {
	return a == p.Buyer() || a == p.Shop()
}

type EventKind string

const (
	EventStatusChanged EventKind = "StatusChanged"
	EventCheckedOut    EventKind = "CheckedOut"
	EventRated         EventKind = "Rated"
)

// Event is the immutable record of a committed change to an order item.
// Parties is resolved at commit time so consumers never re-read the item chain.
type Event struct {
	Kind         EventKind `json:"kind"`
	OrderItemID  int64     `json:"order_item_id"`
	ProductID    int64     `json:"product_id"`
	From         Status    `json:"from_status,omitempty"`
	To           Status    `json:"to_status,omitempty"`
	ActingRole   Role      `json:"acting_role"`
	CancelReason *string   `json:"cancel_reason,omitempty"`
	Score        int       `json:"score,omitempty"`
	Parties      Parties   `json:"parties"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// TransitionError describes a rejected transition request.
type TransitionError struct {
	From   Status
	To     Status
	Role   Role
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s by %s: %s", ErrIllegalTransition, e.From, e.To, e.Role, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
