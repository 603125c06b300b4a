package orderitem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// OpenLine describes a quantity to merge into the buyer's unpaid line for a product.
type OpenLine struct {
	CartID      int64
	ProductID   int64
	Quantity    int
	ClientToken string
}

// ListFilter selects order items for one actor. Exactly one of BuyerID / ShopID is set.
type ListFilter struct {
	BuyerID  int64
	ShopID   int64
	Statuses []Status
	PaidOnly bool
}

// Repository is the durable Order Item Store. Every mutating method checks
// its precondition and writes in a single atomic step.
type Repository interface {
	Get(ctx context.Context, id int64) (*OrderItem, error)
	// UpsertOpenLine merges into the unpaid TO_ORDER line of the same product
	// or creates one. A client token already recorded for the cart returns the
	// line it produced without changing it.
	UpsertOpenLine(ctx context.Context, line OpenLine, now time.Time) (*OrderItem, error)
	SetQuantity(ctx context.Context, id int64, quantity int, now time.Time) (*OrderItem, error)
	MarkPaid(ctx context.Context, id int64, now time.Time) (*OrderItem, error)
	// CompareAndSetStatus fails with ErrStatusMismatch unless the stored status equals expected.
	CompareAndSetStatus(ctx context.Context, id int64, expected, next Status, cancelReason *string, now time.Time) (*OrderItem, error)
	SetRating(ctx context.Context, id int64, score int, now time.Time) (*OrderItem, error)
	List(ctx context.Context, f ListFilter) ([]OrderItem, error)
}

// CartDirectory resolves the buyer's open cart (cart management is external).
type CartDirectory interface {
	OpenCart(ctx context.Context, buyerID int64) (int64, error)
}

// PartyResolver projects an item onto its buyer and shop through the cart/product chain.
type PartyResolver interface {
	ResolveParties(ctx context.Context, item *OrderItem) (Parties, error)
}

// Service is the Order Status Engine bound to its store. It returns domain
// events; forwarding them to delivery is the caller's job.
type Service struct {
	repo    Repository
	carts   CartDirectory
	parties PartyResolver
	now     func() time.Time
}

func NewService(repo Repository, carts CartDirectory, parties PartyResolver) *Service {
	return &Service{
		repo:    repo,
		carts:   carts,
		parties: parties,
		now:     time.Now,
	}
}

// TransitionRequest asks to move an order item to a new status.
type TransitionRequest struct {
	OrderItemID  int64
	To           Status
	Actor        Actor
	CancelReason string
}

// RequestTransition validates and commits a status change. The check and the
// write are one compare-and-swap on the current status, so of two racing
// requests exactly one commits and the other gets ErrConflictRetry (or
// ErrIllegalTransition if it read the winner's state).
func (s *Service) RequestTransition(ctx context.Context, req TransitionRequest) (*OrderItem, *Event, error) {
	item, parties, err := s.load(ctx, req.OrderItemID, req.Actor)
	if err != nil {
		return nil, nil, err
	}

	if err := Decide(*item, req.To, req.Actor.Role, req.CancelReason); err != nil {
		return nil, nil, err
	}

	var reason *string
	if req.To.IsCancel() {
		r := strings.TrimSpace(req.CancelReason)
		reason = &r
	}

	now := s.now()
	updated, err := s.repo.CompareAndSetStatus(ctx, item.ID, item.Status, req.To, reason, now)
	if err != nil {
		if errors.Is(err, ErrStatusMismatch) {
			return nil, nil, fmt.Errorf("%w: item %d is no longer %s", ErrConflictRetry, item.ID, item.Status)
		}
		return nil, nil, err
	}

	event := &Event{
		Kind:         EventStatusChanged,
		OrderItemID:  updated.ID,
		ProductID:    updated.ProductID,
		From:         item.Status,
		To:           req.To,
		ActingRole:   req.Actor.Role,
		CancelReason: reason,
		Parties:      parties,
		OccurredAt:   now,
	}
	return updated, event, nil
}

// AddToCartRequest adds a product to the buyer's open cart.
type AddToCartRequest struct {
	BuyerID     int64
	ProductID   int64
	Quantity    int
	ClientToken string
}

func (s *Service) AddToCart(ctx context.Context, req AddToCartRequest) (*OrderItem, error) {
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	cartID, err := s.carts.OpenCart(ctx, req.BuyerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve open cart: %w", err)
	}
	return s.repo.UpsertOpenLine(ctx, OpenLine{
		CartID:      cartID,
		ProductID:   req.ProductID,
		Quantity:    req.Quantity,
		ClientToken: strings.TrimSpace(req.ClientToken),
	}, s.now())
}

func (s *Service) UpdateQuantity(ctx context.Context, buyerID, itemID int64, quantity int) (*OrderItem, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	buyer := Actor{Role: RoleBuyer, ID: buyerID}
	item, _, err := s.load(ctx, itemID, buyer)
	if err != nil {
		return nil, err
	}
	if !item.QuantityMutable() {
		return nil, ErrQuantityLocked
	}
	return s.repo.SetQuantity(ctx, itemID, quantity, s.now())
}

// Checkout sets the payment flag on each listed line. Lines are validated up
// front; a failure while committing returns the lines already committed
// together with their events so the caller can still dispatch them.
func (s *Service) Checkout(ctx context.Context, buyerID int64, itemIDs []int64) ([]OrderItem, []Event, error) {
	if len(itemIDs) == 0 {
		return nil, nil, fmt.Errorf("%w: no items to check out", ErrInvalidQuantity)
	}
	buyer := Actor{Role: RoleBuyer, ID: buyerID}

	type pending struct {
		item    *OrderItem
		parties Parties
	}
	var lines []pending
	seen := make(map[int64]bool)
	for _, id := range itemIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		item, parties, err := s.load(ctx, id, buyer)
		if err != nil {
			return nil, nil, err
		}
		if item.PaymentFlag {
			return nil, nil, fmt.Errorf("%w: item %d", ErrAlreadyPaid, id)
		}
		if item.Status != StatusToOrder {
			return nil, nil, &TransitionError{From: item.Status, To: item.Status, Role: RoleBuyer, Reason: "only TO_ORDER lines can be checked out"}
		}
		lines = append(lines, pending{item: item, parties: parties})
	}

	var (
		paid   []OrderItem
		events []Event
	)
	for _, l := range lines {
		now := s.now()
		updated, err := s.repo.MarkPaid(ctx, l.item.ID, now)
		if err != nil {
			if errors.Is(err, ErrStatusMismatch) {
				err = fmt.Errorf("%w: item %d", ErrConflictRetry, l.item.ID)
			}
			return paid, events, err
		}
		paid = append(paid, *updated)
		events = append(events, Event{
			Kind:        EventCheckedOut,
			OrderItemID: updated.ID,
			ProductID:   updated.ProductID,
			To:          updated.Status,
			ActingRole:  RoleBuyer,
			Parties:     l.parties,
			OccurredAt:  now,
		})
	}
	return paid, events, nil
}

// SubmitRating records the buyer's rating of a completed item.
func (s *Service) SubmitRating(ctx context.Context, buyerID, itemID int64, score int) (*OrderItem, *Event, error) {
	if score < 1 || score > 5 {
		return nil, nil, ErrInvalidRating
	}
	buyer := Actor{Role: RoleBuyer, ID: buyerID}
	item, parties, err := s.load(ctx, itemID, buyer)
	if err != nil {
		return nil, nil, err
	}
	if item.Status != StatusComplete {
		return nil, nil, ErrNotCompleted
	}

	now := s.now()
	updated, err := s.repo.SetRating(ctx, itemID, score, now)
	if err != nil {
		return nil, nil, err
	}
	return updated, &Event{
		Kind:        EventRated,
		OrderItemID: updated.ID,
		ProductID:   updated.ProductID,
		To:          updated.Status,
		ActingRole:  RoleBuyer,
		Score:       score,
		Parties:     parties,
		OccurredAt:  now,
	}, nil
}

// Get returns an item visible to the actor.
func (s *Service) Get(ctx context.Context, actor Actor, id int64) (*OrderItem, error) {
	item, _, err := s.load(ctx, id, actor)
	return item, err
}

func (s *Service) load(ctx context.Context, id int64, actor Actor) (*OrderItem, Parties, error) {
	item, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, Parties{}, err
	}
	parties, err := s.parties.ResolveParties(ctx, item)
	if err != nil {
		return nil, Parties{}, fmt.Errorf("failed to resolve parties for item %d: %w", id, err)
	}
	if !parties.Includes(actor) {
		return nil, Parties{}, ErrNotParty
	}
	return item, parties, nil
}
