package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/grocer-orders/internal/domain/orderitem"
)

// MemoryOrderItemStore is an in-memory orderitem.Repository. Each item has
// its own lock; the store-level lock only guards the id and token indexes.
type MemoryOrderItemStore struct {
	mu     sync.RWMutex
	items  map[int64]*itemCell
	tokens map[tokenKey]int64
	nextID int64
	dir    *MemoryDirectory
}

type itemCell struct {
	mu   sync.Mutex
	item orderitem.OrderItem
}

type tokenKey struct {
	cartID int64
	token  string
}

func NewMemoryOrderItemStore(dir *MemoryDirectory) *MemoryOrderItemStore {
	return &MemoryOrderItemStore{
		items:  make(map[int64]*itemCell),
		tokens: make(map[tokenKey]int64),
		dir:    dir,
	}
}

func (s *MemoryOrderItemStore) cell(id int64) (*itemCell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	if !ok {
		return nil, orderitem.ErrItemNotFound
	}
	return c, nil
}

// mutate runs fn under the item's lock and returns a copy of the result
func (s *MemoryOrderItemStore) mutate(id int64, fn func(item *orderitem.OrderItem) error) (*orderitem.OrderItem, error) {
	c, err := s.cell(id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := fn(&c.item); err != nil {
		return nil, err
	}
	return cloneItem(c.item), nil
}

func (s *MemoryOrderItemStore) Get(ctx context.Context, id int64) (*orderitem.OrderItem, error) {
	return s.mutate(id, func(*orderitem.OrderItem) error { return nil })
}

func (s *MemoryOrderItemStore) UpsertOpenLine(ctx context.Context, line orderitem.OpenLine, now time.Time) (*orderitem.OrderItem, error) {
	if s.dir != nil && !s.dir.hasProduct(line.ProductID) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProduct, line.ProductID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{cartID: line.CartID, token: line.ClientToken}
	if line.ClientToken != "" {
		if id, ok := s.tokens[key]; ok {
			c := s.items[id]
			c.mu.Lock()
			defer c.mu.Unlock()
			return cloneItem(c.item), nil
		}
	}

	for id, c := range s.items {
		c.mu.Lock()
		if c.item.CartID == line.CartID && c.item.ProductID == line.ProductID && c.item.QuantityMutable() {
			c.item.Quantity += line.Quantity
			c.item.UpdatedAt = now
			if line.ClientToken != "" {
				c.item.ClientTokens = append(c.item.ClientTokens, line.ClientToken)
				s.tokens[key] = id
			}
			out := cloneItem(c.item)
			c.mu.Unlock()
			return out, nil
		}
		c.mu.Unlock()
	}

	s.nextID++
	item := orderitem.OrderItem{
		ID:        s.nextID,
		CartID:    line.CartID,
		ProductID: line.ProductID,
		Quantity:  line.Quantity,
		Status:    orderitem.StatusToOrder,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if line.ClientToken != "" {
		item.ClientTokens = []string{line.ClientToken}
		s.tokens[key] = item.ID
	}
	s.items[item.ID] = &itemCell{item: item}
	return cloneItem(item), nil
}

func (s *MemoryOrderItemStore) SetQuantity(ctx context.Context, id int64, quantity int, now time.Time) (*orderitem.OrderItem, error) {
	return s.mutate(id, func(item *orderitem.OrderItem) error {
		if !item.QuantityMutable() {
			return orderitem.ErrQuantityLocked
		}
		item.Quantity = quantity
		item.UpdatedAt = now
		return nil
	})
}

func (s *MemoryOrderItemStore) MarkPaid(ctx context.Context, id int64, now time.Time) (*orderitem.OrderItem, error) {
	return s.mutate(id, func(item *orderitem.OrderItem) error {
		if item.PaymentFlag {
			return orderitem.ErrAlreadyPaid
		}
		if item.Status != orderitem.StatusToOrder {
			return orderitem.ErrStatusMismatch
		}
		item.PaymentFlag = true
		item.UpdatedAt = now
		return nil
	})
}

func (s *MemoryOrderItemStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next orderitem.Status, cancelReason *string, now time.Time) (*orderitem.OrderItem, error) {
	return s.mutate(id, func(item *orderitem.OrderItem) error {
		if item.Status != expected {
			return orderitem.ErrStatusMismatch
		}
		item.Status = next
		item.CancelReason = nil
		if next.IsCancel() && cancelReason != nil {
			r := *cancelReason
			item.CancelReason = &r
		}
		item.UpdatedAt = now
		return nil
	})
}

func (s *MemoryOrderItemStore) SetRating(ctx context.Context, id int64, score int, now time.Time) (*orderitem.OrderItem, error) {
	return s.mutate(id, func(item *orderitem.OrderItem) error {
		if item.Status != orderitem.StatusComplete {
			return orderitem.ErrNotCompleted
		}
		if item.Rating != nil {
			return orderitem.ErrAlreadyRated
		}
		item.Rating = &score
		item.UpdatedAt = now
		return nil
	})
}

// List returns matching items, newest first
func (s *MemoryOrderItemStore) List(ctx context.Context, f orderitem.ListFilter) ([]orderitem.OrderItem, error) {
	s.mu.RLock()
	cells := make([]*itemCell, 0, len(s.items))
	for _, c := range s.items {
		cells = append(cells, c)
	}
	s.mu.RUnlock()

	wanted := make(map[orderitem.Status]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		wanted[st] = true
	}

	items := make([]orderitem.OrderItem, 0)
	for _, c := range cells {
		c.mu.Lock()
		item := cloneItem(c.item)
		c.mu.Unlock()

		if f.PaidOnly && !item.PaymentFlag {
			continue
		}
		if len(wanted) > 0 && !wanted[item.Status] {
			continue
		}
		if s.dir != nil && !s.dir.matches(item, f) {
			continue
		}
		items = append(items, *item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID > items[j].ID })
	return items, nil
}

func cloneItem(item orderitem.OrderItem) *orderitem.OrderItem {
	out := item
	if item.CancelReason != nil {
		r := *item.CancelReason
		out.CancelReason = &r
	}
	if item.Rating != nil {
		v := *item.Rating
		out.Rating = &v
	}
	if item.ClientTokens != nil {
		out.ClientTokens = append([]string(nil), item.ClientTokens...)
	}
	return &out
}
