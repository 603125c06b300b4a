package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/readmodel"
)

// MemoryDirectory is an in-memory Directory for development and tests
type MemoryDirectory struct {
	mu        sync.RWMutex
	products  map[int64]readmodel.ProductSummary
	shopOf    map[int64]int64 // productID -> shopID
	shops     map[int64]readmodel.ShopSummary
	buyers    map[int64]readmodel.BuyerSummary
	cartOwner map[int64]int64 // cartID -> buyerID
	openCart  map[int64]int64 // buyerID -> cartID
	nextCart  int64
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		products:  make(map[int64]readmodel.ProductSummary),
		shopOf:    make(map[int64]int64),
		shops:     make(map[int64]readmodel.ShopSummary),
		buyers:    make(map[int64]readmodel.BuyerSummary),
		cartOwner: make(map[int64]int64),
		openCart:  make(map[int64]int64),
	}
}

// AddShop registers a shop
func (d *MemoryDirectory) AddShop(id int64, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shops[id] = readmodel.ShopSummary{ID: id, Name: name}
}

// AddBuyer registers a buyer account
func (d *MemoryDirectory) AddBuyer(id int64, name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buyers[id] = readmodel.BuyerSummary{ID: id, Name: name}
}

// AddProduct registers a product sold by shopID
func (d *MemoryDirectory) AddProduct(p readmodel.ProductSummary, shopID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.products[p.ID] = p
	d.shopOf[p.ID] = shopID
}

// OpenCart returns the buyer's cart, creating it on first use
func (d *MemoryDirectory) OpenCart(ctx context.Context, buyerID int64) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id, ok := d.openCart[buyerID]; ok {
		return id, nil
	}
	d.nextCart++
	d.openCart[buyerID] = d.nextCart
	d.cartOwner[d.nextCart] = buyerID
	return d.nextCart, nil
}

// ResolveParties maps an item to its buyer (via the cart) and shop (via the product)
func (d *MemoryDirectory) ResolveParties(ctx context.Context, item *orderitem.OrderItem) (orderitem.Parties, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.partiesLocked(item.CartID, item.ProductID)
}

func (d *MemoryDirectory) partiesLocked(cartID, productID int64) (orderitem.Parties, error) {
	buyerID, ok := d.cartOwner[cartID]
	if !ok {
		return orderitem.Parties{}, fmt.Errorf("%w: %d", ErrUnknownCart, cartID)
	}
	shopID, ok := d.shopOf[productID]
	if !ok {
		return orderitem.Parties{}, fmt.Errorf("%w: %d", ErrUnknownProduct, productID)
	}
	return orderitem.Parties{BuyerID: buyerID, ShopID: shopID}, nil
}

// Project builds display projections for the given items
func (d *MemoryDirectory) Project(ctx context.Context, items []orderitem.OrderItem) (map[int64]readmodel.Projection, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[int64]readmodel.Projection, len(items))
	for _, item := range items {
		parties, err := d.partiesLocked(item.CartID, item.ProductID)
		if err != nil {
			return nil, err
		}
		out[item.ID] = readmodel.Projection{
			Product: d.products[item.ProductID],
			Shop:    d.shops[parties.ShopID],
			Buyer:   d.buyers[parties.BuyerID],
		}
	}
	return out, nil
}

func (d *MemoryDirectory) hasProduct(id int64) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.products[id]
	return ok
}

// matches reports whether an item belongs to the actor selected by the filter
func (d *MemoryDirectory) matches(item *orderitem.OrderItem, f orderitem.ListFilter) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	parties, err := d.partiesLocked(item.CartID, item.ProductID)
	if err != nil {
		return false
	}
	if f.BuyerID != 0 && parties.BuyerID != f.BuyerID {
		return false
	}
	if f.ShopID != 0 && parties.ShopID != f.ShopID {
		return false
	}
	return true
}
