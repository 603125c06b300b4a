package store

import (
	"context"
	"errors"

	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/readmodel"
)

var (
	ErrUnknownCart    = errors.New("unknown cart")
	ErrUnknownProduct = errors.New("unknown product")
)

// Directory is the read-only view over the catalog and account tables that
// the order core consumes: cart ownership, product ownership and display names.
type Directory interface {
	orderitem.CartDirectory
	orderitem.PartyResolver

	// Project returns display projections keyed by order item id
	Project(ctx context.Context, items []orderitem.OrderItem) (map[int64]readmodel.Projection, error)
}
