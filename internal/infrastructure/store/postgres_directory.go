package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/readmodel"
)

// PostgresDirectory reads cart, product, shop and user rows owned by the
// catalog and account services.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) OpenCart(ctx context.Context, buyerID int64) (int64, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO carts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id
	`, buyerID).Scan(&id)
	return id, err
}

func (d *PostgresDirectory) ResolveParties(ctx context.Context, item *orderitem.OrderItem) (orderitem.Parties, error) {
	var buyerID, shopID sql.NullInt64
	err := d.db.QueryRowContext(ctx,
		`SELECT (SELECT user_id FROM carts WHERE id = $1), (SELECT shop_id FROM products WHERE id = $2)`,
		item.CartID, item.ProductID).Scan(&buyerID, &shopID)
	if err != nil {
		return orderitem.Parties{}, err
	}
	if !buyerID.Valid {
		return orderitem.Parties{}, fmt.Errorf("%w: %d", ErrUnknownCart, item.CartID)
	}
	if !shopID.Valid {
		return orderitem.Parties{}, fmt.Errorf("%w: %d", ErrUnknownProduct, item.ProductID)
	}
	return orderitem.Parties{BuyerID: buyerID.Int64, ShopID: shopID.Int64}, nil
}

func (d *PostgresDirectory) Project(ctx context.Context, items []orderitem.OrderItem) (map[int64]readmodel.Projection, error) {
	out := make(map[int64]readmodel.Projection, len(items))
	if len(items) == 0 {
		return out, nil
	}
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT oi.id, p.id, p.name, p.image_url, p.price, s.id, s.name, u.id, u.name
		FROM order_items oi
		JOIN carts c ON c.id = oi.cart_id
		JOIN users u ON u.id = c.user_id
		JOIN products p ON p.id = oi.product_id
		JOIN shops s ON s.id = p.shop_id
		WHERE oi.id = ANY($1)
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			itemID int64
			p      readmodel.Projection
		)
		if err := rows.Scan(&itemID,
			&p.Product.ID, &p.Product.Name, &p.Product.ImageURL, &p.Product.Price,
			&p.Shop.ID, &p.Shop.Name, &p.Buyer.ID, &p.Buyer.Name); err != nil {
			return nil, err
		}
		out[itemID] = p
	}
	return out, rows.Err()
}
