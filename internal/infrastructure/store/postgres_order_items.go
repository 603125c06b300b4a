package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/grocer-orders/internal/domain/orderitem"
)

const itemColumns = `oi.id, oi.cart_id, oi.product_id, oi.quantity, oi.payment_flag, oi.status,
	oi.cancel_reason, oi.rating, oi.created_at, oi.updated_at,
	ARRAY(SELECT t.token FROM order_item_tokens t WHERE t.order_item_id = oi.id ORDER BY t.token)`

// PostgreSQL SQLSTATE codes
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// PostgresOrderItemStore implements orderitem.Repository on PostgreSQL.
// Guarded updates put the precondition in the WHERE clause so the check and
// the write are a single statement.
type PostgresOrderItemStore struct {
	db *sql.DB
}

func NewPostgresOrderItemStore(db *sql.DB) *PostgresOrderItemStore {
	return &PostgresOrderItemStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*orderitem.OrderItem, error) {
	var (
		item   orderitem.OrderItem
		status string
		reason sql.NullString
		rating sql.NullInt64
		tokens []string
	)
	err := row.Scan(
		&item.ID, &item.CartID, &item.ProductID, &item.Quantity, &item.PaymentFlag, &status,
		&reason, &rating, &item.CreatedAt, &item.UpdatedAt, pq.Array(&tokens),
	)
	if err != nil {
		return nil, err
	}
	item.Status = orderitem.Status(status)
	if reason.Valid {
		r := reason.String
		item.CancelReason = &r
	}
	if rating.Valid {
		v := int(rating.Int64)
		item.Rating = &v
	}
	if len(tokens) > 0 {
		item.ClientTokens = tokens
	}
	return &item, nil
}

func (s *PostgresOrderItemStore) Get(ctx context.Context, id int64) (*orderitem.OrderItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM order_items oi WHERE oi.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orderitem.ErrItemNotFound
	}
	return item, err
}

func (s *PostgresOrderItemStore) UpsertOpenLine(ctx context.Context, line orderitem.OpenLine, now time.Time) (*orderitem.OrderItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if line.ClientToken != "" {
		existing, err := lookupToken(ctx, tx, line.CartID, line.ClientToken)
		if err != nil {
			return nil, err
		}
		if existing != 0 {
			tx.Rollback()
			return s.Get(ctx, existing)
		}
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO order_items (cart_id, product_id, quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'TO_ORDER', $4, $4)
		ON CONFLICT (cart_id, product_id) WHERE status = 'TO_ORDER' AND NOT payment_flag
		DO UPDATE SET
			quantity = order_items.quantity + EXCLUDED.quantity,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, line.CartID, line.ProductID, line.Quantity, now).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
			return nil, fmt.Errorf("%w: %d", ErrUnknownProduct, line.ProductID)
		}
		return nil, err
	}

	if line.ClientToken != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO order_item_tokens (cart_id, token, order_item_id) VALUES ($1, $2, $3)`,
			line.CartID, line.ClientToken, id)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
				// a concurrent request with the same token won; replay its result
				tx.Rollback()
				existing, err := lookupToken(ctx, s.db, line.CartID, line.ClientToken)
				if err != nil {
					return nil, err
				}
				return s.Get(ctx, existing)
			}
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func lookupToken(ctx context.Context, q queryRower, cartID int64, token string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`SELECT order_item_id FROM order_item_tokens WHERE cart_id = $1 AND token = $2`,
		cartID, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// guardedUpdate runs an UPDATE ... RETURNING whose WHERE clause carries the
// precondition. When no row comes back, onMiss explains why from the current row.
func (s *PostgresOrderItemStore) guardedUpdate(ctx context.Context, id int64, onMiss func(current *orderitem.OrderItem) error, query string, args ...any) (*orderitem.OrderItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return item, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, onMiss(current)
}

func (s *PostgresOrderItemStore) SetQuantity(ctx context.Context, id int64, quantity int, now time.Time) (*orderitem.OrderItem, error) {
	return s.guardedUpdate(ctx, id,
		func(*orderitem.OrderItem) error { return orderitem.ErrQuantityLocked },
		`UPDATE order_items AS oi SET quantity = $2, updated_at = $3
		 WHERE oi.id = $1 AND oi.status = 'TO_ORDER' AND NOT oi.payment_flag
		 RETURNING `+itemColumns,
		id, quantity, now)
}

func (s *PostgresOrderItemStore) MarkPaid(ctx context.Context, id int64, now time.Time) (*orderitem.OrderItem, error) {
	return s.guardedUpdate(ctx, id,
		func(current *orderitem.OrderItem) error {
			if current.PaymentFlag {
				return orderitem.ErrAlreadyPaid
			}
			return orderitem.ErrStatusMismatch
		},
		`UPDATE order_items AS oi SET payment_flag = TRUE, updated_at = $2
		 WHERE oi.id = $1 AND oi.status = 'TO_ORDER' AND NOT oi.payment_flag
		 RETURNING `+itemColumns,
		id, now)
}

func (s *PostgresOrderItemStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next orderitem.Status, cancelReason *string, now time.Time) (*orderitem.OrderItem, error) {
	var reason sql.NullString
	if next.IsCancel() && cancelReason != nil {
		reason = sql.NullString{String: *cancelReason, Valid: true}
	}
	return s.guardedUpdate(ctx, id,
		func(*orderitem.OrderItem) error { return orderitem.ErrStatusMismatch },
		`UPDATE order_items AS oi SET status = $3, cancel_reason = $4, updated_at = $5
		 WHERE oi.id = $1 AND oi.status = $2
		 RETURNING `+itemColumns,
		id, string(expected), string(next), reason, now)
}

func (s *PostgresOrderItemStore) SetRating(ctx context.Context, id int64, score int, now time.Time) (*orderitem.OrderItem, error) {
	return s.guardedUpdate(ctx, id,
		func(current *orderitem.OrderItem) error {
			if current.Status != orderitem.StatusComplete {
				return orderitem.ErrNotCompleted
			}
			return orderitem.ErrAlreadyRated
		},
		`UPDATE order_items AS oi SET rating = $2, updated_at = $3
		 WHERE oi.id = $1 AND oi.status = 'COMPLETE' AND oi.rating IS NULL
		 RETURNING `+itemColumns,
		id, score, now)
}

// List returns matching items, newest first
func (s *PostgresOrderItemStore) List(ctx context.Context, f orderitem.ListFilter) ([]orderitem.OrderItem, error) {
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM order_items oi
		JOIN carts c ON c.id = oi.cart_id
		JOIN products p ON p.id = oi.product_id
		WHERE ($1::bigint = 0 OR c.user_id = $1)
		  AND ($2::bigint = 0 OR p.shop_id = $2)
		  AND (cardinality($3::text[]) = 0 OR oi.status = ANY($3::text[]))
		  AND (NOT $4::boolean OR oi.payment_flag)
		ORDER BY oi.id DESC
	`, f.BuyerID, f.ShopID, pq.Array(statuses), f.PaidOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]orderitem.OrderItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
