package store

import (
	"context"
	"database/sql"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
)

// PostgresLedger implements notification.Ledger on the notifications table
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Append(ctx context.Context, rec *notification.Record) error {
	rec.IsRead = false
	return l.db.QueryRowContext(ctx, `
		INSERT INTO notifications
			(recipient_role, recipient_id, type, message, related_order_item_id, related_product_id, related_shop_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
		RETURNING id
	`,
		string(rec.RecipientRole), rec.RecipientID, string(rec.Type), rec.Message,
		nullInt64(rec.RelatedOrderItemID), nullInt64(rec.RelatedProductID), nullInt64(rec.RelatedShopID),
		rec.CreatedAt,
	).Scan(&rec.ID)
}

func (l *PostgresLedger) List(ctx context.Context, q notification.PageQuery) (notification.Page, error) {
	if q.Page < 1 || q.PageSize < 1 {
		return notification.Page{}, notification.ErrInvalidPage
	}
	role, id := string(q.Recipient.Role), q.Recipient.ID

	anchor := q.Anchor
	if anchor == 0 {
		err := l.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(id), 0) FROM notifications WHERE recipient_role = $1 AND recipient_id = $2`,
			role, id).Scan(&anchor)
		if err != nil {
			return notification.Page{}, err
		}
	}

	page := notification.Page{
		Records:  []notification.Record{},
		Page:     q.Page,
		PageSize: q.PageSize,
		Anchor:   anchor,
	}
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_role = $1 AND recipient_id = $2 AND id <= $3`,
		role, id, anchor).Scan(&page.Total)
	if err != nil {
		return notification.Page{}, err
	}

	offset := (q.Page - 1) * q.PageSize
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, recipient_role, recipient_id, type, message,
		       related_order_item_id, related_product_id, related_shop_id, is_read, created_at
		FROM notifications
		WHERE recipient_role = $1 AND recipient_id = $2 AND id <= $3
		ORDER BY id DESC
		LIMIT $4 OFFSET $5
	`, role, id, anchor, q.PageSize, offset)
	if err != nil {
		return notification.Page{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec                       notification.Record
			recRole, recType          string
			itemID, productID, shopID sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &recRole, &rec.RecipientID, &recType, &rec.Message,
			&itemID, &productID, &shopID, &rec.IsRead, &rec.CreatedAt); err != nil {
			return notification.Page{}, err
		}
		rec.RecipientRole = orderitem.Role(recRole)
		rec.Type = notification.EventType(recType)
		rec.RelatedOrderItemID = int64Ptr(itemID)
		rec.RelatedProductID = int64Ptr(productID)
		rec.RelatedShopID = int64Ptr(shopID)
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return notification.Page{}, err
	}
	page.HasMore = offset+len(page.Records) < page.Total
	return page, nil
}

func (l *PostgresLedger) UnreadCount(ctx context.Context, recipient orderitem.Actor) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_role = $1 AND recipient_id = $2 AND NOT is_read`,
		string(recipient.Role), recipient.ID).Scan(&n)
	return n, err
}

func (l *PostgresLedger) MarkRead(ctx context.Context, recipient orderitem.Actor, id int64) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_role = $2 AND recipient_id = $3`,
		id, string(recipient.Role), recipient.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notification.ErrNotFound
	}
	return nil
}

func (l *PostgresLedger) MarkAllRead(ctx context.Context, recipient orderitem.Actor) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE recipient_role = $1 AND recipient_id = $2 AND NOT is_read`,
		string(recipient.Role), recipient.ID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
