package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// schema holds the tables owned by the order core plus the minimal shape of
// the catalog/account tables it joins against.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id   BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS shops (
		id       BIGSERIAL PRIMARY KEY,
		owner_id BIGINT REFERENCES users(id),
		name     TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id        BIGSERIAL PRIMARY KEY,
		shop_id   BIGINT NOT NULL REFERENCES shops(id),
		name      TEXT NOT NULL DEFAULT '',
		image_url TEXT NOT NULL DEFAULT '',
		price     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS carts (
		id         BIGSERIAL PRIMARY KEY,
		user_id    BIGINT NOT NULL REFERENCES users(id),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS carts_user_id ON carts (user_id)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id            BIGSERIAL PRIMARY KEY,
		cart_id       BIGINT NOT NULL REFERENCES carts(id) ON DELETE CASCADE,
		product_id    BIGINT NOT NULL REFERENCES products(id),
		quantity      INTEGER NOT NULL CHECK (quantity > 0),
		payment_flag  BOOLEAN NOT NULL DEFAULT FALSE,
		status        TEXT NOT NULL DEFAULT 'TO_ORDER'
		              CHECK (status IN ('TO_ORDER', 'TO_RECEIVE', 'COMPLETE', 'CANCEL_BYSHOP', 'CANCEL_BYUSER')),
		cancel_reason TEXT,
		rating        SMALLINT CHECK (rating BETWEEN 1 AND 5),
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		CONSTRAINT order_items_cancel_reason
			CHECK ((status IN ('CANCEL_BYSHOP', 'CANCEL_BYUSER')) = (cancel_reason IS NOT NULL))
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS order_items_open_line
		ON order_items (cart_id, product_id) WHERE status = 'TO_ORDER' AND NOT payment_flag`,
	`CREATE INDEX IF NOT EXISTS order_items_product_id ON order_items (product_id)`,
	`CREATE TABLE IF NOT EXISTS order_item_tokens (
		cart_id       BIGINT NOT NULL,
		token         TEXT NOT NULL,
		order_item_id BIGINT NOT NULL REFERENCES order_items(id) ON DELETE CASCADE,
		PRIMARY KEY (cart_id, token)
	)`,
	`CREATE INDEX IF NOT EXISTS order_item_tokens_item ON order_item_tokens (order_item_id)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id                    BIGSERIAL PRIMARY KEY,
		recipient_role        TEXT NOT NULL,
		recipient_id          BIGINT NOT NULL,
		type                  TEXT NOT NULL,
		message               TEXT NOT NULL,
		related_order_item_id BIGINT,
		related_product_id    BIGINT,
		related_shop_id       BIGINT,
		is_read               BOOLEAN NOT NULL DEFAULT FALSE,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS notifications_recipient
		ON notifications (recipient_role, recipient_id, id DESC)`,
}

// Migrate creates the schema if it does not exist
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i, err)
		}
	}
	return nil
}
