package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
)

// openTestDB connects to TEST_DATABASE_URL, migrates and empties the schema.
// Tests are skipped when no database is configured.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := ConnectPostgres(url)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, db))
	_, err = db.ExecContext(ctx, `TRUNCATE notifications, order_item_tokens, order_items, carts, products, shops, users RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	for _, stmt := range []string{
		`INSERT INTO users (id, name) VALUES (1, 'alice'), (2, 'shop owner')`,
		`INSERT INTO shops (id, owner_id, name) VALUES (10, 2, 'green grocer')`,
		`INSERT INTO products (id, shop_id, name, price) VALUES (100, 10, 'apples', 300), (101, 10, 'pears', 250)`,
	} {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
	return db
}

func pgOpenLine(t *testing.T, db *sql.DB, productID int64, qty int, token string) *orderitem.OrderItem {
	t.Helper()
	ctx := context.Background()
	cartID, err := NewPostgresDirectory(db).OpenCart(ctx, 1)
	require.NoError(t, err)
	item, err := NewPostgresOrderItemStore(db).UpsertOpenLine(ctx, orderitem.OpenLine{
		CartID: cartID, ProductID: productID, Quantity: qty, ClientToken: token,
	}, time.Now())
	require.NoError(t, err)
	return item
}

// ============================================
// Order Item Store Tests
// ============================================

func TestPostgresOrderItemStore_UpsertOpenLine(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresOrderItemStore(db)
	ctx := context.Background()

	first := pgOpenLine(t, db, 100, 2, "tok-a")
	assert.Equal(t, 2, first.Quantity)
	assert.Equal(t, orderitem.StatusToOrder, first.Status)

	t.Run("same token replays the line", func(t *testing.T) {
		again := pgOpenLine(t, db, 100, 2, "tok-a")
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, 2, again.Quantity)
	})

	t.Run("new token merges into the open line", func(t *testing.T) {
		merged := pgOpenLine(t, db, 100, 1, "tok-b")
		assert.Equal(t, first.ID, merged.ID)
		assert.Equal(t, 3, merged.Quantity)
		assert.ElementsMatch(t, []string{"tok-a", "tok-b"}, merged.ClientTokens)
	})

	t.Run("paid line no longer merges", func(t *testing.T) {
		_, err := s.MarkPaid(ctx, first.ID, time.Now())
		require.NoError(t, err)

		fresh := pgOpenLine(t, db, 100, 1, "")
		assert.NotEqual(t, first.ID, fresh.ID)
		assert.False(t, fresh.PaymentFlag)
	})

	t.Run("unknown product", func(t *testing.T) {
		cartID, err := NewPostgresDirectory(db).OpenCart(ctx, 1)
		require.NoError(t, err)
		_, err = s.UpsertOpenLine(ctx, orderitem.OpenLine{CartID: cartID, ProductID: 999, Quantity: 1}, time.Now())
		assert.ErrorIs(t, err, ErrUnknownProduct)
	})
}

func TestPostgresOrderItemStore_CompareAndSetStatusHasOneWinner(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresOrderItemStore(db)
	ctx := context.Background()

	item := pgOpenLine(t, db, 100, 1, "")
	_, err := s.MarkPaid(ctx, item.ID, time.Now())
	require.NoError(t, err)

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CompareAndSetStatus(ctx, item.ID, orderitem.StatusToOrder, orderitem.StatusToReceive, nil, time.Now())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, orderitem.ErrStatusMismatch):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, conflicts)

	got, err := s.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, orderitem.StatusToReceive, got.Status)
}

func TestPostgresOrderItemStore_GuardedUpdates(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresOrderItemStore(db)
	ctx := context.Background()

	item := pgOpenLine(t, db, 101, 1, "")
	_, err := s.MarkPaid(ctx, item.ID, time.Now())
	require.NoError(t, err)

	_, err = s.MarkPaid(ctx, item.ID, time.Now())
	assert.ErrorIs(t, err, orderitem.ErrAlreadyPaid)

	_, err = s.SetQuantity(ctx, item.ID, 4, time.Now())
	assert.ErrorIs(t, err, orderitem.ErrQuantityLocked)

	_, err = s.SetRating(ctx, item.ID, 5, time.Now())
	assert.ErrorIs(t, err, orderitem.ErrNotCompleted)

	reason := "sold out"
	cancelled, err := s.CompareAndSetStatus(ctx, item.ID, orderitem.StatusToOrder, orderitem.StatusCancelByShop, &reason, time.Now())
	require.NoError(t, err)
	require.NotNil(t, cancelled.CancelReason)
	assert.Equal(t, reason, *cancelled.CancelReason)

	_, err = s.Get(ctx, 424242)
	assert.ErrorIs(t, err, orderitem.ErrItemNotFound)
}

func TestPostgresOrderItemStore_ListByStatus(t *testing.T) {
	db := openTestDB(t)
	s := NewPostgresOrderItemStore(db)
	ctx := context.Background()

	unpaid := pgOpenLine(t, db, 100, 1, "")
	paid := pgOpenLine(t, db, 101, 1, "")
	_, err := s.MarkPaid(ctx, paid.ID, time.Now())
	require.NoError(t, err)
	_, err = s.CompareAndSetStatus(ctx, paid.ID, orderitem.StatusToOrder, orderitem.StatusToReceive, nil, time.Now())
	require.NoError(t, err)

	receiving, err := s.List(ctx, orderitem.ListFilter{BuyerID: 1, Statuses: []orderitem.Status{orderitem.StatusToReceive}})
	require.NoError(t, err)
	require.Len(t, receiving, 1)
	assert.Equal(t, paid.ID, receiving[0].ID)

	shopView, err := s.List(ctx, orderitem.ListFilter{ShopID: 10, PaidOnly: true})
	require.NoError(t, err)
	require.Len(t, shopView, 1)
	assert.NotEqual(t, unpaid.ID, shopView[0].ID)
}

// ============================================
// Ledger Tests
// ============================================

func pgAppend(t *testing.T, l notification.Ledger, to orderitem.Actor, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		rec := &notification.Record{
			RecipientRole: to.Role,
			RecipientID:   to.ID,
			Type:          notification.TypeOrderAccepted,
			Message:       "accepted",
			CreatedAt:     time.Now(),
		}
		require.NoError(t, l.Append(context.Background(), rec))
		ids = append(ids, rec.ID)
	}
	return ids
}

func TestPostgresLedger_AnchoredPages(t *testing.T) {
	l := NewPostgresLedger(openTestDB(t))
	ctx := context.Background()

	ids := pgAppend(t, l, ledgerBuyer, 5)
	pgAppend(t, l, ledgerShop, 2)

	first, err := l.List(ctx, notification.PageQuery{Recipient: ledgerBuyer, Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[4], ids[3]}, recordIDs(first))
	assert.Equal(t, ids[4], first.Anchor)
	assert.Equal(t, 5, first.Total)
	assert.True(t, first.HasMore)

	// a new record does not shift later pages of the same anchor
	pgAppend(t, l, ledgerBuyer, 1)

	second, err := l.List(ctx, notification.PageQuery{Recipient: ledgerBuyer, Page: 2, PageSize: 2, Anchor: first.Anchor})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[2], ids[1]}, recordIDs(second))

	third, err := l.List(ctx, notification.PageQuery{Recipient: ledgerBuyer, Page: 3, PageSize: 2, Anchor: first.Anchor})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, recordIDs(third))
	assert.False(t, third.HasMore)

	_, err = l.List(ctx, notification.PageQuery{Recipient: ledgerBuyer, Page: 0, PageSize: 2})
	assert.ErrorIs(t, err, notification.ErrInvalidPage)
}

func TestPostgresLedger_ReadState(t *testing.T) {
	l := NewPostgresLedger(openTestDB(t))
	ctx := context.Background()

	ids := pgAppend(t, l, ledgerBuyer, 3)

	n, err := l.UnreadCount(ctx, ledgerBuyer)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, l.MarkRead(ctx, ledgerBuyer, ids[0]))
	assert.ErrorIs(t, l.MarkRead(ctx, ledgerShop, ids[1]), notification.ErrNotFound)

	updated, err := l.MarkAllRead(ctx, ledgerBuyer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated)

	n, err = l.UnreadCount(ctx, ledgerBuyer)
	require.NoError(t, err)
	assert.Zero(t, n)
}
