package reconcile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/readmodel"
	"github.com/example/grocer-orders/internal/realtime"
)

func item(id int64, status orderitem.Status, updated time.Time, tokens ...string) orderitem.OrderItem {
	return orderitem.OrderItem{
		ID:           id,
		CartID:       1,
		ProductID:    100,
		Quantity:     1,
		PaymentFlag:  status != orderitem.StatusToOrder,
		Status:       status,
		ClientTokens: tokens,
		UpdatedAt:    updated,
	}
}

// ============================================
// Cache Tests
// ============================================

func TestCache_MergeServerWins(t *testing.T) {
	c := NewCache()
	t0 := time.Now()

	assert.Equal(t, 1, c.Merge([]orderitem.OrderItem{item(1, orderitem.StatusToReceive, t0)}, nil))

	// an older server copy still replaces the cached one as a whole
	older := item(1, orderitem.StatusCancelByShop, t0.Add(-time.Minute))
	reason := "out of stock"
	older.CancelReason = &reason
	assert.Equal(t, 1, c.Merge([]orderitem.OrderItem{older}, nil))

	got, ok := c.Get(1)
	require.True(t, ok)
	assert.Equal(t, orderitem.StatusCancelByShop, got.Status)
	assert.Equal(t, &reason, got.CancelReason)

	assert.Zero(t, c.Merge([]orderitem.OrderItem{older}, nil))
}

func TestCache_MergeDropsEchoedPendingLines(t *testing.T) {
	c := NewCache()
	first := c.AddPending(100, 2)
	second := c.AddPending(101, 1)
	require.Len(t, c.Pending(), 2)

	c.Merge([]orderitem.OrderItem{item(7, orderitem.StatusToOrder, time.Now(), first.ClientToken)}, nil)

	pending := c.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, second.ClientToken, pending[0].ClientToken)
	assert.NotEqual(t, first.ClientToken, second.ClientToken)
}

func TestCache_MergeDropsItemsThatLeftTheFilter(t *testing.T) {
	c := NewCache()
	open := []orderitem.Status{orderitem.StatusToOrder, orderitem.StatusToReceive}
	now := time.Now()

	c.Merge([]orderitem.OrderItem{
		item(1, orderitem.StatusToReceive, now),
		item(2, orderitem.StatusToOrder, now),
	}, open)
	// outside the filter, so a filtered pull says nothing about it
	c.Upsert(item(3, orderitem.StatusComplete, now))

	// item 1 completed while offline, so the filtered pull no longer has it
	changed := c.Merge([]orderitem.OrderItem{item(2, orderitem.StatusToOrder, now)}, open)

	assert.Equal(t, 1, changed)
	_, ok := c.Get(1)
	assert.False(t, ok)
	require.Len(t, c.Active(), 1)
	assert.Equal(t, int64(2), c.Active()[0].ID)
	_, ok = c.Get(3)
	assert.True(t, ok)
}

func TestCache_UnfilteredMergeDropsItemsGoneFromServer(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.Merge([]orderitem.OrderItem{
		item(1, orderitem.StatusToOrder, now),
		item(2, orderitem.StatusComplete, now),
	}, nil)

	assert.Equal(t, 2, c.Merge(nil, nil))
	assert.Empty(t, c.Active())
	assert.Empty(t, c.History())
}

func TestCache_UpsertKeepsOtherItems(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.Merge([]orderitem.OrderItem{item(1, orderitem.StatusToOrder, now)}, nil)
	line := c.AddPending(101, 1)

	assert.Equal(t, 1, c.Upsert(item(2, orderitem.StatusToOrder, now, line.ClientToken)))
	assert.Len(t, c.Active(), 2)
	assert.Empty(t, c.Pending())
}

func TestCache_ActiveAndHistory(t *testing.T) {
	c := NewCache()
	now := time.Now()
	c.Merge([]orderitem.OrderItem{
		item(1, orderitem.StatusToOrder, now),
		item(2, orderitem.StatusToReceive, now),
		item(3, orderitem.StatusComplete, now),
		item(4, orderitem.StatusCancelByUser, now),
		item(5, orderitem.StatusCancelByShop, now),
	}, nil)

	ids := func(items []orderitem.OrderItem) []int64 {
		out := make([]int64, 0, len(items))
		for _, i := range items {
			out = append(out, i.ID)
		}
		return out
	}
	assert.Equal(t, []int64{2, 1}, ids(c.Active()))
	assert.Equal(t, []int64{5, 4, 3}, ids(c.History()))
}

func TestCache_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c := NewCache()
	c.Merge([]orderitem.OrderItem{item(1, orderitem.StatusToReceive, time.Now().UTC())}, nil)
	pending := c.AddPending(101, 3)

	require.NoError(t, c.Save(path))

	loaded, err := LoadCache(path)
	require.NoError(t, err)
	got, ok := loaded.Get(1)
	require.True(t, ok)
	assert.Equal(t, orderitem.StatusToReceive, got.Status)
	require.Len(t, loaded.Pending(), 1)
	assert.Equal(t, pending.ClientToken, loaded.Pending()[0].ClientToken)
}

func TestLoadCache_MissingFileIsEmpty(t *testing.T) {
	c, err := LoadCache(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, c.Active())
	assert.Empty(t, c.Pending())
}

// ============================================
// Syncer Tests
// ============================================

// fakeServer serves a settable snapshot and writes scripted frames to every
// push connection, then holds it open.
type fakeServer struct {
	mu       sync.Mutex
	snapshot []orderitem.OrderItem
	pushes   []realtime.Message
	pulls    atomic.Int32
	dials    atomic.Int32
	rejectWS bool
	added    []string
	status   string
}

func (f *fakeServer) handler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/order-items", func(w http.ResponseWriter, r *http.Request) {
		f.pulls.Add(1)
		f.mu.Lock()
		f.status = r.URL.Query().Get("status")
		views := make([]readmodel.OrderItemView, 0, len(f.snapshot))
		for _, it := range f.snapshot {
			views = append(views, readmodel.OrderItemView{OrderItem: it})
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(views)
	})
	mux.HandleFunc("POST /api/cart/items", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			ProductID int64 `json:"product_id"`
			Quantity  int   `json:"quantity"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		token := r.Header.Get("Idempotency-Key")
		if body.ProductID == 999 {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"unknown product"}`))
			return
		}
		f.mu.Lock()
		f.added = append(f.added, token)
		it := item(int64(len(f.added)), orderitem.StatusToOrder, time.Now(), token)
		it.ProductID = body.ProductID
		it.Quantity = body.Quantity
		f.snapshot = append(f.snapshot, it)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(it)
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		f.dials.Add(1)
		if f.rejectWS || r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		f.mu.Lock()
		pushes := f.pushes
		f.mu.Unlock()
		for _, m := range pushes {
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	return mux
}

func newFakeServer(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "test-token", nil)
}

func notificationMsg(id int64) realtime.Message {
	return realtime.Message{
		Type:         realtime.MessageNotification,
		Notification: &notification.Record{ID: id, Type: notification.TypeOrderAccepted},
	}
}

func TestSyncer_PullsOnConnectAndDedupesPushes(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	f := &fakeServer{
		snapshot: []orderitem.OrderItem{item(1, orderitem.StatusToReceive, time.Now())},
		pushes: []realtime.Message{
			{Type: realtime.MessageHello, ExpiresAt: &expires},
			notificationMsg(11),
			notificationMsg(11),
			notificationMsg(12),
		},
	}
	client := newFakeServer(t, f)
	cache := NewCache()

	var mu sync.Mutex
	var got []int64
	s := NewSyncer(client, cache, SyncerOptions{
		Interval: time.Hour,
		OnNotification: func(rec notification.Record) {
			mu.Lock()
			got = append(got, rec.ID)
			mu.Unlock()
		},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.pulls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)

	_, ok := cache.Get(1)
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-done)

	mu.Lock()
	assert.Equal(t, []int64{11, 12}, got)
	mu.Unlock()
}

func TestSyncer_NudgeTriggersPull(t *testing.T) {
	f := &fakeServer{}
	client := newFakeServer(t, f)
	cache := NewCache()
	s := NewSyncer(client, cache, SyncerOptions{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// initial pull
	assert.Eventually(t, func() bool { return f.pulls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(cache.Active()) == 0 }, time.Second, 10*time.Millisecond)

	f.mu.Lock()
	f.snapshot = []orderitem.OrderItem{item(5, orderitem.StatusComplete, time.Now())}
	f.mu.Unlock()
	s.Nudge()

	assert.Eventually(t, func() bool { return len(cache.History()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestSyncer_FilteredPullDropsItemsThatLeftTheFilter(t *testing.T) {
	f := &fakeServer{snapshot: []orderitem.OrderItem{item(1, orderitem.StatusToReceive, time.Now())}}
	client := newFakeServer(t, f)
	cache := NewCache()
	s := NewSyncer(client, cache, SyncerOptions{
		Statuses: []orderitem.Status{orderitem.StatusToOrder, orderitem.StatusToReceive},
	}, nil)

	require.NoError(t, s.Pull(context.Background()))
	f.mu.Lock()
	assert.Equal(t, "TO_ORDER,TO_RECEIVE", f.status)
	f.mu.Unlock()
	require.Len(t, cache.Active(), 1)

	// completed on the server, so the filtered snapshot no longer lists it
	f.mu.Lock()
	f.snapshot = nil
	f.mu.Unlock()
	require.NoError(t, s.Pull(context.Background()))

	_, ok := cache.Get(1)
	assert.False(t, ok)
	assert.Empty(t, cache.Active())
}

func TestSyncer_StopsOnRejectedBearer(t *testing.T) {
	f := &fakeServer{rejectWS: true}
	client := newFakeServer(t, f)
	s := NewSyncer(client, NewCache(), SyncerOptions{Interval: time.Hour}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Run(ctx)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, int32(1), f.dials.Load())
}

func TestSyncer_SubmitConfirmsAndDropsRejected(t *testing.T) {
	f := &fakeServer{}
	client := newFakeServer(t, f)
	cache := NewCache()
	s := NewSyncer(client, cache, SyncerOptions{}, nil)

	ok := cache.AddPending(100, 2)
	cache.AddPending(999, 1)

	require.NoError(t, s.Submit(context.Background()))

	assert.Empty(t, cache.Pending())
	active := cache.Active()
	require.Len(t, active, 1)
	assert.True(t, active[0].HasToken(ok.ClientToken))
	f.mu.Lock()
	assert.Equal(t, []string{ok.ClientToken}, f.added)
	f.mu.Unlock()
}

func TestSyncer_HandlePushIgnoresUnknownFrames(t *testing.T) {
	s := NewSyncer(NewClient("http://unused", "x", nil), NewCache(), SyncerOptions{}, nil)
	s.handlePush(realtime.Message{Type: "mystery"})
	s.handlePush(realtime.Message{Type: realtime.MessageNotification})

	select {
	case <-s.nudge:
		t.Fatal("unexpected nudge")
	default:
	}

	s.handlePush(notificationMsg(1))
	select {
	case <-s.nudge:
	default:
		t.Fatal("expected a nudge")
	}
}

func TestSyncer_SeenSetIsBounded(t *testing.T) {
	s := NewSyncer(NewClient("http://unused", "x", nil), NewCache(), SyncerOptions{}, nil)
	s.seenLimit = 3

	for id := int64(1); id <= 10; id++ {
		assert.True(t, s.markSeen(id))
	}
	assert.Len(t, s.seen, 3)
	assert.Len(t, s.seenOrder, 3)
	assert.Equal(t, int64(7), s.floor)

	assert.False(t, s.markSeen(2), "below the floor")
	assert.False(t, s.markSeen(9), "still in the set")
	assert.True(t, s.markSeen(11))
}
