package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/realtime"
)

// SyncerOptions tunes when the syncer pulls and how it reconnects
type SyncerOptions struct {
	Interval   time.Duration
	Statuses   []orderitem.Status
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// OnNotification is called once per pushed notification id
	OnNotification func(notification.Record)
	// OnSync is called after every successful pull
	OnSync func(changed int)
}

func (o SyncerOptions) withDefaults() SyncerOptions {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	return o
}

// Syncer refreshes the cache from the server on connect, on Nudge, on every
// push hint and on a fixed interval. Pushes are hints only; the pulled
// snapshot is the source of truth.
type Syncer struct {
	client *Client
	cache  *Cache
	opts   SyncerOptions
	logger *zap.Logger

	nudge chan struct{}

	mu        sync.Mutex
	seen      map[int64]struct{}
	seenOrder []int64
	seenLimit int
	// ids at or below floor were evicted from seen and count as seen
	floor int64
}

const defaultSeenLimit = 4096

func NewSyncer(client *Client, cache *Cache, opts SyncerOptions, logger *zap.Logger) *Syncer {
	return &Syncer{
		client: client,
		cache:  cache,
		opts:   opts.withDefaults(),
		logger: logging.OrNop(logger).Named("syncer"),
		nudge:  make(chan struct{}, 1),
		seen:   make(map[int64]struct{}),

		seenLimit: defaultSeenLimit,
	}
}

// Nudge requests a pull, e.g. when the user returns to the app. Nudges that
// arrive while one is queued are coalesced.
func (s *Syncer) Nudge() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Pull fetches the snapshot and merges it into the cache
func (s *Syncer) Pull(ctx context.Context) error {
	views, err := s.client.ListOrderItems(ctx, s.opts.Statuses)
	if err != nil {
		return err
	}
	items := make([]orderitem.OrderItem, 0, len(views))
	for _, v := range views {
		items = append(items, v.OrderItem)
	}
	changed := s.cache.Merge(items, s.opts.Statuses)
	s.logger.Debug("pulled snapshot", zap.Int("items", len(items)), zap.Int("changed", changed))
	if s.opts.OnSync != nil {
		s.opts.OnSync(changed)
	}
	return nil
}

// Submit sends pending cart adds. Lines the server rejects outright are
// dropped; transport failures leave them pending for the next Submit.
func (s *Syncer) Submit(ctx context.Context) error {
	var errs []error
	for _, line := range s.cache.Pending() {
		item, err := s.client.AddToCart(ctx, line)
		var apiErr *APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError:
			s.logger.Warn("pending line rejected", zap.String("client_token", line.ClientToken), zap.Error(err))
			s.cache.DropPending(line.ClientToken)
		case err != nil:
			errs = append(errs, err)
		default:
			s.cache.Upsert(*item)
		}
	}
	return errors.Join(errs...)
}

// Run pulls and listens for pushes until ctx is done
func (s *Syncer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.pullLoop(ctx) })
	g.Go(func() error { return s.pushLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Syncer) pullLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.pullLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.nudge:
		}
		s.pullLogged(ctx)
	}
}

func (s *Syncer) pullLogged(ctx context.Context) {
	if err := s.Pull(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("pull failed", zap.Error(err))
	}
}

// pushLoop keeps the push channel open, reconnecting with exponential
// backoff. Every (re)connect triggers a pull to cover the gap.
func (s *Syncer) pushLoop(ctx context.Context) error {
	backoff := s.opts.MinBackoff
	for {
		conn, err := s.client.DialPush(ctx)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
				// a rejected bearer is final
				return err
			}
			s.logger.Warn("push channel unavailable", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = min(backoff*2, s.opts.MaxBackoff)
			continue
		}

		backoff = s.opts.MinBackoff
		s.logger.Info("push channel connected")
		s.Nudge()

		s.readPushes(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Info("push channel lost, reconnecting")
	}
}

type pushConn interface {
	ReadMessage() (int, []byte, error)
	Close() error
}

func (s *Syncer) readPushes(ctx context.Context, conn pushConn) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg realtime.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("ignoring malformed push", zap.Error(err))
			continue
		}
		s.handlePush(msg)
	}
}

func (s *Syncer) handlePush(msg realtime.Message) {
	switch msg.Type {
	case realtime.MessageHello:
		if msg.ExpiresAt != nil {
			s.logger.Debug("push session authenticated", zap.Time("expires_at", *msg.ExpiresAt))
		}
	case realtime.MessageNotification:
		if msg.Notification == nil || !s.markSeen(msg.Notification.ID) {
			return
		}
		if s.opts.OnNotification != nil {
			s.opts.OnNotification(*msg.Notification)
		}
		s.Nudge()
	}
}

// markSeen reports whether id is new. Ledger ids only grow, so once the set
// is full the oldest id is evicted and becomes the floor.
func (s *Syncer) markSeen(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id <= s.floor {
		return false
	}
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	for len(s.seenOrder) > s.seenLimit {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
		s.floor = max(s.floor, oldest)
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
