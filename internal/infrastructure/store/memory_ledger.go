package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
)

// MemoryLedger is an in-memory notification.Ledger. Ids are assigned in
// append order, so per-recipient index slices stay sorted.
type MemoryLedger struct {
	mu          sync.RWMutex
	records     []notification.Record
	byRecipient map[orderitem.Actor][]int // positions into records, ascending
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byRecipient: make(map[orderitem.Actor][]int),
	}
}

func (l *MemoryLedger) Append(ctx context.Context, rec *notification.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.ID = int64(len(l.records) + 1)
	rec.IsRead = false
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	l.records = append(l.records, *rec)
	r := rec.Recipient()
	l.byRecipient[r] = append(l.byRecipient[r], len(l.records)-1)
	return nil
}

func (l *MemoryLedger) List(ctx context.Context, q notification.PageQuery) (notification.Page, error) {
	if q.Page < 1 || q.PageSize < 1 {
		return notification.Page{}, notification.ErrInvalidPage
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	positions := l.byRecipient[q.Recipient]
	anchor := q.Anchor
	if anchor == 0 && len(positions) > 0 {
		anchor = l.records[positions[len(positions)-1]].ID
	}
	// number of records with id <= anchor
	visible := sort.Search(len(positions), func(i int) bool {
		return l.records[positions[i]].ID > anchor
	})

	offset := (q.Page - 1) * q.PageSize
	page := notification.Page{
		Records:  []notification.Record{},
		Page:     q.Page,
		PageSize: q.PageSize,
		Anchor:   anchor,
		Total:    visible,
	}
	for i := visible - 1 - offset; i >= 0 && len(page.Records) < q.PageSize; i-- {
		page.Records = append(page.Records, l.records[positions[i]])
	}
	page.HasMore = offset+len(page.Records) < visible
	return page, nil
}

func (l *MemoryLedger) UnreadCount(ctx context.Context, recipient orderitem.Actor) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, pos := range l.byRecipient[recipient] {
		if !l.records[pos].IsRead {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLedger) MarkRead(ctx context.Context, recipient orderitem.Actor, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id < 1 || id > int64(len(l.records)) {
		return notification.ErrNotFound
	}
	rec := &l.records[id-1]
	if rec.Recipient() != recipient {
		return notification.ErrNotFound
	}
	rec.IsRead = true
	return nil
}

func (l *MemoryLedger) MarkAllRead(ctx context.Context, recipient orderitem.Actor) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	for _, pos := range l.byRecipient[recipient] {
		if !l.records[pos].IsRead {
			l.records[pos].IsRead = true
			n++
		}
	}
	return n, nil
}
