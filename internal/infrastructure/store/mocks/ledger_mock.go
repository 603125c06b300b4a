package mocks

import (
	"context"
	"sync"

	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/infrastructure/store"
)

// MockLedger is a notification.Ledger for testing. It records Append calls
// and delegates storage to an in-memory ledger unless AppendErr is set.
type MockLedger struct {
	mu    sync.Mutex
	inner *store.MemoryLedger

	AppendCalls    []notification.Record
	AppendErr      error
	AppendCallback func(ctx context.Context, rec *notification.Record) error
}

// NewMockLedger creates a new MockLedger
func NewMockLedger() *MockLedger {
	return &MockLedger{inner: store.NewMemoryLedger()}
}

// Append records the call, then stores the record
func (m *MockLedger) Append(ctx context.Context, rec *notification.Record) error {
	m.mu.Lock()
	m.AppendCalls = append(m.AppendCalls, *rec)
	callback, appendErr := m.AppendCallback, m.AppendErr
	m.mu.Unlock()

	if callback != nil {
		return callback(ctx, rec)
	}
	if appendErr != nil {
		return appendErr
	}
	return m.inner.Append(ctx, rec)
}

// Calls returns a copy of the recorded Append calls
func (m *MockLedger) Calls() []notification.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]notification.Record(nil), m.AppendCalls...)
}

// SetAppendErr makes every following Append fail with err
func (m *MockLedger) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}

func (m *MockLedger) List(ctx context.Context, q notification.PageQuery) (notification.Page, error) {
	return m.inner.List(ctx, q)
}

func (m *MockLedger) UnreadCount(ctx context.Context, recipient orderitem.Actor) (int, error) {
	return m.inner.UnreadCount(ctx, recipient)
}

func (m *MockLedger) MarkRead(ctx context.Context, recipient orderitem.Actor, id int64) error {
	return m.inner.MarkRead(ctx, recipient, id)
}

func (m *MockLedger) MarkAllRead(ctx context.Context, recipient orderitem.Actor) (int64, error) {
	return m.inner.MarkAllRead(ctx, recipient)
}

// Reset clears recorded calls and injected errors
func (m *MockLedger) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendCalls = nil
	m.AppendErr = nil
	m.AppendCallback = nil
}
