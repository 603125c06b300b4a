package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/infrastructure/store"
)

// CASCall records parameters passed to CompareAndSetStatus
type CASCall struct {
	ID       int64
	Expected orderitem.Status
	Next     orderitem.Status
}

// MockRepository wraps the in-memory order item store so tests can observe
// compare-and-swap calls and interleave a competing write before one commits.
type MockRepository struct {
	*store.MemoryOrderItemStore

	mu       sync.Mutex
	CASCalls []CASCall
	// BeforeCAS runs once, before the next CompareAndSetStatus reaches the store
	BeforeCAS func()
	CASErr    error
}

// NewMockRepository creates a MockRepository over dir
func NewMockRepository(dir *store.MemoryDirectory) *MockRepository {
	return &MockRepository{MemoryOrderItemStore: store.NewMemoryOrderItemStore(dir)}
}

func (m *MockRepository) CompareAndSetStatus(ctx context.Context, id int64, expected, next orderitem.Status, cancelReason *string, now time.Time) (*orderitem.OrderItem, error) {
	m.mu.Lock()
	m.CASCalls = append(m.CASCalls, CASCall{ID: id, Expected: expected, Next: next})
	hook, casErr := m.BeforeCAS, m.CASErr
	m.BeforeCAS = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if casErr != nil {
		return nil, casErr
	}
	return m.MemoryOrderItemStore.CompareAndSetStatus(ctx, id, expected, next, cancelReason, now)
}

// Calls returns a copy of the recorded compare-and-swap calls
func (m *MockRepository) Calls() []CASCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CASCall(nil), m.CASCalls...)
}
