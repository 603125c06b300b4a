// Package reconcile keeps a client-side view of a buyer's or shop's order
// items consistent with the server. The server snapshot always wins; the push
// channel only tells the client when to pull again.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/grocer-orders/internal/domain/orderitem"
)

// PendingLine is an optimistic cart entry the server has not confirmed yet
type PendingLine struct {
	ClientToken string    `json:"client_token"`
	ProductID   int64     `json:"product_id"`
	Quantity    int       `json:"quantity"`
	CreatedAt   time.Time `json:"created_at"`
}

// Cache holds the last server snapshot by item id plus optimistic entries
// keyed by client token.
type Cache struct {
	mu      sync.RWMutex
	items   map[int64]orderitem.OrderItem
	pending map[string]PendingLine
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		items:   make(map[int64]orderitem.OrderItem),
		pending: make(map[string]PendingLine),
		now:     time.Now,
	}
}

// AddPending records an optimistic add and returns it with a fresh client
// token to send along with the request.
func (c *Cache) AddPending(productID int64, quantity int) PendingLine {
	line := PendingLine{
		ClientToken: uuid.NewString(),
		ProductID:   productID,
		Quantity:    quantity,
		CreatedAt:   c.now(),
	}
	c.mu.Lock()
	c.pending[line.ClientToken] = line
	c.mu.Unlock()
	return line
}

// DropPending discards an optimistic entry, e.g. after the add was rejected
func (c *Cache) DropPending(token string) {
	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()
}

// Merge applies a server snapshot pulled with the given status filter. Each
// item replaces the cached item with the same id as a whole. A cached item
// whose status falls inside the filter but is missing from the snapshot has
// left the server's view and is dropped; an empty filter covers every status.
// Pending entries whose token the server has echoed back are dropped. It
// returns the number of items that changed.
func (c *Cache) Merge(snapshot []orderitem.OrderItem, filter []orderitem.Status) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	inSnapshot := make(map[int64]struct{}, len(snapshot))
	for _, item := range snapshot {
		inSnapshot[item.ID] = struct{}{}
	}

	changed := 0
	for id, cached := range c.items {
		if _, ok := inSnapshot[id]; ok || !inScope(cached.Status, filter) {
			continue
		}
		delete(c.items, id)
		changed++
	}
	return changed + c.upsertLocked(snapshot)
}

// Upsert applies individual server answers, e.g. the line returned by an add.
// Nothing is dropped.
func (c *Cache) Upsert(items ...orderitem.OrderItem) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.upsertLocked(items)
}

func (c *Cache) upsertLocked(items []orderitem.OrderItem) int {
	changed := 0
	for _, item := range items {
		if old, ok := c.items[item.ID]; !ok || !old.UpdatedAt.Equal(item.UpdatedAt) || old.Status != item.Status {
			changed++
		}
		c.items[item.ID] = item
		for _, token := range item.ClientTokens {
			delete(c.pending, token)
		}
	}
	return changed
}

func inScope(status orderitem.Status, filter []orderitem.Status) bool {
	if len(filter) == 0 {
		return true
	}
	for _, st := range filter {
		if st == status {
			return true
		}
	}
	return false
}

func (c *Cache) Get(id int64) (orderitem.OrderItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// Pending returns unconfirmed entries, oldest first
func (c *Cache) Pending() []PendingLine {
	c.mu.RLock()
	out := make([]PendingLine, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Active returns items that can still change status, newest first
func (c *Cache) Active() []orderitem.OrderItem {
	return c.filter(func(item orderitem.OrderItem) bool { return !item.Status.IsTerminal() })
}

// History returns completed and cancelled items, newest first
func (c *Cache) History() []orderitem.OrderItem {
	return c.filter(func(item orderitem.OrderItem) bool { return item.Status.IsTerminal() })
}

func (c *Cache) filter(keep func(orderitem.OrderItem) bool) []orderitem.OrderItem {
	c.mu.RLock()
	out := make([]orderitem.OrderItem, 0, len(c.items))
	for _, item := range c.items {
		if keep(item) {
			out = append(out, item)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

type cacheFile struct {
	Items   []orderitem.OrderItem `json:"items"`
	Pending []PendingLine         `json:"pending"`
	SavedAt time.Time             `json:"saved_at"`
}

// Save writes the cache to path. The file is replaced atomically.
func (c *Cache) Save(path string) error {
	c.mu.RLock()
	f := cacheFile{SavedAt: c.now()}
	for _, item := range c.items {
		f.Items = append(f.Items, item)
	}
	for _, p := range c.pending {
		f.Pending = append(f.Pending, p)
	}
	c.mu.RUnlock()

	sort.Slice(f.Items, func(i, j int) bool { return f.Items[i].ID < f.Items[j].ID })
	sort.Slice(f.Pending, func(i, j int) bool { return f.Pending[i].CreatedAt.Before(f.Pending[j].CreatedAt) })

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// LoadCache reads a cache saved by Save. A missing file yields an empty cache.
func LoadCache(path string) (*Cache, error) {
	c := NewCache()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode cache file: %w", err)
	}
	for _, item := range f.Items {
		c.items[item.ID] = item
	}
	for _, p := range f.Pending {
		c.pending[p.ClientToken] = p
	}
	return c, nil
}
