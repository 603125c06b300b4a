package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/metrics"
)

// Endpoint is the push side of one live connection
type Endpoint interface {
	// Send enqueues a payload without blocking
	Send(payload []byte) error
	Close()
}

// Live is a registered, unexpired session returned by ResolveLive
type Live struct {
	Handle   string
	Endpoint Endpoint
}

type registration struct {
	handle   string
	actor    orderitem.Actor
	endpoint Endpoint
	expiry   time.Time
}

// Registry maps actors to their live sessions. An actor may hold any number
// of sessions; the registry trusts the identity it is given and only enforces
// the expiry supplied at registration.
type Registry struct {
	mu       sync.RWMutex
	byActor  map[orderitem.Actor]map[string]*registration
	byHandle map[string]*registration

	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Registry{
		byActor:  make(map[orderitem.Actor]map[string]*registration),
		byHandle: make(map[string]*registration),
		now:      time.Now,
		logger:   logging.OrNop(logger).Named("registry"),
		metrics:  m,
	}
}

// Register adds a session. A handle registered twice replaces the earlier entry.
func (r *Registry) Register(actor orderitem.Actor, handle string, ep Endpoint, expiry time.Time) error {
	if !expiry.After(r.now()) {
		return ErrAuthExpired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byHandle[handle]; ok {
		r.removeLocked(old)
	}
	reg := &registration{handle: handle, actor: actor, endpoint: ep, expiry: expiry}
	r.byHandle[handle] = reg
	if r.byActor[actor] == nil {
		r.byActor[actor] = make(map[string]*registration)
	}
	r.byActor[actor][handle] = reg
	r.metrics.LiveSessions.Set(float64(len(r.byHandle)))

	r.logger.Debug("session registered", zap.Stringer("actor", actor), zap.String("handle", handle))
	return nil
}

// Unregister removes a session. It reports whether the handle was present.
func (r *Registry) Unregister(handle string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.byHandle[handle]
	if !ok {
		return false
	}
	r.removeLocked(reg)
	r.metrics.LiveSessions.Set(float64(len(r.byHandle)))
	return true
}

func (r *Registry) removeLocked(reg *registration) {
	delete(r.byHandle, reg.handle)
	if sessions := r.byActor[reg.actor]; sessions != nil {
		delete(sessions, reg.handle)
		if len(sessions) == 0 {
			delete(r.byActor, reg.actor)
		}
	}
}

// ResolveLive returns the actor's unexpired sessions. Expired ones are
// removed and closed.
func (r *Registry) ResolveLive(actor orderitem.Actor) []Live {
	now := r.now()

	r.mu.RLock()
	var (
		live    []Live
		expired []*registration
	)
	for _, reg := range r.byActor[actor] {
		if reg.expiry.After(now) {
			live = append(live, Live{Handle: reg.handle, Endpoint: reg.endpoint})
		} else {
			expired = append(expired, reg)
		}
	}
	r.mu.RUnlock()

	if len(expired) > 0 {
		r.evict(expired)
	}
	return live
}

func (r *Registry) evict(regs []*registration) {
	r.mu.Lock()
	for _, reg := range regs {
		// the handle may have been re-registered since the read
		if cur, ok := r.byHandle[reg.handle]; ok && cur == reg {
			r.removeLocked(reg)
		}
	}
	r.metrics.LiveSessions.Set(float64(len(r.byHandle)))
	r.mu.Unlock()

	for _, reg := range regs {
		r.logger.Info("evicting expired session", zap.Stringer("actor", reg.actor), zap.String("handle", reg.handle))
		reg.endpoint.Close()
	}
}

// Len returns the number of registered sessions, expired ones included
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// CloseAll closes every registered session. Used on shutdown; the sessions
// unregister themselves as their gateways return.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	endpoints := make([]Endpoint, 0, len(r.byHandle))
	for _, reg := range r.byHandle {
		endpoints = append(endpoints, reg.endpoint)
	}
	r.mu.RUnlock()

	for _, ep := range endpoints {
		ep.Close()
	}
}
