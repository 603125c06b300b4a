package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/api/middleware"
	"github.com/example/grocer-orders/internal/auth"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/metrics"
)

// RouterConfig holds the router dependencies
type RouterConfig struct {
	Handlers   *Handlers
	Push       *PushHandler
	JWTService *auth.JWTService
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()
	h := cfg.Handlers
	authed := middleware.AuthMiddleware(cfg.JWTService)

	buyerOnly := middleware.RequireRole(orderitem.RoleBuyer)

	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authed(fn))
	}
	handleBuyer := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, authed(buyerOnly(fn)))
	}

	// Order items
	handle("GET /api/order-items", h.ListOrderItems)
	handle("PATCH /api/order-items/{id}/status", h.TransitionStatus)
	handleBuyer("POST /api/order-items/{id}/rating", h.SubmitRating)

	// Cart
	handleBuyer("POST /api/cart/items", h.AddToCart)
	handleBuyer("PATCH /api/cart/items/{id}", h.UpdateQuantity)
	handleBuyer("POST /api/checkout", h.Checkout)

	// Notifications
	handle("GET /api/notifications", h.ListNotifications)
	handle("GET /api/notifications/unread-count", h.UnreadCount)
	handle("PATCH /api/notifications/{id}/read", h.MarkNotificationRead)
	handle("PUT /api/notifications/read-all", h.MarkAllNotificationsRead)

	// Push channel
	mux.Handle("GET /ws", cfg.Push)

	mux.Handle("GET /metrics", cfg.Metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return withLogging(mux, logging.OrNop(cfg.Logger).Named("http"), cfg.Metrics)
}

func withLogging(next http.Handler, logger *zap.Logger, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		m.Requests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		m.LatencyMS.WithLabelValues(pattern).Observe(float64(elapsed.Milliseconds()))

		logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", elapsed))
	})
}

// statusRecorder captures the response status. It passes Hijack through so
// the push channel can upgrade.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	s.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
