package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/api/middleware"
	"github.com/example/grocer-orders/internal/auth"
	"github.com/example/grocer-orders/internal/command"
	"github.com/example/grocer-orders/internal/domain/notification"
	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/infrastructure/store"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/query"
)

const degradedWarning = `199 - "notification delivery degraded"`

type Handlers struct {
	cmdHandler   *command.Handler
	queryHandler *query.Handler
	logger       *zap.Logger
}

func NewHandlers(cmdHandler *command.Handler, queryHandler *query.Handler, logger *zap.Logger) *Handlers {
	return &Handlers{
		cmdHandler:   cmdHandler,
		queryHandler: queryHandler,
		logger:       logging.OrNop(logger).Named("api"),
	}
}

type itemResponse struct {
	Item         *orderitem.OrderItem `json:"item"`
	Notification *notification.Record `json:"notification,omitempty"`
}

type checkoutResponse struct {
	Items         []orderitem.OrderItem `json:"items"`
	Notifications []notification.Record `json:"notifications"`
}

// Order Item Handlers
func (h *Handlers) ListOrderItems(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())
	views, err := h.queryHandler.ListOrderItems(r.Context(), actor, r.URL.Query().Get("status"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *Handlers) TransitionStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var cmd command.TransitionStatus
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.OrderItemID = id
	cmd.Actor, _ = middleware.GetActor(r.Context())

	out, err := h.cmdHandler.TransitionStatus(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if out.Degraded {
		w.Header().Set("Warning", degradedWarning)
	}
	respondJSON(w, http.StatusOK, itemResponse{Item: out.Item, Notification: out.Notification})
}

func (h *Handlers) SubmitRating(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var cmd command.SubmitRating
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.OrderItemID = id
	cmd.Actor, _ = middleware.GetActor(r.Context())

	out, err := h.cmdHandler.SubmitRating(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if out.Degraded {
		w.Header().Set("Warning", degradedWarning)
	}
	respondJSON(w, http.StatusCreated, itemResponse{Item: out.Item, Notification: out.Notification})
}

// Cart Handlers
func (h *Handlers) AddToCart(w http.ResponseWriter, r *http.Request) {
	var cmd command.AddToCart
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.Actor, _ = middleware.GetActor(r.Context())
	cmd.IdempotencyKey = r.Header.Get("Idempotency-Key")

	item, err := h.cmdHandler.AddToCart(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (h *Handlers) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var cmd command.UpdateQuantity
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.OrderItemID = id
	cmd.Actor, _ = middleware.GetActor(r.Context())

	item, err := h.cmdHandler.UpdateQuantity(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, item)
}

// Checkout answers 200 with the committed lines. When a later line fails the
// error status is returned instead; the committed lines stay paid and their
// notifications were dispatched.
func (h *Handlers) Checkout(w http.ResponseWriter, r *http.Request) {
	var cmd command.Checkout
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		respondJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	cmd.Actor, _ = middleware.GetActor(r.Context())

	out, err := h.cmdHandler.Checkout(r.Context(), cmd)
	if out != nil && out.Degraded {
		w.Header().Set("Warning", degradedWarning)
	}
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, checkoutResponse{Items: out.Items, Notifications: out.Notifications})
}

// Notification Handlers
func (h *Handlers) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err1 := queryInt(q.Get("page"))
	pageSize, err2 := queryInt(q.Get("pageSize"))
	anchor, err3 := queryInt(q.Get("anchor"))
	if err := errors.Join(err1, err2, err3); err != nil {
		respondJSONError(w, "page, pageSize and anchor must be integers", http.StatusBadRequest)
		return
	}

	actor, _ := middleware.GetActor(r.Context())
	result, err := h.queryHandler.Notifications(r.Context(), actor, int(page), int(pageSize), anchor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *Handlers) UnreadCount(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())
	count, err := h.queryHandler.UnreadCount(r.Context(), actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (h *Handlers) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	actor, _ := middleware.GetActor(r.Context())
	if err := h.cmdHandler.MarkNotificationRead(r.Context(), command.MarkNotificationRead{NotificationID: id, Actor: actor}); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) MarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())
	n, err := h.cmdHandler.MarkAllNotificationsRead(r.Context(), actor)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"updated": n})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondJSONError(w http.ResponseWriter, message string, status int) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondError maps a domain error onto its HTTP status
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
		respondJSONError(w, "internal error", status)
		return
	}
	respondJSONError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized
	case errors.Is(err, orderitem.ErrNotParty), errors.Is(err, command.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, orderitem.ErrItemNotFound), errors.Is(err, notification.ErrNotFound),
		errors.Is(err, store.ErrUnknownProduct), errors.Is(err, store.ErrUnknownCart):
		return http.StatusNotFound
	case errors.Is(err, orderitem.ErrConflictRetry):
		return http.StatusConflict
	case errors.Is(err, orderitem.ErrInvalidStatus), errors.Is(err, notification.ErrInvalidPage):
		return http.StatusBadRequest
	case errors.Is(err, orderitem.ErrIllegalTransition),
		errors.Is(err, orderitem.ErrCancelReasonRequired),
		errors.Is(err, orderitem.ErrInvalidQuantity),
		errors.Is(err, orderitem.ErrQuantityLocked),
		errors.Is(err, orderitem.ErrAlreadyPaid),
		errors.Is(err, orderitem.ErrNotCompleted),
		errors.Is(err, orderitem.ErrAlreadyRated),
		errors.Is(err, orderitem.ErrInvalidRating):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		respondJSONError(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func queryInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
