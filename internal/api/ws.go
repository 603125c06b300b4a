package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/api/middleware"
	"github.com/example/grocer-orders/internal/auth"
	"github.com/example/grocer-orders/internal/logging"
	"github.com/example/grocer-orders/internal/realtime"
)

// PushHandler upgrades authenticated requests to the push channel
type PushHandler struct {
	jwtService *auth.JWTService
	gateway    *realtime.Gateway
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

func NewPushHandler(jwtService *auth.JWTService, gateway *realtime.Gateway, logger *zap.Logger) *PushHandler {
	return &PushHandler{
		jwtService: jwtService,
		gateway:    gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: logging.OrNop(logger).Named("push"),
	}
}

// ServeHTTP authenticates before the upgrade so an expired or missing
// credential gets a plain 401 instead of a socket.
func (p *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := middleware.Authenticate(p.jwtService, r)
	if err != nil {
		msg := "unauthorized"
		if errors.Is(err, auth.ErrExpiredToken) {
			msg = "token expired"
		}
		respondJSONError(w, msg, http.StatusUnauthorized)
		return
	}

	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		p.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	if err := p.gateway.Serve(r.Context(), conn, claims.Actor(), claims.Expiry()); err != nil {
		p.logger.Info("push session rejected", zap.Stringer("actor", claims.Actor()), zap.Error(err))
	}
}
