package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
)

// Gateway attaches upgraded connections to the registry for their lifetime
type Gateway struct {
	registry *Registry
	opts     SessionOptions
	logger   *zap.Logger
	now      func() time.Time
}

func NewGateway(registry *Registry, opts SessionOptions, logger *zap.Logger) *Gateway {
	return &Gateway{
		registry: registry,
		opts:     opts.withDefaults(),
		logger:   logging.OrNop(logger).Named("gateway"),
		now:      time.Now,
	}
}

// Serve runs the session for conn until it closes. The identity must already
// be authenticated; expiry is its authenticated-until.
func (g *Gateway) Serve(ctx context.Context, conn Conn, actor orderitem.Actor, expiry time.Time) error {
	if !expiry.After(g.now()) {
		_ = conn.Close()
		return ErrAuthExpired
	}

	sess := NewSession(uuid.NewString(), conn, actor, expiry, g.opts, g.logger)
	sess.Start()
	// hello is queued first so it precedes any push
	if hello, err := HelloMessage(expiry); err == nil {
		_ = sess.Send(hello)
	}
	if err := g.registry.Register(actor, sess.Handle(), sess, expiry); err != nil {
		sess.Close()
		return err
	}
	defer g.registry.Unregister(sess.Handle())

	g.logger.Info("session opened", zap.Stringer("actor", actor), zap.String("handle", sess.Handle()), zap.Time("expires_at", expiry))

	sess.ReadLoop(ctx)
	sess.Wait()

	g.logger.Info("session closed", zap.Stringer("actor", actor), zap.String("handle", sess.Handle()))
	return nil
}
