package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/example/grocer-orders/internal/domain/orderitem"
	"github.com/example/grocer-orders/internal/logging"
)

// Conn is the subset of *websocket.Conn a session drives
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	SetReadLimit(limit int64)
	Close() error
}

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// SessionOptions bounds a session's buffering and timing
type SessionOptions struct {
	// Buffer is the number of payloads queued before a push is dropped
	Buffer       int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongWait     time.Duration
	ReadLimit    int64
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Buffer:       16,
		WriteTimeout: 2 * time.Second,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		ReadLimit:    4096,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	d := DefaultSessionOptions()
	if o.Buffer <= 0 {
		o.Buffer = d.Buffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = d.ReadLimit
	}
	return o
}

// Session is one authenticated push connection. Sends are queued; a single
// writer goroutine owns all writes to the connection.
type Session struct {
	handle string
	actor  orderitem.Actor
	expiry time.Time
	conn   Conn
	opts   SessionOptions
	logger *zap.Logger

	state     atomic.Int32
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

func NewSession(handle string, conn Conn, actor orderitem.Actor, expiry time.Time, opts SessionOptions, logger *zap.Logger) *Session {
	opts = opts.withDefaults()
	return &Session{
		handle: handle,
		actor:  actor,
		expiry: expiry,
		conn:   conn,
		opts:   opts,
		logger: logging.OrNop(logger).With(zap.Stringer("actor", actor), zap.String("handle", handle)),
		send:   make(chan []byte, opts.Buffer),
		done:   make(chan struct{}),
	}
}

func (s *Session) Handle() string         { return s.handle }
func (s *Session) Actor() orderitem.Actor { return s.actor }
func (s *Session) Expiry() time.Time      { return s.expiry }
func (s *Session) State() SessionState    { return SessionState(s.state.Load()) }

// Done is closed once the session is closed
func (s *Session) Done() <-chan struct{} { return s.done }

// Start moves the session to ACTIVE and launches its writer
func (s *Session) Start() {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive)) {
		return
	}
	s.writerWG.Add(1)
	go s.writeLoop()
}

// Send queues a payload. It never blocks: a full buffer or an inactive
// session yields ErrPushDelivery.
func (s *Session) Send(payload []byte) error {
	if s.State() != StateActive {
		return ErrPushDelivery
	}
	select {
	case <-s.done:
		return ErrPushDelivery
	case s.send <- payload:
		return nil
	default:
		return ErrPushDelivery
	}
}

// Close is idempotent
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
		_ = s.conn.Close()
	})
}

// ReadLoop consumes client frames until the connection fails, ctx is done
// or the session is closed. Clients are not expected to send data; frames
// only keep the pong deadline moving.
func (s *Session) ReadLoop(ctx context.Context) {
	defer s.Close()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	s.conn.SetReadLimit(s.opts.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.State() == StateActive {
				s.logger.Debug("read failed", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	}
}

// Wait blocks until the writer has exited
func (s *Session) Wait() {
	s.writerWG.Wait()
}

func (s *Session) writeLoop() {
	defer s.writerWG.Done()
	defer s.Close()

	ping := time.NewTicker(s.opts.PingInterval)
	defer ping.Stop()
	expire := time.NewTimer(time.Until(s.expiry))
	defer expire.Stop()

	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warn("push write failed, closing session", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteTimeout)); err != nil {
				s.logger.Debug("ping failed, closing session", zap.Error(err))
				return
			}
		case <-expire.C:
			s.logger.Info("authentication expired, closing session")
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrAuthExpired.Error())
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteTimeout))
			return
		}
	}
}
