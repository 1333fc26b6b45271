// Package gateway serves the real-time WebSocket protocol. Each connection
// is a session that routes client frames to the services and forwards bus
// events for the conversations it subscribed to.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/bus"
	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/internal/presence"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

const (
	DefaultPingInterval = 20 * time.Second
	DefaultPongTimeout  = 20 * time.Second
)

// Config tunes gateway sessions.
type Config struct {
	InstanceID   string
	PingInterval time.Duration
	PongTimeout  time.Duration
}

// Services are the collaborators a session routes frames to.
type Services struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Receipts      *service.ReceiptService
	Calls         *service.CallService
	Bus           bus.Bus
	Notifier      *event.Notifier
	Presence      presence.Registry
}

// Gateway accepts WebSocket connections and runs a session per connection.
type Gateway struct {
	svc    Services
	cfg    Config
	verify func(token string) (string, error)
	logger *logger.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// New creates a gateway. verify maps a bearer token to a user id.
func New(svc Services, verify func(token string) (string, error), cfg Config, log *logger.Logger) *Gateway {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		svc:    svc,
		cfg:    cfg,
		verify: verify,
		logger: log.Named("gateway"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ServeHTTP authenticates the request and upgrades it to a session.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := middleware.WebSocketToken(r)
	if err != nil {
		writeUnauthorized(w)
		return
	}
	userID, err := g.verify(token)
	if err != nil {
		g.logger.Debug("rejected websocket token", zap.Error(err))
		writeUnauthorized(w)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Warn("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	g.Serve(newWSConn(ws), userID, r.URL.Query().Get("platform"))
}

// Serve runs a session for an authenticated connection until it ends.
func (g *Gateway) Serve(conn Conn, userID, platform string) {
	g.sessions.Add(1)
	defer g.sessions.Done()

	if g.ctx.Err() != nil {
		conn.Close()
		return
	}
	newSession(g, conn, userID, platform).run()
}

// Shutdown ends every session and waits for their cleanup.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"unauthorized","code":"unauthorized"}`))
}
