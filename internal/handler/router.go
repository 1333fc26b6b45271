package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
)

// RouterConfig wires handlers into the HTTP API.
type RouterConfig struct {
	JWTSecret         string
	CORSOrigins       []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Receipts      *ReceiptHandler
	Calls         *CallHandler
	Stream        *StreamHandler
	// WebSocket serves the real-time gateway. It authenticates on its own.
	WebSocket http.Handler
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig, log *logger.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	r.Handle("/metrics", promhttp.Handler())

	if cfg.WebSocket != nil {
		r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).Handle("/ws", cfg.WebSocket)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", cfg.Conversations.Create)
			r.Get("/", cfg.Conversations.List)

			r.Route("/{conversationID}", func(r chi.Router) {
				r.Use(middleware.IDParams("conversationID"))

				r.Get("/", cfg.Conversations.Get)
				r.Get("/members", cfg.Conversations.Members)
				r.Get("/unread", cfg.Conversations.Unread)
				r.Post("/read", cfg.Receipts.Read)

				r.Get("/messages", cfg.Messages.List)
				r.Post("/messages", cfg.Messages.Send)
				r.Post("/stream", cfg.Messages.StreamChunk)
				r.Get("/events", cfg.Stream.Events)

				r.Route("/messages/{messageID}", func(r chi.Router) {
					r.Use(middleware.IDParams("messageID"))
					r.Post("/delivered", cfg.Receipts.Delivered)
					r.Get("/receipts", cfg.Receipts.List)
				})

				r.Post("/calls", cfg.Calls.Initiate)
				r.Get("/calls", cfg.Calls.History)
				r.Get("/calls/active", cfg.Calls.Active)
			})
		})

		r.With(middleware.IDParams("messageID")).Get("/messages/{messageID}", cfg.Messages.Get)

		r.Route("/calls", func(r chi.Router) {
			r.Get("/ice-configuration", cfg.Calls.ICE)

			r.Route("/{callID}", func(r chi.Router) {
				r.Use(middleware.IDParams("callID"))
				r.Get("/", cfg.Calls.Get)
				r.Post("/accept", cfg.Calls.Accept)
				r.Post("/reject", cfg.Calls.Reject)
				r.Post("/hangup", cfg.Calls.Hangup)
				r.Put("/status", cfg.Calls.UpdateStatus)
				r.Post("/signal", cfg.Calls.Signal)
			})
		})
	})

	return r
}
