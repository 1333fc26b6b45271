// Package main is the entry point for the conversation engine server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/conversation-engine/internal/assistant"
	"github.com/capitalize-ai/conversation-engine/internal/bus"
	"github.com/capitalize-ai/conversation-engine/internal/config"
	"github.com/capitalize-ai/conversation-engine/internal/event"
	"github.com/capitalize-ai/conversation-engine/internal/gateway"
	"github.com/capitalize-ai/conversation-engine/internal/handler"
	"github.com/capitalize-ai/conversation-engine/internal/llm"
	"github.com/capitalize-ai/conversation-engine/internal/middleware"
	natsclient "github.com/capitalize-ai/conversation-engine/internal/nats"
	"github.com/capitalize-ai/conversation-engine/internal/presence"
	"github.com/capitalize-ai/conversation-engine/internal/rtc"
	"github.com/capitalize-ai/conversation-engine/internal/sequencer"
	"github.com/capitalize-ai/conversation-engine/internal/service"
	"github.com/capitalize-ai/conversation-engine/internal/store"
	"github.com/capitalize-ai/conversation-engine/pkg/logger"
	"github.com/capitalize-ai/conversation-engine/pkg/tracing"
)

const serviceName = "conversation-engine"

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.ForEnvironment(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("starting conversation engine",
		zap.String("sequencer_mode", cfg.SequencerMode),
		zap.String("bus_backend", cfg.BusBackend),
	)

	ctx := context.Background()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	checks := map[string]handler.Check{"store": st.Ping}

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient, err = connectRedis(ctx, cfg)
		if err != nil {
			log.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer redisClient.Close()
		checks["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}

	var natsClient *natsclient.Client
	if cfg.NeedsNATS() {
		natsClient, err = natsclient.Connect(ctx, natsclient.Config{
			Name:     serviceName,
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			log.Fatal("failed to connect to NATS", zap.Error(err))
		}
		defer natsClient.Close()
		checks["nats"] = natsClient.Ping
	}

	// Sequencer
	local := sequencer.NewLocalCounter(func(ctx context.Context, conversationID string) (int64, error) {
		conv, err := st.GetConversation(ctx, conversationID)
		if err != nil {
			return 0, err
		}
		return conv.LastSeq, nil
	})
	var shared sequencer.Counter
	if sequencer.Mode(cfg.SequencerMode) != sequencer.ModeLocal {
		switch cfg.SequencerBackend {
		case config.BackendNATS:
			kv, err := natsClient.EnsureCounterBucket(ctx, cfg.NATSKVBucket)
			if err != nil {
				log.Fatal("failed to open counter bucket", zap.Error(err))
			}
			shared = natsclient.NewKVCounter(kv)
		default:
			shared = sequencer.NewRedisCounter(redisClient)
		}
	}
	seq, err := sequencer.New(sequencer.Mode(cfg.SequencerMode), shared, local, log)
	if err != nil {
		log.Fatal("failed to create sequencer", zap.Error(err))
	}

	// Event bus
	var eventBus bus.Bus
	switch cfg.BusBackend {
	case config.BackendNATS:
		eventBus = bus.NewNATSBus(natsClient.Conn(), cfg.BusQueueLimit, log)
	case config.BackendRedis:
		eventBus = bus.NewRedisBus(redisClient, cfg.BusQueueLimit, log)
	default:
		eventBus = bus.NewLocalBus(cfg.BusQueueLimit)
	}
	defer eventBus.Close()
	notifier := event.NewNotifier(eventBus, log)

	// Presence
	var registry presence.Registry
	if redisClient != nil {
		registry = presence.NewRedisRegistry(redisClient, cfg.PresenceTTL)
	} else {
		registry = presence.NewMemoryRegistry(cfg.PresenceTTL)
	}

	// Initialize services
	conversationSvc := service.NewConversationService(st, log)
	messageSvc := service.NewMessageService(st, seq, notifier, nil, log)
	receiptSvc := service.NewReceiptService(st, notifier, log)
	ice := rtc.NewStaticICE(rtc.ICEOptions{
		STUNServers:  cfg.STUNServers,
		TURNServer:   cfg.TURNServer,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	})
	callSvc := service.NewCallService(st, notifier, ice, cfg.CallRingTimeout, log)
	defer callSvc.Close()

	// Assistant participants answer through the same ingestion pipeline
	if responder := newResponder(cfg, st, messageSvc, log); responder != nil {
		messageSvc.Observe(responder)
		defer responder.Close()
	}

	gw := gateway.New(gateway.Services{
		Conversations: conversationSvc,
		Messages:      messageSvc,
		Receipts:      receiptSvc,
		Calls:         callSvc,
		Bus:           eventBus,
		Notifier:      notifier,
		Presence:      registry,
	}, middleware.VerifyFunc(cfg.JWTSecret), gateway.Config{
		InstanceID:   cfg.InstanceID,
		PingInterval: cfg.WSPingInterval,
		PongTimeout:  cfg.WSPongTimeout,
	}, log)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Health:            handler.NewHealthHandler(checks),
		Conversations:     handler.NewConversationHandler(conversationSvc, receiptSvc, log),
		Messages:          handler.NewMessageHandler(messageSvc, log),
		Receipts:          handler.NewReceiptHandler(receiptSvc, log),
		Calls:             handler.NewCallHandler(callSvc, log),
		Stream:            handler.NewStreamHandler(messageSvc, conversationSvc, eventBus, log),
		WebSocket:         gw,
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by the server.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Error("gateway sessions did not drain", zap.Error(err))
	}

	log.Info("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), nil
	}
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB != 0 {
		opts.DB = cfg.RedisDB
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// newResponder builds the assistant responder for the configured provider.
// It returns nil when no API key is available.
func newResponder(cfg *config.Config, st store.Store, msgs *service.MessageService, log *logger.Logger) *assistant.Responder {
	provider, key := llm.ProviderAnthropic, cfg.AnthropicAPIKey
	if cfg.DefaultLLM == string(llm.ProviderOpenAI) || key == "" {
		if cfg.OpenAIAPIKey != "" {
			provider, key = llm.ProviderOpenAI, cfg.OpenAIAPIKey
		}
	}
	if key == "" {
		log.Info("no LLM API key configured, assistant participants disabled")
		return nil
	}

	client, err := llm.NewClient(provider, key)
	if err != nil {
		log.Warn("failed to create LLM client, assistant participants disabled", zap.Error(err))
		return nil
	}
	return assistant.New(client, st, msgs, assistant.Config{
		Model:     cfg.AssistantModel,
		System:    cfg.AssistantSystemPrompt,
		MaxTokens: cfg.AssistantMaxTokens,
		Buffered:  cfg.AssistantBuffered,
	}, log)
}
