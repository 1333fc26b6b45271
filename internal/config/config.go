// Package config provides environment configuration for the API server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend names accepted by SEQUENCER_BACKEND and BUS_BACKEND.
const (
	BackendLocal = "local"
	BackendRedis = "redis"
	BackendNATS  = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	InstanceID         string

	// Storage; an empty URL selects the in-memory store
	DatabaseURL string

	// Redis settings
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSKVBucket string

	// Sequencing and fan-out
	SequencerMode    string
	SequencerBackend string
	BusBackend       string
	// BusQueueLimit bounds each subscriber queue; 0 leaves it unbounded
	BusQueueLimit    int

	// JWT settings
	JWTSecret string

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSOrigins       []string

	// Gateway and presence
	WSPingInterval time.Duration
	WSPongTimeout  time.Duration
	PresenceTTL    time.Duration

	// Calls
	CallRingTimeout time.Duration
	STUNServers     []string
	TURNServer      string
	TURNUsername    string
	TURNPassword    string

	// LLM settings
	AnthropicAPIKey       string
	OpenAIAPIKey          string
	DefaultLLM            string
	AssistantModel        string
	AssistantSystemPrompt string
	AssistantMaxTokens    int
	AssistantBuffered     bool

	// Logging
	Environment string
	LogLevel    string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		InstanceID:         getEnv("INSTANCE_ID", ""),

		// Storage
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// Redis
		RedisURL:      getEnv("REDIS_URL", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		// NATS
		NATSURL:      getEnv("NATS_URL", ""),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		NATSKVBucket: getEnv("NATS_KV_BUCKET", "SEQUENCES"),

		// Sequencing and fan-out
		SequencerMode:    strings.ToLower(getEnv("SEQUENCER_MODE", "local")),
		SequencerBackend: strings.ToLower(getEnv("SEQUENCER_BACKEND", BackendRedis)),
		BusBackend:       strings.ToLower(getEnv("BUS_BACKEND", BackendLocal)),
		BusQueueLimit:    getIntEnv("BUS_QUEUE_LIMIT", 0),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		CORSOrigins:       getListEnv("CORS_ORIGINS"),

		// Gateway and presence
		WSPingInterval: getDurationEnv("WS_PING_INTERVAL", 20*time.Second),
		WSPongTimeout:  getDurationEnv("WS_PONG_TIMEOUT", 20*time.Second),
		PresenceTTL:    getDurationEnv("PRESENCE_TTL", 60*time.Second),

		// Calls
		CallRingTimeout: getDurationEnv("CALL_RING_TIMEOUT", 45*time.Second),
		STUNServers:     getListEnv("STUN_SERVERS"),
		TURNServer:      getEnv("TURN_SERVER", ""),
		TURNUsername:    getEnv("TURN_USERNAME", ""),
		TURNPassword:    getEnv("TURN_PASSWORD", ""),

		// LLM
		AnthropicAPIKey:       getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:          getEnv("OPENAI_API_KEY", ""),
		DefaultLLM:            strings.ToLower(getEnv("DEFAULT_LLM", "anthropic")),
		AssistantModel:        getEnv("ASSISTANT_MODEL", ""),
		AssistantSystemPrompt: getEnv("ASSISTANT_SYSTEM_PROMPT", ""),
		AssistantMaxTokens:    getIntEnv("ASSISTANT_MAX_TOKENS", 1024),
		AssistantBuffered:     getBoolEnv("ASSISTANT_BUFFERED", false),

		// Logging
		Environment: getEnv("ENV", "production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate rejects settings that cannot be wired together.
func (c *Config) Validate() error {
	var errs []error

	switch c.SequencerMode {
	case "local":
	case "shared", "degraded":
		switch c.SequencerBackend {
		case BackendRedis:
			if c.RedisURL == "" {
				errs = append(errs, fmt.Errorf("SEQUENCER_MODE=%s with redis backend requires REDIS_URL", c.SequencerMode))
			}
		case BackendNATS:
			if c.NATSURL == "" {
				errs = append(errs, fmt.Errorf("SEQUENCER_MODE=%s with nats backend requires NATS_URL", c.SequencerMode))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown SEQUENCER_BACKEND %q", c.SequencerBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SEQUENCER_MODE %q", c.SequencerMode))
	}

	switch c.BusBackend {
	case BackendLocal:
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("BUS_BACKEND=redis requires REDIS_URL"))
		}
	case BackendNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("BUS_BACKEND=nats requires NATS_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown BUS_BACKEND %q", c.BusBackend))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET must not be empty"))
	}
	if c.BusQueueLimit < 0 {
		errs = append(errs, errors.New("BUS_QUEUE_LIMIT must not be negative"))
	}
	if c.WSPingInterval <= 0 || c.WSPongTimeout <= 0 {
		errs = append(errs, errors.New("WS_PING_INTERVAL and WS_PONG_TIMEOUT must be positive"))
	}
	if (c.TURNUsername != "" || c.TURNPassword != "") && c.TURNServer == "" {
		errs = append(errs, errors.New("TURN credentials require TURN_SERVER"))
	}
	switch c.DefaultLLM {
	case "anthropic", "openai":
	default:
		errs = append(errs, fmt.Errorf("unknown DEFAULT_LLM %q", c.DefaultLLM))
	}

	return errors.Join(errs...)
}

// NeedsRedis reports whether any component is configured to use Redis.
// Presence uses Redis whenever a URL is given.
func (c *Config) NeedsRedis() bool {
	return c.RedisURL != ""
}

// NeedsNATS reports whether any component is configured to use NATS.
func (c *Config) NeedsNATS() bool {
	if c.BusBackend == BackendNATS {
		return true
	}
	return c.SequencerMode != "local" && c.SequencerBackend == BackendNATS
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getListEnv splits a comma-separated value, dropping empty entries.
func getListEnv(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
