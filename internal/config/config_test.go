package config

import (
	"strings"
	"testing"
	"time"
)

var allKeys = []string{
	"PORT", "INSTANCE_ID", "DATABASE_URL", "REDIS_URL", "NATS_URL",
	"SEQUENCER_MODE", "SEQUENCER_BACKEND", "BUS_BACKEND", "BUS_QUEUE_LIMIT",
	"JWT_SECRET", "WS_PING_INTERVAL", "WS_PONG_TIMEOUT", "STUN_SERVERS",
	"TURN_SERVER", "TURN_USERNAME", "TURN_PASSWORD", "DEFAULT_LLM", "CORS_ORIGINS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q", cfg.ServerPort)
	}
	if cfg.SequencerMode != "local" || cfg.BusBackend != BackendLocal {
		t.Errorf("mode/bus = %q/%q", cfg.SequencerMode, cfg.BusBackend)
	}
	if cfg.WSPingInterval != 20*time.Second || cfg.WSPongTimeout != 20*time.Second {
		t.Errorf("heartbeat = %v/%v", cfg.WSPingInterval, cfg.WSPongTimeout)
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want memory store", cfg.DatabaseURL)
	}
	if cfg.BusQueueLimit != 0 {
		t.Errorf("BusQueueLimit = %d, want unbounded", cfg.BusQueueLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if cfg.NeedsRedis() || cfg.NeedsNATS() {
		t.Error("default config should not need redis or nats")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SEQUENCER_MODE", "Shared")
	t.Setenv("SEQUENCER_BACKEND", "nats")
	t.Setenv("NATS_URL", "nats://nats:4222")
	t.Setenv("BUS_BACKEND", "nats")
	t.Setenv("WS_PING_INTERVAL", "5s")
	t.Setenv("STUN_SERVERS", "stun:a:3478, ,stun:b:3478")
	t.Setenv("BUS_QUEUE_LIMIT", "not-a-number")

	cfg := Load()
	if cfg.SequencerMode != "shared" {
		t.Errorf("SequencerMode = %q", cfg.SequencerMode)
	}
	if cfg.WSPingInterval != 5*time.Second {
		t.Errorf("WSPingInterval = %v", cfg.WSPingInterval)
	}
	if len(cfg.STUNServers) != 2 || cfg.STUNServers[1] != "stun:b:3478" {
		t.Errorf("STUNServers = %v", cfg.STUNServers)
	}
	if cfg.BusQueueLimit != 0 {
		t.Errorf("BusQueueLimit = %d, want default on parse error", cfg.BusQueueLimit)
	}
	if !cfg.NeedsNATS() {
		t.Error("NeedsNATS = false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "shared without redis url",
			env:  map[string]string{"SEQUENCER_MODE": "shared"},
			want: "requires REDIS_URL",
		},
		{
			name: "degraded nats without url",
			env:  map[string]string{"SEQUENCER_MODE": "degraded", "SEQUENCER_BACKEND": "nats"},
			want: "requires NATS_URL",
		},
		{
			name: "unknown mode",
			env:  map[string]string{"SEQUENCER_MODE": "eventual"},
			want: "unknown SEQUENCER_MODE",
		},
		{
			name: "redis bus without url",
			env:  map[string]string{"BUS_BACKEND": "redis"},
			want: "BUS_BACKEND=redis",
		},
		{
			name: "negative queue limit",
			env:  map[string]string{"BUS_QUEUE_LIMIT": "-1"},
			want: "BUS_QUEUE_LIMIT",
		},
		{
			name: "unknown bus",
			env:  map[string]string{"BUS_BACKEND": "kafka"},
			want: "unknown BUS_BACKEND",
		},
		{
			name: "turn credentials without server",
			env:  map[string]string{"TURN_USERNAME": "u"},
			want: "TURN_SERVER",
		},
		{
			name: "unknown llm",
			env:  map[string]string{"DEFAULT_LLM": "llama"},
			want: "DEFAULT_LLM",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			err := Load().Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestValidateAcceptsQueueLimits(t *testing.T) {
	for _, limit := range []string{"0", "64"} {
		t.Run(limit, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("BUS_QUEUE_LIMIT", limit)
			if err := Load().Validate(); err != nil {
				t.Errorf("BUS_QUEUE_LIMIT=%s rejected: %v", limit, err)
			}
		})
	}
}
