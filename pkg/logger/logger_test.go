package logger

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"WARNING", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"verbose", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestForEnvironment(t *testing.T) {
	dev, err := ForEnvironment("Development", "error")
	if err != nil {
		t.Fatalf("ForEnvironment(development): %v", err)
	}
	if !dev.Core().Enabled(zapcore.DebugLevel) {
		t.Error("development logger should log debug")
	}

	prod, err := ForEnvironment("production", "warn")
	if err != nil {
		t.Fatalf("ForEnvironment(production): %v", err)
	}
	if prod.Core().Enabled(zapcore.InfoLevel) || !prod.Core().Enabled(zapcore.WarnLevel) {
		t.Error("production logger should honor the configured level")
	}
}
