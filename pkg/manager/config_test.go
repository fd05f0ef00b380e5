package manager

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	if cfg.BusBufferSize != 256 {
		t.Errorf("Expected bus buffer 256, got %d", cfg.BusBufferSize)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("Expected shutdown timeout 5s, got %s", cfg.ShutdownTimeout)
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("SDL_TM_BUS_BUFFER", "64")
	t.Setenv("SDL_TM_DROP_SLOW", "true")
	t.Setenv("SDL_TM_JOURNAL_SIZE", "100")
	t.Setenv("SDL_TM_QUEUE_WARN", "not-a-number")
	t.Setenv("SDL_TM_SHUTDOWN_TIMEOUT", "750ms")

	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Config invalid after env: %v", err)
	}
	if cfg.BusBufferSize != 64 {
		t.Errorf("Expected bus buffer 64, got %d", cfg.BusBufferSize)
	}
	if !cfg.DropSlowSubscribers {
		t.Error("Expected drop slow enabled")
	}
	if cfg.JournalSize != 100 {
		t.Errorf("Expected journal 100, got %d", cfg.JournalSize)
	}
	if cfg.QueueWarnDepth != 1024 {
		t.Errorf("Expected malformed value ignored, got %d", cfg.QueueWarnDepth)
	}
	if cfg.ShutdownTimeout != 750*time.Millisecond {
		t.Errorf("Expected 750ms, got %s", cfg.ShutdownTimeout)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"negative bus buffer", func(c *Config) { c.BusBufferSize = -1 }, "bus buffer"},
		{"zero error bus", func(c *Config) { c.ErrorBusBufferSize = 0 }, "error bus"},
		{"zero journal", func(c *Config) { c.JournalSize = 0 }, "journal"},
		{"zero warn depth", func(c *Config) { c.QueueWarnDepth = 0 }, "queue warn"},
		{"zero timeout", func(c *Config) { c.ShutdownTimeout = 0 }, "shutdown timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.JournalSize = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("Expected New to fail")
	}
}
