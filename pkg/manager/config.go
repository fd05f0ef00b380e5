package manager

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the tunables of a Manager. The daemon decodes it from the
// manager section of its YAML file and then applies SDL_TM_* variables
// through ApplyEnv, so the environment wins over the file.
type Config struct {
	// Event Bus
	BusBufferSize       int  `yaml:"bus_buffer"` // Per-subscriber buffer
	DropSlowSubscribers bool `yaml:"drop_slow"`  // Drop instead of block

	// Error Bus
	ErrorBusBufferSize int `yaml:"error_bus_buffer"` // Diagnostic buffer per sub

	// Journal
	JournalSize int `yaml:"journal_size"` // Retained published events

	// Writer Queue
	QueueWarnDepth int `yaml:"queue_warn"` // Backlog diagnostic threshold

	// Shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Used when Shutdown ctx has no deadline
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BusBufferSize:       256,
		DropSlowSubscribers: false,
		ErrorBusBufferSize:  32,
		JournalSize:         512,
		QueueWarnDepth:      1024,
		ShutdownTimeout:     5 * time.Second,
	}
}

// ApplyEnv overrides c with any SDL_TM_* variables found. Malformed values
// are ignored.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SDL_TM_BUS_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.BusBufferSize = n
		}
	}
	if v := os.Getenv("SDL_TM_DROP_SLOW"); v != "" {
		c.DropSlowSubscribers = v == "true" || v == "1"
	}
	if v := os.Getenv("SDL_TM_ERROR_BUS_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ErrorBusBufferSize = n
		}
	}
	if v := os.Getenv("SDL_TM_JOURNAL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.JournalSize = n
		}
	}
	if v := os.Getenv("SDL_TM_QUEUE_WARN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.QueueWarnDepth = n
		}
	}
	if v := os.Getenv("SDL_TM_SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.ShutdownTimeout = d
		}
	}
}

// Validate checks that configuration values are sensible.
func (c *Config) Validate() error {
	if c.BusBufferSize < 0 {
		return fmt.Errorf("bus buffer size must be >= 0, got %d", c.BusBufferSize)
	}
	if c.ErrorBusBufferSize <= 0 {
		return fmt.Errorf("error bus buffer size must be > 0, got %d", c.ErrorBusBufferSize)
	}
	if c.JournalSize <= 0 {
		return fmt.Errorf("journal size must be > 0, got %d", c.JournalSize)
	}
	if c.QueueWarnDepth <= 0 {
		return fmt.Errorf("queue warn depth must be > 0, got %d", c.QueueWarnDepth)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be > 0, got %s", c.ShutdownTimeout)
	}
	return nil
}
