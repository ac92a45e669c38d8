package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/kartikbazzad/docquery/internal/errors"
)

type Config struct {
	Query      QueryConfig
	Routing    RoutingConfig
	Retry      RetryConfig
	Log        LogConfig
	Checkpoint CheckpointConfig
	Server     ServerConfig
}

// QueryConfig configures cross-partition execution.
type QueryConfig struct {
	MaxConcurrency       int           // Background prefetch tasks (0 = prefetch disabled)
	MaxBufferedItemCount int64         // Backpressure: rows buffered but not consumed
	MaxPageSize          int           // Cap for adaptive page growth
	InitialPageSize      int           // First request page size per range
	DeferFirstPage       bool          // Skip synchronous priming at initialization
	Timeout              time.Duration // Per-query timeout (0 = none)
}

type RoutingConfig struct {
	CacheSize int // Collections kept in the routing-map cache
}

type RetryConfig struct {
	MaxRetries       int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	RetriesPerSecond float64 // Shared retry budget per query (0 = unlimited)
	Burst            int
}

type LogConfig struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // json, text
}

type CheckpointConfig struct {
	Path string // SQLite file for saved continuations ("" = disabled)
}

type ServerConfig struct {
	Addr string
}

func DefaultConfig() *Config {
	return &Config{
		Query: QueryConfig{
			MaxConcurrency:       runtime.NumCPU(),
			MaxBufferedItemCount: 10000,
			MaxPageSize:          1000,
			InitialPageSize:      100,
			DeferFirstPage:       false,
			Timeout:              30 * time.Second,
		},
		Routing: RoutingConfig{
			CacheSize: 128,
		},
		Retry: RetryConfig{
			MaxRetries:       5,
			InitialDelay:     10 * time.Millisecond,
			MaxDelay:         time.Second,
			RetriesPerSecond: 50,
			Burst:            10,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
		Checkpoint: CheckpointConfig{
			Path: "",
		},
		Server: ServerConfig{
			Addr: ":8085",
		},
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	q := c.Query
	switch {
	case q.MaxConcurrency < 0:
		return fmt.Errorf("%w: query.maxconcurrency must be >= 0, got %d", errors.ErrInvalidConfig, q.MaxConcurrency)
	case q.MaxBufferedItemCount <= 0:
		return fmt.Errorf("%w: query.maxbuffereditemcount must be > 0, got %d", errors.ErrInvalidConfig, q.MaxBufferedItemCount)
	case q.MaxPageSize <= 0:
		return fmt.Errorf("%w: query.maxpagesize must be > 0, got %d", errors.ErrInvalidConfig, q.MaxPageSize)
	case q.InitialPageSize <= 0 || q.InitialPageSize > q.MaxPageSize:
		return fmt.Errorf("%w: query.initialpagesize must be in (0, %d], got %d", errors.ErrInvalidConfig, q.MaxPageSize, q.InitialPageSize)
	case q.Timeout < 0:
		return fmt.Errorf("%w: query.timeout must be >= 0", errors.ErrInvalidConfig)
	}
	if c.Routing.CacheSize <= 0 {
		return fmt.Errorf("%w: routing.cachesize must be > 0, got %d", errors.ErrInvalidConfig, c.Routing.CacheSize)
	}
	if c.Retry.MaxRetries < 0 || c.Retry.RetriesPerSecond < 0 {
		return fmt.Errorf("%w: retry settings must be >= 0", errors.ErrInvalidConfig)
	}
	return nil
}

// RetryOptions converts the retry section for errors.NewRetryControllerWithOptions.
func (c *Config) RetryOptions() errors.RetryOptions {
	return errors.RetryOptions{
		InitialDelay:     c.Retry.InitialDelay,
		MaxDelay:         c.Retry.MaxDelay,
		MaxRetries:       c.Retry.MaxRetries,
		RetriesPerSecond: c.Retry.RetriesPerSecond,
		Burst:            c.Retry.Burst,
	}
}
