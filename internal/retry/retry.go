// Package retry provides bounded retries with exponential backoff. The
// dispatcher uses it for row-lock contention and the session manager for its
// keepalive retry budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
)

// RetryConfig holds configuration for the retry mechanism
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
	JitterRange       float64       `json:"jitter_range"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		JitterRange:       0.1,
	}
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context, attempt int) error

// RetryResult represents the result of a retry operation
type RetryResult struct {
	Success   bool          `json:"success"`
	Attempts  int           `json:"attempts"`
	TotalTime time.Duration `json:"total_time"`
	LastError error         `json:"last_error,omitempty"`
}

// RetryStats tracks retry statistics
type RetryStats struct {
	TotalRetries      int64   `json:"total_retries"`
	SuccessfulRetries int64   `json:"successful_retries"`
	FailedRetries     int64   `json:"failed_retries"`
	AverageAttempts   float64 `json:"average_attempts"`
}

// Retryer runs functions with bounded retries. Only errors accepted by the
// retryable predicate are retried; any other error ends the attempt loop at
// once.
type Retryer struct {
	config    *RetryConfig
	retryable func(error) bool
	stats     *RetryStats
	mu        sync.RWMutex
}

// Option customizes a Retryer.
type Option func(*Retryer)

// On restricts retries to errors matching one of targets via errors.Is.
func On(targets ...error) Option {
	return func(r *Retryer) {
		r.retryable = func(err error) bool {
			for _, t := range targets {
				if errors.Is(err, t) {
					return true
				}
			}
			return false
		}
	}
}

// NewRetryer creates a retryer reading its settings below the given config
// prefix (e.g. "transaction.retry").
func NewRetryer(cfg config.Provider, prefix string, opts ...Option) (*Retryer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	retryConfig := DefaultRetryConfig()

	if maxAttempts, err := cfg.GetInt(prefix+".max_attempts", retryConfig.MaxAttempts); err == nil {
		retryConfig.MaxAttempts = maxAttempts
	}

	if initialDelay, err := cfg.GetDuration(prefix+".initial_delay", retryConfig.InitialDelay); err == nil {
		retryConfig.InitialDelay = initialDelay
	}

	if maxDelay, err := cfg.GetDuration(prefix+".max_delay", retryConfig.MaxDelay); err == nil {
		retryConfig.MaxDelay = maxDelay
	}

	if backoffMultiplier, err := cfg.GetFloat(prefix+".backoff_multiplier", retryConfig.BackoffMultiplier); err == nil {
		retryConfig.BackoffMultiplier = backoffMultiplier
	}

	if jitter, err := cfg.GetBool(prefix+".jitter", retryConfig.Jitter); err == nil {
		retryConfig.Jitter = jitter
	}

	return New(retryConfig, opts...)
}

// New creates a retryer from an explicit configuration.
func New(retryConfig *RetryConfig, opts ...Option) (*Retryer, error) {
	if retryConfig == nil {
		return nil, fmt.Errorf("retry configuration cannot be nil")
	}
	if retryConfig.MaxAttempts < 1 {
		return nil, fmt.Errorf("max_attempts must be at least 1, got %d", retryConfig.MaxAttempts)
	}

	r := &Retryer{
		config:    retryConfig,
		retryable: func(error) bool { return true },
		stats:     &RetryStats{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retry executes fn until it succeeds, returns a non-retryable error, the
// attempt budget is spent or ctx ends.
func (r *Retryer) Retry(ctx context.Context, fn RetryableFunc) *RetryResult {
	r.mu.Lock()
	r.stats.TotalRetries++
	r.mu.Unlock()

	startTime := time.Now()
	var lastError error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return r.fail(attempt-1, startTime, err)
		}

		err := fn(ctx, attempt)
		if err == nil {
			r.record(true, attempt)
			return &RetryResult{
				Success:   true,
				Attempts:  attempt,
				TotalTime: time.Since(startTime),
			}
		}

		lastError = err
		if !r.retryable(err) {
			return r.fail(attempt, startTime, err)
		}

		// Don't wait after the last attempt
		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return r.fail(attempt, startTime, ctx.Err())
		case <-time.After(r.calculateDelay(attempt)):
		}
	}

	return r.fail(r.config.MaxAttempts, startTime, lastError)
}

func (r *Retryer) fail(attempts int, start time.Time, err error) *RetryResult {
	r.record(false, attempts)
	return &RetryResult{
		Success:   false,
		Attempts:  attempts,
		TotalTime: time.Since(start),
		LastError: err,
	}
}

// calculateDelay calculates the delay for the next retry attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		jitterRange := delay * r.config.JitterRange
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(r.config.InitialDelay)
		}
	}

	return time.Duration(delay)
}

func (r *Retryer) record(success bool, attempts int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if success {
		r.stats.SuccessfulRetries++
	} else {
		r.stats.FailedRetries++
	}
	totalOps := r.stats.SuccessfulRetries + r.stats.FailedRetries
	r.stats.AverageAttempts = (r.stats.AverageAttempts*float64(totalOps-1) + float64(attempts)) / float64(totalOps)
}

// GetStats returns retry statistics
func (r *Retryer) GetStats() *RetryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := *r.stats
	return &stats
}

// GetConfig returns the retry configuration
func (r *Retryer) GetConfig() *RetryConfig {
	return r.config
}
