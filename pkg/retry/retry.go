package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBudgetExhausted is wrapped by errors returned after the last attempt fails.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Class tells the retry loop what to do with an error
type Class int

const (
	Fatal     Class = iota // Stop immediately and surface the error
	Transient              // Sleep and try again while budget remains
	Exists                 // The target already exists; treat as success
)

func (c Class) String() string {
	switch c {
	case Fatal:
		return "fatal"
	case Transient:
		return "transient"
	case Exists:
		return "exists"
	default:
		return "unknown"
	}
}

// Config holds retry configuration
type Config struct {
	MaxRetries     int                   // Maximum number of retry attempts
	InitialBackoff time.Duration         // Initial backoff duration
	MaxBackoff     time.Duration         // Maximum backoff duration
	Multiplier     float64               // Backoff multiplier (1.0 = fixed delay)
	Classify       func(err error) Class // nil treats every error as transient
	OnRetry        func(attempt int, err error, wait time.Duration)
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Fixed returns a config that sleeps the same delay between at most attempts tries.
func Fixed(delay time.Duration, attempts int) Config {
	if attempts < 1 {
		attempts = 1
	}
	return Config{
		MaxRetries:     attempts - 1,
		InitialBackoff: delay,
		MaxBackoff:     delay,
		Multiplier:     1.0,
	}
}

// WithClassifier returns a copy of the config using classify
func (c Config) WithClassifier(classify func(error) Class) Config {
	c.Classify = classify
	return c
}

// Outcome is the typed result of Run
type Outcome struct {
	Attempts int   // Number of times fn was called
	Exists   bool  // The final error was classified Exists
	Err      error // nil on success or Exists
}

// OK reports whether the operation succeeded or found an existing target
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Run executes fn with backoff, discriminating errors through Classify.
func Run(ctx context.Context, config Config, fn func() error) Outcome {
	classify := config.Classify
	if classify == nil {
		classify = func(error) Class { return Transient }
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return Outcome{Attempts: attempt, Err: fmt.Errorf("retry cancelled: %w", ctx.Err())}
		default:
		}

		err := fn()
		if err == nil {
			return Outcome{Attempts: attempt + 1}
		}

		switch classify(err) {
		case Exists:
			return Outcome{Attempts: attempt + 1, Exists: true}
		case Fatal:
			return Outcome{Attempts: attempt + 1, Err: err}
		}

		lastErr = err

		// Don't sleep after last attempt
		if attempt == config.MaxRetries {
			break
		}

		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, backoff)
		}

		select {
		case <-ctx.Done():
			return Outcome{Attempts: attempt + 1, Err: fmt.Errorf("retry cancelled: %w", ctx.Err())}
		case <-time.After(backoff):
		}

		if config.Multiplier > 1 {
			backoff = time.Duration(float64(backoff) * config.Multiplier)
		}
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return Outcome{
		Attempts: config.MaxRetries + 1,
		Err:      fmt.Errorf("%w: max retries (%d) exceeded: %w", ErrBudgetExhausted, config.MaxRetries, lastErr),
	}
}

// Do executes fn with retries and returns only the error
func Do(ctx context.Context, config Config, fn func() error) error {
	return Run(ctx, config, fn).Err
}

// IsRetryable checks if an error looks like a transient network failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"throttl",
		"slow down",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
