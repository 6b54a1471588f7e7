package broadcast

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig tunes the exponential backoff between reconnect attempts.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
	JitterFactor    float64
}

// DefaultBackoffConfig returns the reconnection policy used when none is
// provided: 1s doubling to 30s, ten attempts, 20% jitter.
func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		MaxAttempts:     10,
		Jitter:          true,
		JitterFactor:    0.2,
	}
}

// Validate checks the configuration for consistency.
func (bc *BackoffConfig) Validate() error {
	if bc.InitialInterval <= 0 {
		return ErrInvalidBackoffConfig
	}
	if bc.MaxInterval < bc.InitialInterval {
		return ErrInvalidBackoffConfig
	}
	if bc.Multiplier <= 0 {
		return ErrInvalidBackoffConfig
	}
	if bc.JitterFactor < 0 || bc.JitterFactor > 1 {
		return ErrInvalidBackoffConfig
	}
	return nil
}

// Backoff produces the sequence of waits between reconnect attempts.
type Backoff struct {
	config  *BackoffConfig
	attempt int
}

// NewBackoff creates a Backoff from config, defaulting when nil.
func NewBackoff(config *BackoffConfig) (*Backoff, error) {
	if config == nil {
		config = DefaultBackoffConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Backoff{config: config}, nil
}

// Next returns the wait before the next attempt, or false when attempts are
// exhausted.
func (b *Backoff) Next() (time.Duration, bool) {
	if b.config.MaxAttempts > 0 && b.attempt >= b.config.MaxAttempts {
		return 0, false
	}

	interval := float64(b.config.InitialInterval) * math.Pow(b.config.Multiplier, float64(b.attempt))
	if interval > float64(b.config.MaxInterval) {
		interval = float64(b.config.MaxInterval)
	}
	if b.config.Jitter {
		jitter := interval * b.config.JitterFactor
		interval = interval - jitter + rand.Float64()*2*jitter
	}

	b.attempt++
	return time.Duration(interval), true
}

// Reset rewinds the attempt counter after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of attempts made since the last reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
