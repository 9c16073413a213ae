package httpclient

import (
	"time"

	"github.com/blockflow/blockflow/pkg/errors"
)

// Config controls timeout, retry, and guard behavior of a client.
type Config struct {
	// Timeout is the total request timeout, retries included.
	Timeout time.Duration

	// RetryAttempts is the maximum number of retries after the initial
	// attempt. Zero disables the retry layer entirely.
	RetryAttempts int

	// RetryBackoff is the delay before the first retry; subsequent retries
	// back off exponentially with jitter.
	RetryBackoff time.Duration

	// BackoffMultiplier scales the delay between consecutive retries.
	// Values below 1 are treated as 1 (constant delay).
	BackoffMultiplier float64

	// MaxBackoff caps the per-retry delay.
	MaxBackoff time.Duration

	// UserAgent is sent on requests that do not set their own.
	UserAgent string

	// AllowNonIdempotentRetry permits retrying POST/PUT/PATCH/DELETE.
	// Leave false unless requests carry idempotency keys.
	AllowNonIdempotentRetry bool

	// GuardPrivateAddresses rejects requests whose host resolves into
	// loopback, private, or link-local ranges before any connection is
	// attempted. Workflow fetch traffic always runs with this on.
	GuardPrivateAddresses bool
}

// DefaultConfig returns the defaults used by the fetch block.
func DefaultConfig() Config {
	return Config{
		Timeout:               30 * time.Second,
		RetryAttempts:         1,
		RetryBackoff:          time.Second,
		BackoffMultiplier:     2,
		MaxBackoff:            30 * time.Second,
		UserAgent:             "blockflow/1.0",
		GuardPrivateAddresses: true,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return &errors.ConfigError{Key: "timeout", Reason: "must be positive"}
	}
	if c.RetryAttempts < 0 {
		return &errors.ConfigError{Key: "retry_attempts", Reason: "must not be negative"}
	}
	if c.RetryAttempts > 0 {
		if c.RetryBackoff <= 0 {
			return &errors.ConfigError{Key: "retry_backoff", Reason: "must be positive when retries are enabled"}
		}
		if c.MaxBackoff < c.RetryBackoff {
			return &errors.ConfigError{Key: "max_backoff", Reason: "must be at least retry_backoff"}
		}
	}
	if c.UserAgent == "" {
		return &errors.ConfigError{Key: "user_agent", Reason: "must not be empty"}
	}
	return nil
}
