package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *ServerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Endpoint.HTTPURL == "" {
		return errors.New("endpoint.http_url is required")
	}
	if c.Endpoint.WSURL == "" {
		return errors.New("endpoint.ws_url is required")
	}
	if !strings.HasPrefix(c.Endpoint.WSURL, "ws://") && !strings.HasPrefix(c.Endpoint.WSURL, "wss://") {
		return fmt.Errorf("endpoint.ws_url must be a ws:// or wss:// URL, got %q", c.Endpoint.WSURL)
	}

	if c.Pool.Size < 1 {
		return errors.New("pool.size must be >= 1")
	}
	if c.Pool.RetryAttempts < 1 {
		return errors.New("pool.retry_attempts must be >= 1")
	}
	if c.Pool.ErrorThreshold < 1 {
		return errors.New("pool.error_threshold must be >= 1")
	}

	if c.Complexity.MaxScore <= 0 {
		return errors.New("complexity.max_score must be > 0")
	}

	if c.Subscriptions.MaxReconnectAttempts < 1 {
		return errors.New("subscriptions.max_reconnect_attempts must be >= 1")
	}

	if c.Buffer.MaxUpdatesPerSubscription < 1 {
		return errors.New("buffer.max_updates_per_subscription must be >= 1")
	}
	if c.Buffer.MaxTotalUpdates < c.Buffer.MaxUpdatesPerSubscription {
		return fmt.Errorf("buffer.max_total_updates (%d) cannot be less than max_updates_per_subscription (%d)",
			c.Buffer.MaxTotalUpdates, c.Buffer.MaxUpdatesPerSubscription)
	}
	if c.Buffer.CleanupTimeout < c.Buffer.Duration {
		return fmt.Errorf("buffer.cleanup_timeout (%s) cannot be less than buffer.duration (%s)",
			c.Buffer.CleanupTimeout, c.Buffer.Duration)
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}
