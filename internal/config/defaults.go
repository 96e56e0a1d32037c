package config

import "time"

// Default values applied by LoadWithDefaults.
const (
	DefaultEndpointTimeout = 30 * time.Second

	DefaultPoolSize       = 10
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = 500 * time.Millisecond
	DefaultAcquireWait    = 100 * time.Millisecond
	DefaultErrorThreshold = 10

	DefaultMaxScore = 1000.0

	DefaultReconnectBaseDelay   = time.Second
	DefaultReconnectMaxDelay    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultPingInterval         = 15 * time.Second
	DefaultPongTimeout          = 60 * time.Second

	DefaultBufferDuration            = 30 * time.Second
	DefaultCleanupTimeout            = 35 * time.Second
	DefaultMaxUpdatesPerSubscription = 100
	DefaultMaxTotalUpdates           = 1000

	DefaultMetricsPort = 8080
	DefaultMetricsPath = "/health"
)

// defaultDebounceTable maps subscription operation names to delivery
// windows. Rare high-value events deliver immediately; high-frequency
// aggregate feeds are coalesced.
func defaultDebounceTable() map[string]time.Duration {
	return map[string]time.Duration{
		"roundWinnerDeclared":  0,
		"jackpotRoundUpdated":  250 * time.Millisecond,
		"ticketPurchased":      500 * time.Millisecond,
		"liquidityPoolUpdated": time.Second,
		"lpSnapshotUpdated":    2 * time.Second,
		"statsUpdated":         2 * time.Second,
	}
}

func (c *ServerConfig) applyDefaults() {
	if c.Endpoint.Timeout == 0 {
		c.Endpoint.Timeout = DefaultEndpointTimeout
	}

	if c.Pool.Size == 0 {
		c.Pool.Size = DefaultPoolSize
	}
	if c.Pool.RetryAttempts == 0 {
		c.Pool.RetryAttempts = DefaultRetryAttempts
	}
	if c.Pool.RetryDelay == 0 {
		c.Pool.RetryDelay = DefaultRetryDelay
	}
	if c.Pool.AcquireWait == 0 {
		c.Pool.AcquireWait = DefaultAcquireWait
	}
	if c.Pool.ErrorThreshold == 0 {
		c.Pool.ErrorThreshold = DefaultErrorThreshold
	}

	if c.Complexity.MaxScore == 0 {
		c.Complexity.MaxScore = DefaultMaxScore
	}

	if c.Subscriptions.ReconnectBaseDelay == 0 {
		c.Subscriptions.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Subscriptions.ReconnectMaxDelay == 0 {
		c.Subscriptions.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Subscriptions.MaxReconnectAttempts == 0 {
		c.Subscriptions.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Subscriptions.PingInterval == 0 {
		c.Subscriptions.PingInterval = DefaultPingInterval
	}
	if c.Subscriptions.PongTimeout == 0 {
		c.Subscriptions.PongTimeout = DefaultPongTimeout
	}
	if c.Subscriptions.Debounce == nil {
		c.Subscriptions.Debounce = defaultDebounceTable()
	}

	if c.Buffer.Duration == 0 {
		c.Buffer.Duration = DefaultBufferDuration
	}
	if c.Buffer.CleanupTimeout == 0 {
		c.Buffer.CleanupTimeout = DefaultCleanupTimeout
	}
	if c.Buffer.MaxUpdatesPerSubscription == 0 {
		c.Buffer.MaxUpdatesPerSubscription = DefaultMaxUpdatesPerSubscription
	}
	if c.Buffer.MaxTotalUpdates == 0 {
		c.Buffer.MaxTotalUpdates = DefaultMaxTotalUpdates
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
