package config

import "time"

// ServerConfig is the root configuration for a jackpot-data server instance.
type ServerConfig struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Endpoint      EndpointConfig      `yaml:"endpoint"`
	Pool          PoolConfig          `yaml:"pool"`
	Complexity    ComplexityConfig    `yaml:"complexity"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Buffer        BufferConfig        `yaml:"buffer"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// InstanceConfig identifies this server.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// EndpointConfig holds the upstream subgraph endpoints.
type EndpointConfig struct {
	HTTPURL string        `yaml:"http_url"` // GraphQL HTTP endpoint for queries
	WSURL   string        `yaml:"ws_url"`   // graphql-transport-ws endpoint for subscriptions
	APIKey  string        `yaml:"api_key"`  // bearer token, empty for public endpoints
	Timeout time.Duration `yaml:"timeout"`  // per-request HTTP timeout
}

// PoolConfig holds connection pool settings.
type PoolConfig struct {
	Size           int           `yaml:"size"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	AcquireWait    time.Duration `yaml:"acquire_wait"`    // bounded wait before the LRU fallback
	ErrorThreshold int           `yaml:"error_threshold"` // errors before a connection is replaced
}

// ComplexityConfig holds the admission-control cost model.
type ComplexityConfig struct {
	MaxScore          float64            `yaml:"max_score"`
	ScalarCost        float64            `yaml:"scalar_cost"`
	ObjectCost        float64            `yaml:"object_cost"`
	ListFactor        float64            `yaml:"list_factor"`
	DepthFactor       float64            `yaml:"depth_factor"`
	IntrospectionCost float64            `yaml:"introspection_cost"`
	DefaultListSize   int                `yaml:"default_list_size"`
	FieldCosts        map[string]float64 `yaml:"field_costs"`
}

// SubscriptionsConfig holds subscription manager settings.
type SubscriptionsConfig struct {
	ReconnectBaseDelay   time.Duration            `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay    time.Duration            `yaml:"reconnect_max_delay"`
	MaxReconnectAttempts int                      `yaml:"max_reconnect_attempts"`
	PingInterval         time.Duration            `yaml:"ping_interval"`
	PongTimeout          time.Duration            `yaml:"pong_timeout"`
	DefaultDebounce      time.Duration            `yaml:"default_debounce"`
	Debounce             map[string]time.Duration `yaml:"debounce"` // operation name -> window
}

// BufferConfig holds disconnection buffer settings.
type BufferConfig struct {
	Duration                  time.Duration `yaml:"duration"`        // informational outage target
	CleanupTimeout            time.Duration `yaml:"cleanup_timeout"` // hard ceiling on a buffering session
	MaxUpdatesPerSubscription int           `yaml:"max_updates_per_subscription"`
	MaxTotalUpdates           int           `yaml:"max_total_updates"`
}

// MetricsConfig holds the health/debug HTTP server settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
