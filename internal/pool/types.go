package pool

import (
	"fmt"
	"net/http"
	"time"
)

// Config configures the connection pool.
type Config struct {
	URL            string        // GraphQL HTTP endpoint
	APIKey         string        // bearer token, empty for public endpoints
	Size           int           // fixed pool size
	RequestTimeout time.Duration // per-request HTTP timeout
	RetryAttempts  int           // total attempts per Execute call
	RetryDelay     time.Duration // base backoff, doubled per attempt
	AcquireWait    time.Duration // bounded wait before the LRU fallback
	ErrorThreshold int           // errors before a connection is replaced on release
	MaxScore       float64       // admission-control ceiling
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Size:           10,
		RequestTimeout: 30 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     500 * time.Millisecond,
		AcquireWait:    100 * time.Millisecond,
		ErrorThreshold: 10,
		MaxScore:       1000,
	}
}

// Connection is a reusable request handle to the upstream endpoint.
// It is owned exclusively by the pool; all field mutation happens under
// the pool mutex.
type Connection struct {
	id           int
	httpClient   *http.Client
	inUse        bool
	lastUsedAt   time.Time
	requestCount int64
	errorCount   int
}

// ID returns the connection's pool-assigned id.
func (c *Connection) ID() int { return c.id }

// ConnStat is a point-in-time snapshot of one pooled connection.
type ConnStat struct {
	ID           int       `json:"id"`
	InUse        bool      `json:"in_use"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int       `json:"error_count"`
	LastUsedAt   time.Time `json:"last_used_at"`
}

// ClientError is a 4xx-class transport failure (bad request, unauthorized,
// forbidden). It is never retried: the request will fail the same way on
// every attempt.
type ClientError struct {
	StatusCode int
	Body       []byte
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("subgraph client error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ServerError is a retryable transport failure (5xx, rate limiting).
type ServerError struct {
	StatusCode int
	Body       []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("subgraph server error %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// retryableStatus reports whether a status code should trigger a retry.
func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
