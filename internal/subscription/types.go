package subscription

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected       = errors.New("subscription link not connected")
	ErrStaleLink          = errors.New("subscription link stale (no pong)")
	ErrAckTimeout         = errors.New("timed out waiting for connection_ack")
	ErrAlreadyClosed      = errors.New("already closed")
	ErrManagerClosed      = errors.New("subscription manager closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// graphql-transport-ws message types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// wireMessage is the on-the-wire frame of the graphql-transport-ws protocol.
type wireMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is a decoded frame from the link, stamped with a local
// receive time.
type ServerMessage struct {
	ID         string
	Type       string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// LinkConfig configures a WebSocket subscription link.
type LinkConfig struct {
	URL              string        // graphql-transport-ws endpoint
	APIKey           string        // bearer token, empty for public endpoints
	HandshakeTimeout time.Duration // WebSocket dial timeout
	AckTimeout       time.Duration // max wait for connection_ack
	WriteTimeout     time.Duration // write deadline for sends
	PingInterval     time.Duration // protocol ping cadence
	PongTimeout      time.Duration // max time without a pong before the link is stale
	BufferSize       int           // message channel buffer size
}

// DefaultLinkConfig returns sensible defaults.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     15 * time.Second,
		PongTimeout:      60 * time.Second,
		BufferSize:       1000,
	}
}

// ManagerConfig configures the subscription manager.
type ManagerConfig struct {
	ReconnectBaseDelay   time.Duration // base wait, doubled per attempt
	ReconnectMaxDelay    time.Duration // backoff cap
	MaxReconnectAttempts int           // attempts before giving up
	MaxScore             float64       // admission-control ceiling (same limit as queries)
	DefaultDebounce      time.Duration // window when no table entry matches
	Debounce             map[string]time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		MaxReconnectAttempts: 5,
		MaxScore:             1000,
	}
}
