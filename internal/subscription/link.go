package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/megalotto/jackpot-data/internal/graph"
)

// Link is a single live subscription connection to the subgraph.
// The manager owns exactly one at a time and dials a fresh one on
// every reconnect attempt.
type Link interface {
	// Connect dials the endpoint and completes the protocol handshake.
	Connect(ctx context.Context) error

	// Subscribe starts an operation on the link under the given id.
	Subscribe(id string, req graph.Request) error

	// Complete stops the operation with the given id.
	Complete(id string) error

	// Close gracefully closes the link.
	Close() error

	// Messages returns the channel of decoded server frames.
	Messages() <-chan ServerMessage

	// Errors returns the channel of link-fatal errors.
	Errors() <-chan error

	// IsConnected returns the current connection state.
	IsConnected() bool
}

// Dialer constructs a fresh, unconnected Link.
type Dialer func() Link

// NewWSDialer returns a Dialer producing gorilla/websocket links.
func NewWSDialer(cfg LinkConfig, logger *slog.Logger) Dialer {
	return func() Link {
		return newWSLink(cfg, logger)
	}
}

// wsLink implements Link over graphql-transport-ws.
type wsLink struct {
	cfg    LinkConfig
	logger *slog.Logger

	conn *websocket.Conn

	messages chan ServerMessage
	errors   chan error
	done     chan struct{}

	// Write serialization
	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPongAt time.Time
}

func newWSLink(cfg LinkConfig, logger *slog.Logger) *wsLink {
	if logger == nil {
		logger = slog.Default()
	}

	return &wsLink{
		cfg:      cfg,
		logger:   logger,
		messages: make(chan ServerMessage, cfg.BufferSize),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
}

// Connect dials the WebSocket endpoint and performs the
// connection_init/connection_ack handshake.
func (l *wsLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrAlreadyClosed
	}
	l.mu.Unlock()

	header := http.Header{}
	if l.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+l.cfg.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: l.cfg.HandshakeTimeout,
		Subprotocols:     []string{"graphql-transport-ws"},
	}

	conn, _, err := dialer.DialContext(ctx, l.cfg.URL, header)
	if err != nil {
		return err
	}

	init, _ := json.Marshal(wireMessage{Type: msgConnectionInit})
	conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, init); err != nil {
		conn.Close()
		return fmt.Errorf("send connection_init: %w", err)
	}

	// The ack must arrive before anything else flows.
	conn.SetReadDeadline(time.Now().Add(l.cfg.AckTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return ErrAckTimeout
	}
	var ack wireMessage
	if err := json.Unmarshal(data, &ack); err != nil || ack.Type != msgConnectionAck {
		conn.Close()
		return fmt.Errorf("expected connection_ack, got %q", ack.Type)
	}
	conn.SetReadDeadline(time.Time{})

	l.mu.Lock()
	l.conn = conn
	l.connected = true
	l.lastPongAt = time.Now()
	l.mu.Unlock()

	go l.readLoop()
	go l.heartbeatLoop()

	l.logger.Debug("subscription link connected", "url", l.cfg.URL)

	return nil
}

// Subscribe sends a subscribe frame for the given operation id.
func (l *wsLink) Subscribe(id string, req graph.Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal subscribe payload: %w", err)
	}
	return l.send(wireMessage{ID: id, Type: msgSubscribe, Payload: payload})
}

// Complete sends a complete frame for the given operation id.
func (l *wsLink) Complete(id string) error {
	return l.send(wireMessage{ID: id, Type: msgComplete})
}

func (l *wsLink) send(msg wireMessage) error {
	l.mu.RLock()
	if !l.connected {
		l.mu.RUnlock()
		return ErrNotConnected
	}
	l.mu.RUnlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Close gracefully closes the link.
func (l *wsLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.connected = false
	l.mu.Unlock()

	close(l.done)

	if l.conn != nil {
		l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		return l.conn.Close()
	}

	return nil
}

func (l *wsLink) Messages() <-chan ServerMessage {
	return l.messages
}

func (l *wsLink) Errors() <-chan error {
	return l.errors
}

func (l *wsLink) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connected
}

// readLoop reads frames from the WebSocket and routes them.
func (l *wsLink) readLoop() {
	defer func() {
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()
	}()

	for {
		select {
		case <-l.done:
			return
		default:
		}

		_, data, err := l.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			select {
			case <-l.done:
				return
			default:
				select {
				case l.errors <- err:
				default:
				}
				return
			}
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch msg.Type {
		case msgPong:
			l.mu.Lock()
			l.lastPongAt = time.Now()
			l.mu.Unlock()
			continue
		case msgPing:
			l.send(wireMessage{Type: msgPong})
			continue
		}

		out := ServerMessage{
			ID:         msg.ID,
			Type:       msg.Type,
			Payload:    msg.Payload,
			ReceivedAt: receivedAt,
		}

		select {
		case l.messages <- out:
		case <-l.done:
			return
		default:
			l.logger.Warn("message buffer full, dropping frame", "id", msg.ID, "type", msg.Type)
		}
	}
}

// heartbeatLoop sends protocol pings and flags stale links.
func (l *wsLink) heartbeatLoop() {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.send(wireMessage{Type: msgPing}); err != nil {
				return
			}

			l.mu.RLock()
			lastPong := l.lastPongAt
			l.mu.RUnlock()

			if time.Since(lastPong) > l.cfg.PongTimeout {
				l.logger.Warn("no pong received, link stale",
					"last_pong", lastPong,
					"timeout", l.cfg.PongTimeout,
				)
				select {
				case l.errors <- ErrStaleLink:
				default:
				}
				return
			}
		}
	}
}
