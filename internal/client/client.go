package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/megalotto/jackpot-data/internal/complexity"
	"github.com/megalotto/jackpot-data/internal/config"
	"github.com/megalotto/jackpot-data/internal/graph"
	"github.com/megalotto/jackpot-data/internal/pool"
	"github.com/megalotto/jackpot-data/internal/session"
	"github.com/megalotto/jackpot-data/internal/subscription"
)

// ErrClientClosed is returned by operations on a shut-down client.
var ErrClientClosed = errors.New("client shut down")

// QueryOptions configures a single Query call.
type QueryOptions struct {
	Variables map[string]any
	Headers   map[string]string
	SessionID string
}

// Subscription is a live subscription handle.
type Subscription struct {
	ID      string
	manager *subscription.Manager
}

// Unsubscribe cancels the subscription.
func (s *Subscription) Unsubscribe() {
	s.manager.Unsubscribe(s.ID)
}

// Status is a point-in-time snapshot of the client's upstream state.
type Status struct {
	Connected         bool                     `json:"connected"`
	Connecting        bool                     `json:"connecting"`
	SubscriptionCount int                      `json:"subscription_count"`
	Buffer            subscription.BufferStats `json:"buffer"`
	Connections       []pool.ConnStat          `json:"connections"`
}

// Client is the facade over the query pool, the complexity analyzer, the
// subscription manager, and the disconnection buffer. It observes the
// buffer so extended outages reach every handler and every active session.
type Client struct {
	logger    *slog.Logger
	analyzer  *complexity.Analyzer
	pool      *pool.Pool
	buffer    *subscription.Buffer
	manager   *subscription.Manager
	broadcast session.Broadcaster

	queries singleflight.Group

	mu     sync.Mutex
	closed bool
}

// New creates a client dialing real WebSocket links for subscriptions.
func New(cfg config.ServerConfig, broadcast session.Broadcaster, logger *slog.Logger) *Client {
	return NewWithDialer(cfg, broadcast, nil, logger)
}

// NewWithDialer creates a client with an injected link dialer. A nil dial
// falls back to the WebSocket dialer; tests pass fakes.
func NewWithDialer(cfg config.ServerConfig, broadcast session.Broadcaster, dial subscription.Dialer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	analyzer := complexity.New(complexity.Config{
		ScalarCost:        cfg.Complexity.ScalarCost,
		ObjectCost:        cfg.Complexity.ObjectCost,
		ListFactor:        cfg.Complexity.ListFactor,
		DepthFactor:       cfg.Complexity.DepthFactor,
		IntrospectionCost: cfg.Complexity.IntrospectionCost,
		DefaultListSize:   cfg.Complexity.DefaultListSize,
		FieldCosts:        cfg.Complexity.FieldCosts,
	})

	p := pool.New(pool.Config{
		URL:            cfg.Endpoint.HTTPURL,
		APIKey:         cfg.Endpoint.APIKey,
		Size:           cfg.Pool.Size,
		RequestTimeout: cfg.Endpoint.Timeout,
		RetryAttempts:  cfg.Pool.RetryAttempts,
		RetryDelay:     cfg.Pool.RetryDelay,
		AcquireWait:    cfg.Pool.AcquireWait,
		ErrorThreshold: cfg.Pool.ErrorThreshold,
		MaxScore:       cfg.Complexity.MaxScore,
	}, analyzer, logger)

	buffer := subscription.NewBuffer(subscription.BufferConfig{
		BufferDuration:            cfg.Buffer.Duration,
		CleanupTimeout:            cfg.Buffer.CleanupTimeout,
		MaxUpdatesPerSubscription: cfg.Buffer.MaxUpdatesPerSubscription,
		MaxTotalUpdates:           cfg.Buffer.MaxTotalUpdates,
	}, logger)

	if dial == nil {
		linkCfg := subscription.DefaultLinkConfig()
		linkCfg.URL = cfg.Endpoint.WSURL
		linkCfg.APIKey = cfg.Endpoint.APIKey
		if cfg.Subscriptions.PingInterval > 0 {
			linkCfg.PingInterval = cfg.Subscriptions.PingInterval
		}
		if cfg.Subscriptions.PongTimeout > 0 {
			linkCfg.PongTimeout = cfg.Subscriptions.PongTimeout
		}
		dial = subscription.NewWSDialer(linkCfg, logger)
	}

	manager := subscription.NewManager(subscription.ManagerConfig{
		ReconnectBaseDelay:   cfg.Subscriptions.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Subscriptions.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Subscriptions.MaxReconnectAttempts,
		MaxScore:             cfg.Complexity.MaxScore,
		DefaultDebounce:      cfg.Subscriptions.DefaultDebounce,
		Debounce:             cfg.Subscriptions.Debounce,
	}, analyzer, buffer, dial, logger)

	c := &Client{
		logger:    logger,
		analyzer:  analyzer,
		pool:      p,
		buffer:    buffer,
		manager:   manager,
		broadcast: broadcast,
	}
	buffer.AddObserver(c)

	return c
}

// Query executes a GraphQL query through the connection pool.
//
// Identical in-flight requests (same query, variables, and session) are
// coalesced into a single upstream call. Requests with custom headers
// bypass coalescing since their responses may differ.
func (c *Client) Query(ctx context.Context, query string, opts QueryOptions) (*graph.Response, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	req := graph.Request{Query: query, Variables: opts.Variables}
	execOpts := pool.Options{
		Variables: opts.Variables,
		Headers:   opts.Headers,
		SessionID: opts.SessionID,
	}

	if len(opts.Headers) > 0 {
		return c.pool.Execute(ctx, req, execOpts)
	}

	v, err, shared := c.queries.Do(flightKey(query, opts.Variables, opts.SessionID), func() (any, error) {
		return c.pool.Execute(ctx, req, execOpts)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("query coalesced with identical in-flight request", "session", opts.SessionID)
	}
	return v.(*graph.Response), nil
}

func flightKey(query string, variables map[string]any, sessionID string) string {
	// json.Marshal sorts map keys, so equal variable sets produce equal keys.
	vars, _ := json.Marshal(variables)
	return query + "\x00" + string(vars) + "\x00" + sessionID
}

// Subscribe registers a GraphQL subscription and returns its handle.
func (c *Client) Subscribe(ctx context.Context, query string, handler subscription.Handler, opts subscription.Options) (*Subscription, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	id, err := c.manager.Subscribe(ctx, graph.Request{Query: query}, handler, opts)
	if err != nil {
		return nil, err
	}
	return &Subscription{ID: id, manager: c.manager}, nil
}

// GetComplexity scores a query without executing it.
func (c *Client) GetComplexity(query string) (complexity.Result, error) {
	doc, err := graph.ParseQuery(query)
	if err != nil {
		return complexity.Result{}, err
	}
	return c.analyzer.Analyze(doc), nil
}

// ConnectionStatus returns the current upstream state.
func (c *Client) ConnectionStatus() Status {
	connected, connecting := c.manager.Status()
	return Status{
		Connected:         connected,
		Connecting:        connecting,
		SubscriptionCount: c.manager.Count(),
		Buffer:            c.buffer.Stats(),
		Connections:       c.pool.Stats(),
	}
}

// ClearDisconnectionBuffer discards any buffered updates immediately.
func (c *Client) ClearDisconnectionBuffer() {
	c.buffer.Clear("manual")
}

// Shutdown releases all resources. Idempotent.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.manager.Close()
	c.buffer.Dispose()
	c.pool.Close()

	c.logger.Info("client shut down")
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Buffer observer callbacks. The client relays buffer lifecycle changes to
// active sessions so consumers can tell "no new data" from "delivery is
// interrupted".

func (c *Client) BufferingStarted(subscriptions int) {
	c.emitToAll("subscription_buffering", map[string]any{
		"subscriptions": subscriptions,
	})
}

func (c *Client) BufferOverflow(dropped int) {
	c.logger.Warn("disconnection buffer overflow", "dropped", dropped)
}

func (c *Client) BufferReplayed(total int) {
	c.emitToAll("subscription_recovered", map[string]any{
		"replayed_updates": total,
	})
}

func (c *Client) BufferCleared(reason string, discarded int) {
	c.logger.Info("disconnection buffer cleared", "reason", reason, "discarded", discarded)
}

// ExtendedOutage fires when the outage outlived the buffer's cleanup
// ceiling. Every registered handler gets a DisconnectionError and every
// active session is told delivery broke, because silence here looks
// exactly like a healthy-but-quiet feed.
func (c *Client) ExtendedOutage(outage time.Duration, subscriptions, buffered int) {
	err := &DisconnectionError{
		Outage:          outage,
		Subscriptions:   subscriptions,
		BufferedUpdates: buffered,
	}

	c.logger.Error("extended outage, notifying all consumers",
		"outage", outage,
		"subscriptions", subscriptions,
		"buffered_updates", buffered,
	)

	c.manager.FailAll(err)
	c.emitToAll("subscription_disconnected", map[string]any{
		"outage_ms":        outage.Milliseconds(),
		"subscriptions":    subscriptions,
		"buffered_updates": buffered,
		"message":          err.Error(),
	})
}

func (c *Client) emitToAll(event string, payload map[string]any) {
	if c.broadcast == nil {
		return
	}
	for _, sid := range c.broadcast.ListActiveSessions() {
		c.broadcast.Emit(event, sid, payload)
	}
}

// DisconnectionError reports that subscription delivery was interrupted
// long enough that buffered updates were abandoned.
type DisconnectionError struct {
	Outage          time.Duration
	Subscriptions   int
	BufferedUpdates int
}

func (e *DisconnectionError) Error() string {
	return fmt.Sprintf("subscription delivery interrupted for %s (%d subscriptions, %d buffered updates lost)",
		e.Outage.Round(time.Millisecond), e.Subscriptions, e.BufferedUpdates)
}
