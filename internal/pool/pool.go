package pool

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/megalotto/jackpot-data/internal/complexity"
)

// Pool is a fixed-size set of reusable request handles to the upstream
// subgraph endpoint. The size never changes after construction; under
// exhaustion Acquire degrades to oversubscription rather than blocking.
type Pool struct {
	cfg      Config
	analyzer *complexity.Analyzer
	logger   *slog.Logger

	mu     sync.Mutex
	conns  []*Connection
	nextID int
}

// New creates a pool with cfg.Size connections.
func New(cfg Config, analyzer *complexity.Analyzer, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		cfg:      cfg,
		analyzer: analyzer,
		logger:   logger,
		conns:    make([]*Connection, cfg.Size),
	}
	for i := range p.conns {
		p.conns[i] = p.newConnection()
	}
	return p
}

// newConnection constructs a fresh connection with zeroed counters.
// Must be called with the lock held (or before the pool is shared).
func (p *Pool) newConnection() *Connection {
	p.nextID++
	return &Connection{
		id: p.nextID,
		httpClient: &http.Client{
			Timeout: p.cfg.RequestTimeout,
		},
		lastUsedAt: time.Now(),
	}
}

// Acquire returns a connection, never failing. It scans for an idle
// connection, waits one bounded interval and rescans, then falls back to
// the least-recently-used connection regardless of busy state.
func (p *Pool) Acquire(ctx context.Context) *Connection {
	if conn := p.tryAcquireIdle(); conn != nil {
		return conn
	}

	select {
	case <-ctx.Done():
	case <-time.After(p.cfg.AcquireWait):
	}

	if conn := p.tryAcquireIdle(); conn != nil {
		return conn
	}

	// Oversubscription fallback: share the globally least-recently-used
	// connection rather than blocking indefinitely.
	p.mu.Lock()
	defer p.mu.Unlock()

	lru := p.conns[0]
	for _, conn := range p.conns[1:] {
		if conn.lastUsedAt.Before(lru.lastUsedAt) {
			lru = conn
		}
	}
	lru.inUse = true
	lru.lastUsedAt = time.Now()
	lru.requestCount++

	p.logger.Warn("connection pool exhausted, oversubscribing",
		"conn", lru.id,
		"pool_size", len(p.conns),
	)
	return lru
}

func (p *Pool) tryAcquireIdle() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.conns {
		if !conn.inUse {
			conn.inUse = true
			conn.lastUsedAt = time.Now()
			conn.requestCount++
			return conn
		}
	}
	return nil
}

// Release marks a connection idle. Connections whose error count crossed
// the threshold are replaced with a fresh one: a remote session or
// credential that has gone stale will not heal on its own.
func (p *Pool) Release(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conn.inUse = false
	conn.lastUsedAt = time.Now()

	if conn.errorCount <= p.cfg.ErrorThreshold {
		return
	}

	for i, c := range p.conns {
		if c == conn {
			replacement := p.newConnection()
			p.conns[i] = replacement
			p.logger.Info("replacing unhealthy connection",
				"old_conn", conn.id,
				"new_conn", replacement.id,
				"error_count", conn.errorCount,
			)
			conn.httpClient.CloseIdleConnections()
			return
		}
	}
}

// recordError increments a connection's error counter.
func (p *Pool) recordError(conn *Connection) {
	p.mu.Lock()
	conn.errorCount++
	p.mu.Unlock()
}

// Stats returns a snapshot of every pooled connection.
func (p *Pool) Stats() []ConnStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]ConnStat, 0, len(p.conns))
	for _, conn := range p.conns {
		stats = append(stats, ConnStat{
			ID:           conn.id,
			InUse:        conn.inUse,
			RequestCount: conn.requestCount,
			ErrorCount:   conn.errorCount,
			LastUsedAt:   conn.lastUsedAt,
		})
	}
	return stats
}

// Close releases idle HTTP connections held by the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, conn := range p.conns {
		conn.httpClient.CloseIdleConnections()
	}
}
