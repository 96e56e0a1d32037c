package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vektah/gqlparser/v2/ast"

	"github.com/megalotto/jackpot-data/internal/complexity"
	"github.com/megalotto/jackpot-data/internal/graph"
)

// Handler receives subscription payloads. On link errors with no OnError
// callback registered, it is called with a nil payload and the error.
type Handler func(payload json.RawMessage, err error)

// Options configures a single subscription.
type Options struct {
	// Debounce overrides the per-operation debounce table when non-nil.
	Debounce *time.Duration

	OnError    func(error)
	OnComplete func()
	Variables  map[string]any
}

// registration is one live subscription. Destroyed on unsubscribe or
// completion.
type registration struct {
	id         string
	operation  string
	request    graph.Request
	handler    Handler
	onError    func(error)
	onComplete func()
	debounce   time.Duration
	logger     *slog.Logger

	// Trailing-edge debounce state
	mu      sync.Mutex
	pending *time.Timer
	last    json.RawMessage
}

// deliver hands a payload to the handler, coalescing through the
// trailing-edge debounce window when one is configured: each new payload
// cancels the pending timer, and only the most recent payload within the
// window is ultimately delivered.
func (r *registration) deliver(payload json.RawMessage) {
	if r.debounce <= 0 {
		r.invoke(payload, nil)
		return
	}

	r.mu.Lock()
	r.last = payload
	if r.pending != nil {
		r.pending.Stop()
	}
	r.pending = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		last := r.last
		r.pending = nil
		r.mu.Unlock()
		r.invoke(last, nil)
	})
	r.mu.Unlock()
}

func (r *registration) fail(err error) {
	if r.onError != nil {
		r.safeCall(func() { r.onError(err) })
		return
	}
	r.invoke(nil, err)
}

func (r *registration) invoke(payload json.RawMessage, err error) {
	r.safeCall(func() { r.handler(payload, err) })
}

// safeCall isolates consumer callbacks: a panicking handler is logged and
// never propagates into the link layer.
func (r *registration) safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscription callback panicked",
				"subscription", r.id,
				"operation", r.operation,
				"panic", rec,
			)
		}
	}()
	fn()
}

func (r *registration) cancelDebounce() {
	r.mu.Lock()
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
	r.mu.Unlock()
}

// Manager owns exactly one live subscription link and the registry of
// subscriptions on it. While the link is down, inbound payloads route
// through the disconnection buffer; on reconnect, buffered payloads
// replay in sequence order before live traffic resumes.
type Manager struct {
	cfg      ManagerConfig
	analyzer *complexity.Analyzer
	buffer   *Buffer
	dial     Dialer
	logger   *slog.Logger

	done chan struct{}

	mu                sync.Mutex
	link              Link
	connected         bool
	connecting        bool
	lastDisconnectAt  time.Time
	reconnectAttempts int
	reconnectTimer    *time.Timer
	closed            bool
	regs              map[string]*registration
}

// NewManager creates a subscription manager.
func NewManager(cfg ManagerConfig, analyzer *complexity.Analyzer, buffer *Buffer, dial Dialer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		analyzer: analyzer,
		buffer:   buffer,
		dial:     dial,
		logger:   logger,
		done:     make(chan struct{}),
		regs:     make(map[string]*registration),
	}
}

// EnsureConnected establishes the link if needed. Idempotent: no-op when
// already connected or an attempt is in flight.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.connected || m.connecting {
		m.mu.Unlock()
		return nil
	}
	m.connecting = true
	m.mu.Unlock()

	link := m.dial()
	if err := link.Connect(ctx); err != nil {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
		return fmt.Errorf("connect subscription link: %w", err)
	}

	m.onConnected(link)
	return nil
}

// onConnected installs a freshly connected link: resets the attempt
// counter, resubscribes every registration, replays any buffered updates,
// then resumes live reads. Replay runs before the read loop starts so
// buffered payloads are delivered ahead of live ones.
func (m *Manager) onConnected(link Link) {
	m.mu.Lock()
	m.link = link
	m.connected = true
	m.connecting = false
	m.reconnectAttempts = 0
	var outage time.Duration
	if !m.lastDisconnectAt.IsZero() {
		outage = time.Since(m.lastDisconnectAt)
	}
	regs := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	if outage > 0 {
		m.logger.Info("subscription link restored",
			"outage", outage,
			"subscriptions", len(regs),
		)
	}

	for _, reg := range regs {
		if err := link.Subscribe(reg.id, reg.request); err != nil {
			m.logger.Warn("resubscribe failed",
				"subscription", reg.id,
				"operation", reg.operation,
				"error", err,
			)
		}
	}

	m.buffer.Stop(m.replayTo)

	go m.readLoop(link)
}

// replayTo delivers buffered updates straight to the handler, bypassing
// debounce so the recorded order stays observable.
func (m *Manager) replayTo(id string, updates []Update) {
	reg := m.registration(id)
	if reg == nil {
		return
	}
	for _, u := range updates {
		reg.invoke(u.Payload, nil)
	}
}

// Subscribe registers a subscription against the live link.
//
// The request is gated by the complexity analyzer under the same limit as
// queries. The debounce window comes from the explicit option if set, else
// the per-operation-name table, else the default.
func (m *Manager) Subscribe(ctx context.Context, req graph.Request, handler Handler, opts Options) (string, error) {
	if err := m.EnsureConnected(ctx); err != nil {
		return "", err
	}

	doc, err := graph.ParseQuery(req.Query)
	if err != nil {
		return "", err
	}
	res := m.analyzer.Analyze(doc)
	if err := complexity.ValidateLimit(res, m.cfg.MaxScore); err != nil {
		return "", err
	}

	operation := rootOperationName(doc)

	debounce := m.cfg.DefaultDebounce
	if window, ok := m.cfg.Debounce[operation]; ok {
		debounce = window
	}
	if opts.Debounce != nil {
		debounce = *opts.Debounce
	}

	reg := &registration{
		id:         uuid.NewString(),
		operation:  operation,
		request:    graph.Request{Query: req.Query, Variables: opts.Variables},
		handler:    handler,
		onError:    opts.OnError,
		onComplete: opts.OnComplete,
		debounce:   debounce,
		logger:     m.logger,
	}
	if reg.request.Variables == nil {
		reg.request.Variables = req.Variables
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	m.regs[reg.id] = reg
	link := m.link
	connected := m.connected
	m.mu.Unlock()

	if connected {
		if err := link.Subscribe(reg.id, reg.request); err != nil {
			m.logger.Warn("subscribe frame failed, will retry on reconnect",
				"subscription", reg.id,
				"operation", operation,
				"error", err,
			)
		}
	}

	m.logger.Debug("subscribed",
		"subscription", reg.id,
		"operation", operation,
		"debounce", debounce,
		"score", res.Score,
	)

	return reg.id, nil
}

// Unsubscribe deregisters a subscription, cancels its pending debounce
// timer, and releases the link-level registration.
func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	reg := m.regs[id]
	delete(m.regs, id)
	link := m.link
	connected := m.connected
	m.mu.Unlock()

	if reg == nil {
		return
	}
	reg.cancelDebounce()

	if connected && link != nil {
		if err := link.Complete(id); err != nil {
			m.logger.Debug("complete frame failed", "subscription", id, "error", err)
		}
	}
}

// readLoop consumes one link's frames until the link fails or the manager
// closes.
func (m *Manager) readLoop(link Link) {
	for {
		select {
		case <-m.done:
			return

		case err := <-link.Errors():
			m.handleLinkFailure(link, err)
			return

		case msg, ok := <-link.Messages():
			if !ok {
				return
			}
			m.dispatch(msg)
		}
	}
}

func (m *Manager) dispatch(msg ServerMessage) {
	switch msg.Type {
	case msgNext:
		reg := m.registration(msg.ID)
		if reg == nil {
			return
		}
		if m.buffer.IsActive() {
			m.buffer.Add(msg.ID, msg.Payload)
			return
		}
		reg.deliver(msg.Payload)

	case msgError:
		reg := m.registration(msg.ID)
		if reg == nil {
			return
		}
		reg.fail(fmt.Errorf("subscription error: %s", msg.Payload))

	case msgComplete:
		m.mu.Lock()
		reg := m.regs[msg.ID]
		delete(m.regs, msg.ID)
		m.mu.Unlock()
		if reg == nil {
			return
		}
		reg.cancelDebounce()
		if reg.onComplete != nil {
			reg.safeCall(reg.onComplete)
		}
	}
}

// handleLinkFailure transitions to disconnected, starts buffering for the
// currently-registered subscriptions, and schedules a reconnect.
func (m *Manager) handleLinkFailure(link Link, err error) {
	m.mu.Lock()
	if m.closed || m.link != link {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.lastDisconnectAt = time.Now()
	ids := make([]string, 0, len(m.regs))
	for id := range m.regs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	m.logger.Warn("subscription link lost",
		"error", err,
		"subscriptions", len(ids),
	)

	link.Close()

	if len(ids) > 0 {
		m.buffer.Start(ids)
	}

	m.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer for the next attempt. After the
// attempt budget is exhausted it stops retrying; recovery then requires an
// external EnsureConnected call.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.connected || m.connecting {
		m.mu.Unlock()
		return
	}
	if m.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		attempts := m.reconnectAttempts
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted, giving up",
			"attempts", attempts,
		)
		return
	}
	attempt := m.reconnectAttempts
	m.reconnectAttempts++

	delay := m.cfg.ReconnectBaseDelay * time.Duration(1<<attempt)
	if delay > m.cfg.ReconnectMaxDelay {
		delay = m.cfg.ReconnectMaxDelay
	}
	m.reconnectTimer = time.AfterFunc(delay, m.tryReconnect)
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect",
		"attempt", attempt+1,
		"max_attempts", m.cfg.MaxReconnectAttempts,
		"delay", delay,
	)
}

func (m *Manager) tryReconnect() {
	m.mu.Lock()
	if m.closed || m.connected || m.connecting {
		m.mu.Unlock()
		return
	}
	m.connecting = true
	m.mu.Unlock()

	link := m.dial()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := link.Connect(ctx); err != nil {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()

		m.logger.Warn("reconnect failed", "error", err)
		m.scheduleReconnect()
		return
	}

	m.onConnected(link)
}

func (m *Manager) registration(id string) *registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[id]
}

// FailAll delivers an error to every registered subscription through its
// error path.
func (m *Manager) FailAll(err error) {
	m.mu.Lock()
	regs := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		regs = append(regs, reg)
	}
	m.mu.Unlock()

	for _, reg := range regs {
		reg.fail(err)
	}
}

// Count returns the number of registered subscriptions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.regs)
}

// Status returns the link state.
func (m *Manager) Status() (connected, connecting bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected, m.connecting
}

// Close cancels all timers, drops every registration, and closes the link.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.connected = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	regs := make([]*registration, 0, len(m.regs))
	for _, reg := range m.regs {
		regs = append(regs, reg)
	}
	m.regs = make(map[string]*registration)
	link := m.link
	m.mu.Unlock()

	close(m.done)

	for _, reg := range regs {
		reg.cancelDebounce()
	}
	if link != nil {
		link.Close()
	}
}

// rootOperationName returns the name used for debounce lookup: the first
// root field of the first operation, falling back to the operation's own
// name.
func rootOperationName(doc *ast.QueryDocument) string {
	for _, op := range doc.Operations {
		for _, sel := range op.SelectionSet {
			if f, ok := sel.(*ast.Field); ok {
				return f.Name
			}
		}
		if op.Name != "" {
			return op.Name
		}
	}
	return ""
}
