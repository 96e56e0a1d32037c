package subscription

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Update is a single undelivered subscription payload recorded while the
// link was down. Sequence is strictly increasing across a buffering session
// and is the sole ordering key on replay.
type Update struct {
	SubscriptionID string
	Payload        json.RawMessage
	Timestamp      time.Time
	Sequence       uint64
}

// BufferStats is a derived snapshot of the buffer; nothing is cached.
type BufferStats struct {
	Buffering       bool          `json:"buffering"`
	Outage          time.Duration `json:"outage"`
	TotalUpdates    int           `json:"total_updates"`
	Subscriptions   int           `json:"subscriptions"`
	OldestUpdateAge time.Duration `json:"oldest_update_age"`
}

// Observer receives buffer lifecycle notifications. All methods are called
// without the buffer lock held and must not call back into the buffer's
// mutating methods.
type Observer interface {
	// BufferingStarted fires once per session with the subscription count.
	BufferingStarted(subscriptions int)

	// BufferOverflow fires when the global cap evicts entries.
	BufferOverflow(dropped int)

	// BufferReplayed fires after a replay with the total delivered.
	BufferReplayed(total int)

	// BufferCleared fires when a session is discarded.
	BufferCleared(reason string, discarded int)

	// ExtendedOutage fires when an outage exceeds the cleanup ceiling.
	ExtendedOutage(outage time.Duration, subscriptions, buffered int)
}

// BufferConfig configures the disconnection buffer.
type BufferConfig struct {
	BufferDuration            time.Duration // informational outage target
	CleanupTimeout            time.Duration // hard ceiling on a session's lifetime
	MaxUpdatesPerSubscription int
	MaxTotalUpdates           int
}

// DefaultBufferConfig returns sensible defaults.
func DefaultBufferConfig() BufferConfig {
	return BufferConfig{
		BufferDuration:            30 * time.Second,
		CleanupTimeout:            35 * time.Second,
		MaxUpdatesPerSubscription: 100,
		MaxTotalUpdates:           1000,
	}
}

// Buffer is the capacity-bounded, timer-governed disconnection buffer.
// At most one buffering session is active at a time; memory is bounded by
// oldest-first eviction regardless of outage length.
type Buffer struct {
	cfg    BufferConfig
	logger *slog.Logger

	mu        sync.Mutex
	observers []Observer
	active    bool
	startedAt time.Time
	queues    map[string][]Update
	seq       uint64
	total     int
	cleanup   *time.Timer
}

// NewBuffer creates an inactive buffer.
func NewBuffer(cfg BufferConfig, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		cfg:    cfg,
		logger: logger,
		queues: make(map[string][]Update),
	}
}

// AddObserver registers an observer for buffer notifications.
func (b *Buffer) AddObserver(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

func (b *Buffer) snapshotObservers() []Observer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Observer(nil), b.observers...)
}

// Start begins a buffering session for the given subscription ids.
// No-op if a session is already active.
func (b *Buffer) Start(ids []string) {
	b.mu.Lock()
	if b.active {
		b.mu.Unlock()
		return
	}

	b.active = true
	b.startedAt = time.Now()
	b.seq = 0
	b.total = 0
	b.queues = make(map[string][]Update, len(ids))
	for _, id := range ids {
		b.queues[id] = nil
	}
	b.cleanup = time.AfterFunc(b.cfg.CleanupTimeout, b.cleanupFired)
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()

	b.logger.Info("buffering started",
		"subscriptions", len(ids),
		"cleanup_timeout", b.cfg.CleanupTimeout,
	)
	for _, o := range observers {
		o.BufferingStarted(len(ids))
	}
}

// IsActive reports whether a buffering session is in progress.
func (b *Buffer) IsActive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Add records an undelivered payload for a subscription. No-op when no
// session is active. Capacity is enforced oldest-first: per subscription,
// then globally across all queues.
func (b *Buffer) Add(id string, payload json.RawMessage) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}

	b.seq++
	b.queues[id] = append(b.queues[id], Update{
		SubscriptionID: id,
		Payload:        payload,
		Timestamp:      time.Now(),
		Sequence:       b.seq,
	})
	b.total++

	if len(b.queues[id]) > b.cfg.MaxUpdatesPerSubscription {
		b.queues[id] = b.queues[id][1:]
		b.total--
		b.logger.Debug("evicted oldest update for subscription", "subscription", id)
	}

	dropped := 0
	for b.total > b.cfg.MaxTotalUpdates {
		b.evictGlobalOldest()
		dropped++
	}
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn("buffer overflow, evicted oldest updates", "dropped", dropped)
		for _, o := range observers {
			o.BufferOverflow(dropped)
		}
	}
}

// evictGlobalOldest removes the entry with the smallest sequence number
// across all queues. Must be called with the lock held.
func (b *Buffer) evictGlobalOldest() {
	var oldestID string
	var oldestSeq uint64
	for id, q := range b.queues {
		if len(q) == 0 {
			continue
		}
		if oldestID == "" || q[0].Sequence < oldestSeq {
			oldestID = id
			oldestSeq = q[0].Sequence
		}
	}
	if oldestID == "" {
		return
	}
	b.queues[oldestID] = b.queues[oldestID][1:]
	b.total--
}

// Stop ends the session and replays buffered updates per subscription in
// sequence order. If the caller raced past the cleanup ceiling, the
// extended-outage notification fires in addition to normal teardown.
// No-op when no session is active.
func (b *Buffer) Stop(replay func(id string, updates []Update)) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}

	elapsed := time.Since(b.startedAt)
	extended := elapsed >= b.cfg.CleanupTimeout
	if b.cleanup != nil {
		b.cleanup.Stop()
		b.cleanup = nil
	}

	queues := b.queues
	total := b.total
	subs := len(queues)
	b.active = false
	b.queues = make(map[string][]Update)
	b.total = 0
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()

	if extended {
		b.logger.Warn("outage exceeded cleanup ceiling before reconnect",
			"outage", elapsed,
			"ceiling", b.cfg.CleanupTimeout,
		)
		for _, o := range observers {
			o.ExtendedOutage(elapsed, subs, total)
		}
	}

	if replay != nil {
		for id, updates := range queues {
			if len(updates) == 0 {
				continue
			}
			// Entries are appended in sequence order; the slice is
			// already sorted by the sole ordering key.
			replay(id, updates)
		}
	}

	b.logger.Info("buffered updates replayed",
		"total", total,
		"subscriptions", subs,
		"outage", elapsed,
	)
	for _, o := range observers {
		o.BufferReplayed(total)
	}
}

// cleanupFired is the one-shot session ceiling. It signals extended outage
// and force-clears the session.
func (b *Buffer) cleanupFired() {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	elapsed := time.Since(b.startedAt)
	subs := len(b.queues)
	total := b.total
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()

	b.logger.Error("outage exceeded cleanup ceiling, abandoning buffered delivery",
		"outage", elapsed,
		"subscriptions", subs,
		"buffered", total,
	)
	for _, o := range observers {
		o.ExtendedOutage(elapsed, subs, total)
	}

	b.Clear("timeout")
}

// Clear cancels the timer, discards all data, and marks the session
// inactive. Used internally with reason "timeout" and by explicit
// administrative calls with reason "manual".
func (b *Buffer) Clear(reason string) {
	b.mu.Lock()
	if !b.active {
		b.mu.Unlock()
		return
	}
	if b.cleanup != nil {
		b.cleanup.Stop()
		b.cleanup = nil
	}
	discarded := b.total
	b.active = false
	b.queues = make(map[string][]Update)
	b.total = 0
	observers := append([]Observer(nil), b.observers...)
	b.mu.Unlock()

	b.logger.Info("buffer cleared", "reason", reason, "discarded", discarded)
	for _, o := range observers {
		o.BufferCleared(reason, discarded)
	}
}

// Stats returns a derived snapshot of the buffer.
func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := BufferStats{
		Buffering:     b.active,
		TotalUpdates:  b.total,
		Subscriptions: len(b.queues),
	}
	if !b.active {
		stats.Subscriptions = 0
		return stats
	}

	stats.Outage = time.Since(b.startedAt)
	var oldest time.Time
	for _, q := range b.queues {
		if len(q) > 0 && (oldest.IsZero() || q[0].Timestamp.Before(oldest)) {
			oldest = q[0].Timestamp
		}
	}
	if !oldest.IsZero() {
		stats.OldestUpdateAge = time.Since(oldest)
	}
	return stats
}

// Dispose cancels the timer and clears all state without notifications.
// Used at client shutdown.
func (b *Buffer) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cleanup != nil {
		b.cleanup.Stop()
		b.cleanup = nil
	}
	b.active = false
	b.queues = make(map[string][]Update)
	b.total = 0
}
