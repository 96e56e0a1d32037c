package session

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a server-push notification destined for one session.
type Event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Broadcaster is the boundary the client uses to reach active protocol
// sessions without depending on the transport that owns them.
type Broadcaster interface {
	// ListActiveSessions returns the ids of all currently active sessions.
	ListActiveSessions() []string

	// Emit sends an event to one session. Delivery is best effort.
	Emit(event, sessionID string, payload any)
}

// Registry is an in-memory Broadcaster backed by per-session channels.
// Slow consumers never block the sender: when a session's channel is full
// the event is dropped with a warning.
type Registry struct {
	logger     *slog.Logger
	bufferSize int

	mu       sync.RWMutex
	sessions map[string]chan Event
	closed   bool
}

// NewRegistry creates a registry whose per-session channels hold up to
// bufferSize undelivered events.
func NewRegistry(bufferSize int, logger *slog.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger,
		bufferSize: bufferSize,
		sessions:   make(map[string]chan Event),
	}
}

// Register adds a session and returns its event channel. Registering an id
// that is already present replaces the previous channel, which is closed.
func (r *Registry) Register(sessionID string) <-chan Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	if old, ok := r.sessions[sessionID]; ok {
		close(old)
	}
	ch := make(chan Event, r.bufferSize)
	r.sessions[sessionID] = ch

	r.logger.Debug("session registered", "session", sessionID)
	return ch
}

// Deregister removes a session and closes its channel.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	delete(r.sessions, sessionID)
	close(ch)

	r.logger.Debug("session deregistered", "session", sessionID)
}

// ListActiveSessions returns the ids of all registered sessions.
func (r *Registry) ListActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Emit sends an event to one session. Unknown sessions and full channels
// drop the event.
func (r *Registry) Emit(event, sessionID string, payload any) {
	r.mu.RLock()
	ch, ok := r.sessions[sessionID]
	r.mu.RUnlock()

	if !ok {
		return
	}

	e := Event{
		Type:      event,
		SessionID: sessionID,
		Payload:   payload,
		At:        time.Now(),
	}

	select {
	case ch <- e:
	default:
		r.logger.Warn("session event dropped, channel full",
			"session", sessionID,
			"event", event,
		)
	}
}

// Broadcast emits an event to every registered session.
func (r *Registry) Broadcast(event string, payload any) {
	for _, id := range r.ListActiveSessions() {
		r.Emit(event, id, payload)
	}
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close deregisters every session and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.sessions {
		close(ch)
		delete(r.sessions, id)
	}
}
