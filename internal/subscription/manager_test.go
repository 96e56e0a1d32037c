package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/megalotto/jackpot-data/internal/complexity"
	"github.com/megalotto/jackpot-data/internal/graph"
)

const testSubscriptionQuery = `subscription { ticketPurchased { id owner } }`

// fakeLink is an in-memory Link for manager tests.
type fakeLink struct {
	connectErr error

	mu         sync.Mutex
	connected  bool
	closed     bool
	subscribed map[string]graph.Request
	completed  []string

	messages chan ServerMessage
	errors   chan error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		subscribed: make(map[string]graph.Request),
		messages:   make(chan ServerMessage, 16),
		errors:     make(chan error, 1),
	}
}

func (l *fakeLink) Connect(ctx context.Context) error {
	if l.connectErr != nil {
		return l.connectErr
	}
	l.mu.Lock()
	l.connected = true
	l.mu.Unlock()
	return nil
}

func (l *fakeLink) Subscribe(id string, req graph.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribed[id] = req
	return nil
}

func (l *fakeLink) Complete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, id)
	return nil
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = false
	l.closed = true
	return nil
}

func (l *fakeLink) Messages() <-chan ServerMessage { return l.messages }
func (l *fakeLink) Errors() <-chan error           { return l.errors }

func (l *fakeLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

func (l *fakeLink) push(id, typ string, payload string) {
	l.messages <- ServerMessage{
		ID:         id,
		Type:       typ,
		Payload:    json.RawMessage(payload),
		ReceivedAt: time.Now(),
	}
}

func (l *fakeLink) fail(err error) {
	l.errors <- err
}

func (l *fakeLink) hasSubscription(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subscribed[id]
	return ok
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// fakeDialer hands out links in order, repeating the last one.
type fakeDialer struct {
	mu    sync.Mutex
	links []*fakeLink
	dials int
}

func (d *fakeDialer) dial() Link {
	d.mu.Lock()
	defer d.mu.Unlock()
	l := d.links[len(d.links)-1]
	if d.dials < len(d.links) {
		l = d.links[d.dials]
	}
	d.dials++
	return l
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestManager(t *testing.T, cfg ManagerConfig, bufferCfg BufferConfig, dialer *fakeDialer) *Manager {
	t.Helper()
	analyzer := complexity.New(complexity.Config{})
	buffer := NewBuffer(bufferCfg, testLogger())
	m := NewManager(cfg, analyzer, buffer, dialer.dial, testLogger())
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestManagerSubscribeAndDeliver(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}
	m := newTestManager(t, DefaultManagerConfig(), DefaultBufferConfig(), dialer)

	received := make(chan json.RawMessage, 1)
	id, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(payload json.RawMessage, err error) {
			if err != nil {
				t.Errorf("unexpected handler error: %v", err)
				return
			}
			received <- payload
		}, Options{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if got := m.Count(); got != 1 {
		t.Errorf("expected 1 registered subscription, got %d", got)
	}
	if !link.hasSubscription(id) {
		t.Fatalf("subscribe frame for %s never reached the link", id)
	}

	link.push(id, msgNext, `{"data":{"ticketPurchased":{"id":"t1"}}}`)

	select {
	case payload := <-received:
		if string(payload) != `{"data":{"ticketPurchased":{"id":"t1"}}}` {
			t.Errorf("unexpected payload %s", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("payload never delivered")
	}
}

func TestManagerRejectsOverBudgetSubscription(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}

	cfg := DefaultManagerConfig()
	cfg.MaxScore = 10 // below the flat subscription base cost
	m := newTestManager(t, cfg, DefaultBufferConfig(), dialer)

	_, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(json.RawMessage, error) {}, Options{})

	var limitErr *complexity.LimitError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitError, got %v", err)
	}
	if m.Count() != 0 {
		t.Error("rejected subscription must not be registered")
	}
}

func TestManagerDebounceDeliversTrailingPayload(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}
	m := newTestManager(t, DefaultManagerConfig(), DefaultBufferConfig(), dialer)

	var mu sync.Mutex
	var got []string
	window := 30 * time.Millisecond
	id, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(payload json.RawMessage, err error) {
			mu.Lock()
			got = append(got, string(payload))
			mu.Unlock()
		}, Options{Debounce: &window})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	link.push(id, msgNext, `{"n":1}`)
	link.push(id, msgNext, `{"n":2}`)
	link.push(id, msgNext, `{"n":3}`)

	time.Sleep(4 * window)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected exactly 1 debounced delivery, got %d: %v", len(got), got)
	}
	if got[0] != `{"n":3}` {
		t.Errorf("expected trailing payload, got %s", got[0])
	}
}

func TestManagerErrorFrameRoutesToOnError(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}
	m := newTestManager(t, DefaultManagerConfig(), DefaultBufferConfig(), dialer)

	errs := make(chan error, 1)
	id, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(json.RawMessage, error) { t.Error("handler must not fire when OnError is set") },
		Options{OnError: func(err error) { errs <- err }})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	link.push(id, msgError, `[{"message":"boom"}]`)

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("error never delivered")
	}
}

func TestManagerCompleteFrameDeregisters(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}
	m := newTestManager(t, DefaultManagerConfig(), DefaultBufferConfig(), dialer)

	completed := make(chan struct{})
	id, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(json.RawMessage, error) {},
		Options{OnComplete: func() { close(completed) }})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	link.push(id, msgComplete, "")

	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("OnComplete never fired")
	}
	waitFor(t, time.Second, func() bool { return m.Count() == 0 },
		"completed subscription never deregistered")
}

func TestManagerUnsubscribeSendsComplete(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}
	m := newTestManager(t, DefaultManagerConfig(), DefaultBufferConfig(), dialer)

	id, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(json.RawMessage, error) {}, Options{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	m.Unsubscribe(id)

	if m.Count() != 0 {
		t.Error("expected 0 subscriptions after unsubscribe")
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	if len(link.completed) != 1 || link.completed[0] != id {
		t.Errorf("expected complete frame for %s, got %v", id, link.completed)
	}
}

func TestManagerReconnectsAndReplaysBuffer(t *testing.T) {
	link1 := newFakeLink()
	link2 := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link1, link2}}

	cfg := DefaultManagerConfig()
	cfg.ReconnectBaseDelay = 100 * time.Millisecond

	bufferCfg := DefaultBufferConfig()
	bufferCfg.CleanupTimeout = 5 * time.Second

	analyzer := complexity.New(complexity.Config{})
	buffer := NewBuffer(bufferCfg, testLogger())
	m := NewManager(cfg, analyzer, buffer, dialer.dial, testLogger())
	defer m.Close()

	received := make(chan string, 4)
	id, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(payload json.RawMessage, err error) {
			if err == nil {
				received <- string(payload)
			}
		}, Options{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	link1.fail(ErrStaleLink)

	waitFor(t, time.Second, buffer.IsActive, "buffering never started after link failure")
	if !link1.isClosed() {
		t.Error("failed link should be closed")
	}

	// Updates that would have flowed during the outage.
	buffer.Add(id, json.RawMessage(`{"n":1}`))
	buffer.Add(id, json.RawMessage(`{"n":2}`))

	waitFor(t, time.Second, func() bool { return link2.hasSubscription(id) },
		"subscription never re-established on the new link")

	if dialer.dialCount() != 2 {
		t.Errorf("expected 2 dials, got %d", dialer.dialCount())
	}

	for _, want := range []string{`{"n":1}`, `{"n":2}`} {
		select {
		case got := <-received:
			if got != want {
				t.Errorf("replay out of order: expected %s, got %s", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("buffered payload %s never replayed", want)
		}
	}
	if buffer.IsActive() {
		t.Error("buffering should stop after replay")
	}

	// Live traffic resumes on the new link.
	link2.push(id, msgNext, `{"n":3}`)
	select {
	case got := <-received:
		if got != `{"n":3}` {
			t.Errorf("expected live payload after replay, got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("live payload never delivered after reconnect")
	}
}

func TestManagerGivesUpAfterMaxReconnectAttempts(t *testing.T) {
	link1 := newFakeLink()
	failing := newFakeLink()
	failing.connectErr = errors.New("connection refused")
	dialer := &fakeDialer{links: []*fakeLink{link1, failing}}

	cfg := DefaultManagerConfig()
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 5 * time.Millisecond
	cfg.MaxReconnectAttempts = 3
	m := newTestManager(t, cfg, DefaultBufferConfig(), dialer)

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}

	link1.fail(ErrStaleLink)

	// Initial dial plus each failed reconnect attempt.
	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1+cfg.MaxReconnectAttempts },
		"reconnect attempts never exhausted")

	time.Sleep(20 * time.Millisecond)
	if got := dialer.dialCount(); got != 1+cfg.MaxReconnectAttempts {
		t.Errorf("expected dialing to stop at %d, got %d", 1+cfg.MaxReconnectAttempts, got)
	}
	if connected, connecting := m.Status(); connected || connecting {
		t.Error("expected disconnected state after giving up")
	}

	// Explicit reconnection resets the attempt budget.
	working := newFakeLink()
	dialer.mu.Lock()
	dialer.links = append(dialer.links, working)
	dialer.dials = len(dialer.links) - 1
	dialer.mu.Unlock()

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected after giving up: %v", err)
	}
	if connected, _ := m.Status(); !connected {
		t.Error("expected connected after explicit reconnect")
	}
}

func TestManagerFailAll(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}
	m := newTestManager(t, DefaultManagerConfig(), DefaultBufferConfig(), dialer)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		_, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
			func(payload json.RawMessage, err error) {
				if err != nil {
					errs <- err
				}
			}, Options{})
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	sentinel := errors.New("extended outage")
	m.FailAll(sentinel)

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, sentinel) {
				t.Errorf("expected sentinel error, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("error never delivered to all handlers")
		}
	}
}

func TestManagerHandlerPanicIsContained(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}
	m := newTestManager(t, DefaultManagerConfig(), DefaultBufferConfig(), dialer)

	delivered := make(chan struct{}, 2)
	id, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(json.RawMessage, error) {
			delivered <- struct{}{}
			panic("consumer bug")
		}, Options{})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	link.push(id, msgNext, `{"n":1}`)
	link.push(id, msgNext, `{"n":2}`)

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(time.Second):
			t.Fatal("delivery stopped after handler panic")
		}
	}
}

func TestManagerCloseRejectsNewSubscriptions(t *testing.T) {
	link := newFakeLink()
	dialer := &fakeDialer{links: []*fakeLink{link}}
	m := newTestManager(t, DefaultManagerConfig(), DefaultBufferConfig(), dialer)

	if err := m.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	m.Close()

	_, err := m.Subscribe(context.Background(), graph.Request{Query: testSubscriptionQuery},
		func(json.RawMessage, error) {}, Options{})
	if !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
	if !link.isClosed() {
		t.Error("expected link closed on manager close")
	}
}
