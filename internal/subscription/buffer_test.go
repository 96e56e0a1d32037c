package subscription

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingObserver captures buffer notifications for assertions.
type recordingObserver struct {
	mu       sync.Mutex
	started  []int
	overflow []int
	replayed []int
	cleared  []string
	extended int
}

func (o *recordingObserver) BufferingStarted(subscriptions int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, subscriptions)
}

func (o *recordingObserver) BufferOverflow(dropped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overflow = append(o.overflow, dropped)
}

func (o *recordingObserver) BufferReplayed(total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replayed = append(o.replayed, total)
}

func (o *recordingObserver) BufferCleared(reason string, discarded int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared = append(o.cleared, reason)
}

func (o *recordingObserver) ExtendedOutage(outage time.Duration, subscriptions, buffered int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.extended++
}

func (o *recordingObserver) snapshot() (started, overflow, replayed []int, cleared []string, extended int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.started...),
		append([]int(nil), o.overflow...),
		append([]int(nil), o.replayed...),
		append([]string(nil), o.cleared...),
		o.extended
}

func payloadN(n int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"n":%d}`, n))
}

func TestBufferAddBeforeStartIsNoop(t *testing.T) {
	b := NewBuffer(DefaultBufferConfig(), testLogger())

	b.Add("sub-1", payloadN(1))

	stats := b.Stats()
	if stats.Buffering {
		t.Error("expected inactive buffer")
	}
	if stats.TotalUpdates != 0 {
		t.Errorf("expected 0 buffered updates, got %d", stats.TotalUpdates)
	}
}

func TestBufferStartIsIdempotent(t *testing.T) {
	obs := &recordingObserver{}
	b := NewBuffer(DefaultBufferConfig(), testLogger())
	b.AddObserver(obs)

	b.Start([]string{"sub-1", "sub-2"})
	b.Start([]string{"sub-3"})

	started, _, _, _, _ := obs.snapshot()
	if len(started) != 1 {
		t.Fatalf("expected 1 started notification, got %d", len(started))
	}
	if started[0] != 2 {
		t.Errorf("expected started notification for 2 subscriptions, got %d", started[0])
	}

	b.Dispose()
}

func TestBufferPerSubscriptionCap(t *testing.T) {
	cfg := DefaultBufferConfig()
	cfg.MaxUpdatesPerSubscription = 5
	b := NewBuffer(cfg, testLogger())

	b.Start([]string{"sub-1"})
	for i := 1; i <= 7; i++ {
		b.Add("sub-1", payloadN(i))
	}

	var got []Update
	b.Stop(func(id string, updates []Update) {
		got = append(got, updates...)
	})

	if len(got) != 5 {
		t.Fatalf("expected 5 retained updates, got %d", len(got))
	}
	// The two oldest were evicted; sequences 3..7 survive in order.
	for i, u := range got {
		want := uint64(i + 3)
		if u.Sequence != want {
			t.Errorf("update %d: expected sequence %d, got %d", i, want, u.Sequence)
		}
	}
}

func TestBufferGlobalOverflowEvictsOldestAcrossQueues(t *testing.T) {
	cfg := DefaultBufferConfig()
	cfg.MaxTotalUpdates = 5
	obs := &recordingObserver{}
	b := NewBuffer(cfg, testLogger())
	b.AddObserver(obs)

	b.Start([]string{"sub-a", "sub-b"})
	for i := 1; i <= 6; i++ {
		id := "sub-a"
		if i%2 == 0 {
			id = "sub-b"
		}
		b.Add(id, payloadN(i))
	}

	_, overflow, _, _, _ := obs.snapshot()
	if len(overflow) != 1 || overflow[0] != 1 {
		t.Fatalf("expected one overflow notification dropping 1, got %v", overflow)
	}

	replayed := make(map[string][]Update)
	b.Stop(func(id string, updates []Update) {
		replayed[id] = updates
	})

	total := len(replayed["sub-a"]) + len(replayed["sub-b"])
	if total != 5 {
		t.Fatalf("expected 5 retained updates, got %d", total)
	}
	// Sequence 1 went to sub-a and was the global oldest.
	if len(replayed["sub-a"]) == 0 || replayed["sub-a"][0].Sequence != 3 {
		t.Errorf("expected sub-a to start at sequence 3, got %+v", replayed["sub-a"])
	}
}

func TestBufferStopReplaysInSequenceOrder(t *testing.T) {
	obs := &recordingObserver{}
	b := NewBuffer(DefaultBufferConfig(), testLogger())
	b.AddObserver(obs)

	b.Start([]string{"sub-1"})
	for i := 1; i <= 4; i++ {
		b.Add("sub-1", payloadN(i))
	}

	var got []Update
	b.Stop(func(id string, updates []Update) {
		got = updates
	})

	if len(got) != 4 {
		t.Fatalf("expected 4 updates, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Sequence <= got[i-1].Sequence {
			t.Errorf("replay out of order at %d: %d then %d", i, got[i-1].Sequence, got[i].Sequence)
		}
	}

	_, _, replayed, _, extended := obs.snapshot()
	if len(replayed) != 1 || replayed[0] != 4 {
		t.Errorf("expected replayed notification with total 4, got %v", replayed)
	}
	if extended != 0 {
		t.Errorf("expected no extended-outage notification, got %d", extended)
	}
	if b.IsActive() {
		t.Error("expected buffer inactive after stop")
	}
}

func TestBufferStopWhenInactiveIsNoop(t *testing.T) {
	obs := &recordingObserver{}
	b := NewBuffer(DefaultBufferConfig(), testLogger())
	b.AddObserver(obs)

	called := false
	b.Stop(func(id string, updates []Update) {
		called = true
	})

	if called {
		t.Error("replay callback should not fire with no active session")
	}
	_, _, replayed, _, _ := obs.snapshot()
	if len(replayed) != 0 {
		t.Errorf("expected no replayed notification, got %v", replayed)
	}
}

func TestBufferCleanupCeilingFiresOnce(t *testing.T) {
	cfg := DefaultBufferConfig()
	cfg.CleanupTimeout = 20 * time.Millisecond
	obs := &recordingObserver{}
	b := NewBuffer(cfg, testLogger())
	b.AddObserver(obs)

	b.Start([]string{"sub-1"})
	b.Add("sub-1", payloadN(1))

	deadline := time.Now().Add(500 * time.Millisecond)
	for b.IsActive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.IsActive() {
		t.Fatal("cleanup ceiling never fired")
	}

	_, _, _, cleared, extended := obs.snapshot()
	if extended != 1 {
		t.Errorf("expected 1 extended-outage notification, got %d", extended)
	}
	if len(cleared) != 1 || cleared[0] != "timeout" {
		t.Errorf("expected cleared notification with reason timeout, got %v", cleared)
	}

	// A late stop must not replay anything.
	called := false
	b.Stop(func(id string, updates []Update) { called = true })
	if called {
		t.Error("replay fired after the session was force-cleared")
	}
}

func TestBufferManualClear(t *testing.T) {
	obs := &recordingObserver{}
	b := NewBuffer(DefaultBufferConfig(), testLogger())
	b.AddObserver(obs)

	b.Start([]string{"sub-1"})
	b.Add("sub-1", payloadN(1))
	b.Add("sub-1", payloadN(2))
	b.Clear("manual")

	if b.IsActive() {
		t.Error("expected inactive buffer after clear")
	}
	_, _, _, cleared, _ := obs.snapshot()
	if len(cleared) != 1 || cleared[0] != "manual" {
		t.Errorf("expected cleared notification with reason manual, got %v", cleared)
	}
}

func TestBufferStats(t *testing.T) {
	b := NewBuffer(DefaultBufferConfig(), testLogger())

	b.Start([]string{"sub-1", "sub-2"})
	b.Add("sub-1", payloadN(1))
	b.Add("sub-2", payloadN(2))
	b.Add("sub-2", payloadN(3))

	stats := b.Stats()
	if !stats.Buffering {
		t.Error("expected buffering true")
	}
	if stats.TotalUpdates != 3 {
		t.Errorf("expected 3 total updates, got %d", stats.TotalUpdates)
	}
	if stats.Subscriptions != 2 {
		t.Errorf("expected 2 subscriptions, got %d", stats.Subscriptions)
	}

	b.Dispose()
	stats = b.Stats()
	if stats.Buffering || stats.TotalUpdates != 0 {
		t.Errorf("expected empty stats after dispose, got %+v", stats)
	}
}
