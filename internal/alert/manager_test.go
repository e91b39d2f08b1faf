package alert

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type notifierSpy struct {
	block   <-chan struct{}
	entered chan struct{}
	once    sync.Once

	mu   sync.Mutex
	msgs []string
}

func (n *notifierSpy) Notify(ctx context.Context, msg string) error {
	if n.entered != nil {
		n.once.Do(func() {
			close(n.entered)
		})
	}
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
	return nil
}

func (n *notifierSpy) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

func (n *notifierSpy) first() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.msgs) == 0 {
		return ""
	}
	return n.msgs[0]
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNewManagerWithoutNotifierIsNil(t *testing.T) {
	m := NewManager("paper", "XAUUSD", nil)
	if m != nil {
		t.Fatalf("NewManager(nil notifier) = %v, want nil", m)
	}
	m.Important("anchor_lost", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("nil Close() error = %v", err)
	}
}

func TestManagerCloseFlushesQueuedEvents(t *testing.T) {
	spy := &notifierSpy{}
	m := NewManager("bridge", "XAUUSD", spy)
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}

	m.Important("anchor_lost", map[string]string{"ladder": "1001-ab12cd34"})
	m.Important("ladder_retired", map[string]string{"ladder": "1001-ab12cd34"})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if spy.count() != 2 {
		t.Fatalf("notified count = %d, want 2", spy.count())
	}
	msg := spy.first()
	for _, want := range []string{"[topup-ladder] WARN anchor_lost", "XAUUSD (bridge)", "ladder 1001-ab12cd34"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("first message missing %q, got %q", want, msg)
		}
	}
}

func TestBuildMessageGroupsLadderIdentity(t *testing.T) {
	m := &Manager{mode: "live", symbol: "EURUSD"}
	msg := m.buildMessage("cancel_failed", map[string]string{
		"ladder":   "1002-9f8e7d6c",
		"side":     "SELL",
		"magic":    "1002",
		"symbol":   "XAUUSD",
		"order_id": "55",
		"err":      "timeout",
	})
	lines := strings.Split(msg, "\n")
	if len(lines) != 6 {
		t.Fatalf("line count = %d, want 6, got %q", len(lines), msg)
	}
	want := []string{
		"[topup-ladder] CRIT cancel_failed",
		"XAUUSD (live)",
		"ladder 1002-9f8e7d6c SELL magic=1002",
		"err: timeout",
		"order_id: 55",
	}
	for i, w := range want {
		if lines[i] != w {
			t.Fatalf("line %d = %q, want %q", i, lines[i], w)
		}
	}
	if !strings.HasPrefix(lines[5], "at ") {
		t.Fatalf("last line = %q, want timestamp", lines[5])
	}
}

func TestBuildMessageWithoutLadderKeepsFields(t *testing.T) {
	m := &Manager{mode: "paper", symbol: "EURUSD"}
	msg := m.buildMessage("session_complete", map[string]string{"retired": "2", "side": "BUY"})
	for _, want := range []string{"[topup-ladder] INFO session_complete", "EURUSD (paper)", "retired: 2", "side: BUY"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q, got %q", want, msg)
		}
	}
	if strings.Contains(msg, "ladder ") {
		t.Fatalf("unexpected ladder line in %q", msg)
	}
}

func TestManagerImportantNonBlockingWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManager("bridge", "XAUUSD", spy)
	if m == nil {
		t.Fatalf("NewManager() returned nil")
	}
	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("notifier did not enter blocked state")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			m.Important("spam", map[string]string{"i": "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("Important() appears blocked when queue is full")
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerTracksDroppedCountAndPendingWindow(t *testing.T) {
	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManagerWithOptions("bridge", "XAUUSD", spy, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 0,
	})
	if m == nil {
		t.Fatalf("NewManagerWithOptions() returned nil")
	}

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	// Fill the queue while the sender is blocked, then overflow it.
	m.Important("queue_fill", nil)
	for i := 0; i < 10; i++ {
		m.Important("spam", map[string]string{"i": "x"})
	}

	total, pending := m.droppedStats()
	if total != 10 {
		t.Fatalf("dropped total = %d, want 10", total)
	}
	if pending != 10 {
		t.Fatalf("dropped pending window = %d, want 10", pending)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestManagerPeriodicDroppedReportEmitsAndResetsWindow(t *testing.T) {
	logs := &syncBuffer{}
	orig := log.Logger
	log.Logger = zerolog.New(logs)
	defer func() {
		log.Logger = orig
	}()

	block := make(chan struct{})
	spy := &notifierSpy{
		block:   block,
		entered: make(chan struct{}),
	}
	m := NewManagerWithOptions("bridge", "XAUUSD", spy, ManagerOptions{
		QueueSize:          1,
		DropReportInterval: 40 * time.Millisecond,
	})
	if m == nil {
		t.Fatalf("NewManagerWithOptions() returned nil")
	}

	m.Important("seed", nil)
	select {
	case <-spy.entered:
	case <-time.After(time.Second):
		t.Fatalf("notifier did not enter blocked state")
	}

	m.Important("queue_fill", nil)
	for i := 0; i < 3; i++ {
		m.Important("spam", nil)
	}

	deadline := time.Now().Add(800 * time.Millisecond)
	for {
		if strings.Contains(logs.String(), `"event":"alert_queue_dropped_report"`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("missing dropped report log, got logs: %s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, pending := m.droppedStats()
	if pending != 0 {
		t.Fatalf("dropped pending window = %d, want 0 after periodic report", pending)
	}

	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
