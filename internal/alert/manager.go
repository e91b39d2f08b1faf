package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Notifier delivers one rendered alert message.
type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the executor, the monitor and the breaker report to.
type Alerter interface {
	Important(event string, fields map[string]string)
}

const (
	defaultAlertQueueSize     = 128
	defaultDropReportInterval = time.Minute
)

type ManagerOptions struct {
	QueueSize          int
	DropReportInterval time.Duration
}

// Manager queues alerts and sends them from its own goroutine so callers
// never wait on the network. Alerts beyond the queue size are dropped and
// counted.
type Manager struct {
	mode                 string
	symbol               string
	notifier             Notifier
	queue                chan alertEvent
	stop                 chan struct{}
	done                 chan struct{}
	dropReportInterval   time.Duration
	droppedTotal         uint64
	droppedSinceReported uint64
	wg                   sync.WaitGroup
	mu                   sync.RWMutex
	closed               bool
}

type alertEvent struct {
	event  string
	fields map[string]string
}

func NewManager(mode, symbol string, notifier Notifier) *Manager {
	return NewManagerWithOptions(mode, symbol, notifier, ManagerOptions{
		QueueSize:          defaultAlertQueueSize,
		DropReportInterval: defaultDropReportInterval,
	})
}

func NewManagerWithOptions(mode, symbol string, notifier Notifier, opts ManagerOptions) *Manager {
	if notifier == nil {
		return nil
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultAlertQueueSize
	}
	reportInterval := opts.DropReportInterval
	if reportInterval < 0 {
		reportInterval = 0
	}
	m := &Manager{
		mode:               mode,
		symbol:             symbol,
		notifier:           notifier,
		queue:              make(chan alertEvent, queueSize),
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
		dropReportInterval: reportInterval,
	}
	m.wg.Add(1)
	go m.loop()
	if m.dropReportInterval > 0 {
		m.wg.Add(1)
		go m.dropReportLoop()
	}
	go func() {
		m.wg.Wait()
		close(m.done)
	}()
	return m
}

func (m *Manager) Important(event string, fields map[string]string) {
	if m == nil || m.notifier == nil {
		return
	}
	ev := alertEvent{
		event:  event,
		fields: cloneFields(fields),
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	select {
	case m.queue <- ev:
		m.mu.RUnlock()
		return
	default:
		droppedTotal := atomic.AddUint64(&m.droppedTotal, 1)
		droppedInWindow := atomic.AddUint64(&m.droppedSinceReported, 1)
		m.mu.RUnlock()
		// First drop in a window is logged now; the rest go into the periodic summary.
		if droppedInWindow == 1 {
			log.Warn().
				Str("event", "alert_queue_dropped").
				Str("target_event", event).
				Str("reason", "queue_full").
				Uint64("dropped_total", droppedTotal).
				Int("queue_len", len(m.queue)).
				Int("queue_cap", cap(m.queue)).
				Msg("alert dropped")
		}
	}
}

func (m *Manager) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.queue:
			m.send(ev)
		case <-m.stop:
			for {
				select {
				case ev := <-m.queue:
					m.send(ev)
				default:
					m.reportDroppedSummary()
					return
				}
			}
		}
	}
}

func (m *Manager) dropReportLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.dropReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reportDroppedSummary()
		case <-m.stop:
			m.reportDroppedSummary()
			return
		}
	}
}

func (m *Manager) reportDroppedSummary() {
	dropped := atomic.SwapUint64(&m.droppedSinceReported, 0)
	if dropped == 0 {
		return
	}
	droppedTotal := atomic.LoadUint64(&m.droppedTotal)
	log.Warn().
		Str("event", "alert_queue_dropped_report").
		Uint64("dropped_since_last", dropped).
		Uint64("dropped_total", droppedTotal).
		Int64("report_interval_sec", int64(m.dropReportInterval/time.Second)).
		Int("queue_len", len(m.queue)).
		Int("queue_cap", cap(m.queue)).
		Msg("alerts dropped since last report")
}

func (m *Manager) droppedStats() (uint64, uint64) {
	if m == nil {
		return 0, 0
	}
	return atomic.LoadUint64(&m.droppedTotal), atomic.LoadUint64(&m.droppedSinceReported)
}

func (m *Manager) send(ev alertEvent) {
	msg := m.buildMessage(ev.event, ev.fields)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := m.notifier.Notify(ctx, msg); err != nil {
		log.Error().Err(err).Str("event", "alert_notify_failed").Str("target_event", ev.event).Msg("alert not delivered")
	}
}

// ladderKeys are rendered on the identity line rather than as plain fields.
var ladderKeys = map[string]bool{"ladder": true, "side": true, "magic": true}

// eventLevel ranks ladder events for the message header. Anything unlisted
// is informational.
var eventLevel = map[string]string{
	"anchor_lost":               "WARN",
	"cancel_failed":             "CRIT",
	"execution_failed":          "CRIT",
	"plan_failed":               "CRIT",
	"circuit_breaker_trip":      "CRIT",
	"circuit_breaker_near_trip": "WARN",
	"circuit_breaker_half_open": "WARN",
	"event_stream_disconnected": "WARN",
}

func level(event string) string {
	if l, ok := eventLevel[event]; ok {
		return l
	}
	return "INFO"
}

// buildMessage renders a header, the ladder identity when the event is
// about one ladder, then the remaining fields sorted by key.
func (m *Manager) buildMessage(event string, fields map[string]string) string {
	symbol := m.symbol
	if s := fields["symbol"]; s != "" {
		symbol = s
	}
	lines := []string{
		fmt.Sprintf("[topup-ladder] %s %s", level(event), event),
		fmt.Sprintf("%s (%s)", symbol, m.mode),
	}
	if id := fields["ladder"]; id != "" {
		ident := "ladder " + id
		if side := fields["side"]; side != "" {
			ident += " " + side
		}
		if magic := fields["magic"]; magic != "" {
			ident += " magic=" + magic
		}
		lines = append(lines, ident)
	}
	grouped := fields["ladder"] != ""
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == "symbol" || (grouped && ladderKeys[k]) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, k+": "+fields[k])
	}
	lines = append(lines, "at "+time.Now().UTC().Format(time.RFC3339))
	return strings.Join(lines, "\n")
}

func cloneFields(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
