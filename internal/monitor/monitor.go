// Package monitor watches submitted ladders. When a ladder's market order
// (its anchor) is no longer an open position, the ladder's remaining stop
// orders are cancelled, and the ladder is retired once none are left.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"topup-ladder/internal/alert"
	"topup-ladder/internal/core"
	"topup-ladder/internal/ladder"
	"topup-ladder/internal/metrics"
)

const (
	defaultInterval      = 2 * time.Second
	defaultCancelTimeout = 10 * time.Second
	defaultMaxBackoff    = time.Minute
)

// Gateway is the part of the terminal the monitor reads and cancels through.
type Gateway interface {
	OpenPositions(ctx context.Context, symbol string) ([]core.Position, error)
	PendingOrders(ctx context.Context, symbol string) ([]core.WorkingOrder, error)
	CancelPendingOrder(ctx context.Context, orderID, tag string) error
}

// PollGuard gates polling behind a circuit breaker.
type PollGuard interface {
	AllowPoll() error
	RecordPoll(err error) error
}

// Journal records ladder state changes.
type Journal interface {
	RecordTransition(ladderID string, from, to core.LadderState, detail string) error
}

type Options struct {
	Interval      time.Duration
	CancelTimeout time.Duration
	MaxBackoff    time.Duration
	// Nudge triggers an immediate poll, e.g. on a trade event.
	Nudge   <-chan struct{}
	Alerter alert.Alerter
	Journal Journal
	Guard   PollGuard
	Now     func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = defaultInterval
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = defaultCancelTimeout
	}
	if o.MaxBackoff < o.Interval {
		o.MaxBackoff = defaultMaxBackoff
		if o.MaxBackoff < o.Interval {
			o.MaxBackoff = o.Interval
		}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Monitor struct {
	gw       Gateway
	opts     Options
	registry *Registry
	nudge    chan struct{}

	mu           sync.Mutex
	retired      int
	lastPoll     time.Time
	pollFailures int
}

func New(gw Gateway, opts Options) *Monitor {
	return &Monitor{
		gw:       gw,
		opts:     opts.withDefaults(),
		registry: NewRegistry(),
		nudge:    make(chan struct{}, 1),
	}
}

// Register adds ladders to watch.
func (m *Monitor) Register(entries ...Entry) error {
	now := m.opts.Now()
	for i := range entries {
		if entries[i].RegisteredAt.IsZero() {
			entries[i].RegisteredAt = now
		}
	}
	if err := m.registry.Add(entries...); err != nil {
		return err
	}
	for _, e := range entries {
		log.Info().Str("event", "ladder_registered").Str("ladder", e.LadderID).Str("symbol", e.Symbol).
			Str("side", string(e.Side)).Int64("magic", e.Magic).Str("anchor", e.AnchorTicket).
			Int("pending", len(e.Pending)).Bool("match_by_magic", e.MatchByMagic).Msg("watching ladder")
	}
	m.publishStates()
	return nil
}

func (m *Monitor) Snapshot() []Entry { return m.registry.Snapshot() }

// Retired counts ladders retired since the monitor was created.
func (m *Monitor) Retired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retired
}

// PollHealth reports when the run loop last finished a poll and how many
// polls in a row have failed since the last clean one.
func (m *Monitor) PollHealth() (time.Time, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPoll, m.pollFailures
}

func (m *Monitor) notePoll(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPoll = m.opts.Now()
	if err != nil {
		m.pollFailures++
		return
	}
	m.pollFailures = 0
}

// Nudge asks the run loop to poll now. It never blocks.
func (m *Monitor) Nudge() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

type cancelJob struct {
	ladderID string
	orderID  string
	tag      string
}

// Poll runs one detection pass over every tracked ladder. It reports
// gateway read failures and cancels that did not go through.
func (m *Monitor) Poll(ctx context.Context) error {
	queryErr, cancelErr := m.poll(ctx)
	return errors.Join(queryErr, cancelErr)
}

func (m *Monitor) poll(ctx context.Context) (queryErr, cancelErr error) {
	entries := m.registry.Snapshot()
	bySymbol := make(map[string][]Entry)
	symbols := make([]string, 0)
	for _, e := range entries {
		if _, ok := bySymbol[e.Symbol]; !ok {
			symbols = append(symbols, e.Symbol)
		}
		bySymbol[e.Symbol] = append(bySymbol[e.Symbol], e)
	}
	sort.Strings(symbols)

	var queryErrs []error
	var jobs []cancelJob
	for _, symbol := range symbols {
		positions, err := m.gw.OpenPositions(ctx, symbol)
		if err != nil {
			queryErrs = append(queryErrs, fmt.Errorf("positions %s: %w", symbol, err))
			continue
		}
		orders, err := m.gw.PendingOrders(ctx, symbol)
		if err != nil {
			queryErrs = append(queryErrs, fmt.Errorf("pending orders %s: %w", symbol, err))
			continue
		}
		for _, e := range bySymbol[symbol] {
			jobs = append(jobs, m.step(e, positions, orders)...)
		}
	}

	queryErr = errors.Join(queryErrs...)
	metrics.ObservePoll(queryErr)
	if queryErr != nil {
		log.Warn().Err(queryErr).Str("event", "poll_failed").Msg("monitor poll incomplete")
	}
	cancelErr = m.cancelAll(ctx, jobs)
	m.publishStates()
	return queryErr, cancelErr
}

// step advances one ladder and returns the cancels it needs.
func (m *Monitor) step(e Entry, positions []core.Position, orders []core.WorkingOrder) []cancelJob {
	owned := ownedOrders(e, orders)
	switch e.State {
	case core.LadderActive:
		if anchorPresent(e, positions) {
			return nil
		}
		e.State = core.LadderAnchorLost
		e.LostAt = m.opts.Now()
		m.registry.update(e)
		log.Warn().Str("event", "anchor_lost").Str("ladder", e.LadderID).Str("symbol", e.Symbol).
			Str("side", string(e.Side)).Str("anchor", e.AnchorTicket).Int("pending", len(owned)).
			Msg("anchor position gone, cancelling ladder")
		m.transition(e, core.LadderActive, core.LadderAnchorLost, fmt.Sprintf("anchor=%s pending=%d", e.AnchorTicket, len(owned)))
		m.alert("anchor_lost", e, map[string]string{"pending": strconv.Itoa(len(owned))})
		return cancelJobs(e, owned)
	case core.LadderAnchorLost:
		if len(owned) > 0 {
			log.Info().Str("event", "cancel_reissue").Str("ladder", e.LadderID).Int("pending", len(owned)).
				Msg("ladder still has pending orders")
			return cancelJobs(e, owned)
		}
		m.registry.remove(e.LadderID)
		m.mu.Lock()
		m.retired++
		m.mu.Unlock()
		log.Info().Str("event", "ladder_retired").Str("ladder", e.LadderID).Str("symbol", e.Symbol).
			Str("side", string(e.Side)).Msg("ladder retired")
		m.transition(e, core.LadderAnchorLost, core.LadderRetired, "")
		m.alert("ladder_retired", e, nil)
	}
	return nil
}

// cancelAll sends every cancel concurrently, each under its own timeout,
// and waits for all of them. An order that is already gone counts as done.
func (m *Monitor) cancelAll(ctx context.Context, jobs []cancelJob) error {
	if len(jobs) == 0 {
		return nil
	}
	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job cancelJob) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.opts.CancelTimeout)
			defer cancel()
			err := m.gw.CancelPendingOrder(cctx, job.orderID, job.tag)
			gone := errors.Is(err, core.ErrOrderNotFound)
			metrics.ObserveCancel(err, gone)
			switch {
			case err == nil:
				log.Info().Str("event", "order_cancelled").Str("ladder", job.ladderID).Str("order", job.orderID).Msg("pending order cancelled")
			case gone:
				log.Debug().Str("event", "order_gone").Str("ladder", job.ladderID).Str("order", job.orderID).Msg("pending order already gone")
			default:
				errs[i] = fmt.Errorf("cancel %s for ladder %s: %w", job.orderID, job.ladderID, err)
				log.Error().Err(err).Str("event", "cancel_failed").Str("ladder", job.ladderID).Str("order", job.orderID).
					Msg("cancel failed, will retry next poll")
				if m.opts.Alerter != nil {
					m.opts.Alerter.Important("cancel_failed", map[string]string{
						"ladder": job.ladderID,
						"order":  job.orderID,
						"error":  err.Error(),
					})
				}
			}
		}(i, job)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Run polls every Interval until ctx is done. Failed polls back off
// exponentially up to MaxBackoff.
func (m *Monitor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.opts.Interval
	bo.MaxInterval = m.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	external := m.opts.Nudge
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-m.nudge:
		case _, ok := <-external:
			if !ok {
				external = nil
				continue
			}
		}

		wait := m.opts.Interval
		err := m.guardedPoll(ctx)
		m.notePoll(err)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = bo.NextBackOff()
			log.Warn().Err(err).Str("event", "monitor_backoff").Dur("wait", wait).Msg("poll failed")
		} else {
			bo.Reset()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
	}
}

func (m *Monitor) guardedPoll(ctx context.Context) error {
	if m.opts.Guard != nil {
		if err := m.opts.Guard.AllowPoll(); err != nil {
			return err
		}
	}
	queryErr, cancelErr := m.poll(ctx)
	if m.opts.Guard != nil {
		if trip := m.opts.Guard.RecordPoll(queryErr); trip != nil {
			queryErr = trip
		}
	}
	return errors.Join(queryErr, cancelErr)
}

func (m *Monitor) transition(e Entry, from, to core.LadderState, detail string) {
	if m.opts.Journal == nil {
		return
	}
	if err := m.opts.Journal.RecordTransition(e.LadderID, from, to, detail); err != nil {
		log.Error().Err(err).Str("event", "journal_failed").Str("ladder", e.LadderID).Msg("transition not journaled")
	}
}

func (m *Monitor) alert(event string, e Entry, extra map[string]string) {
	if m.opts.Alerter == nil {
		return
	}
	fields := map[string]string{
		"ladder": e.LadderID,
		"symbol": e.Symbol,
		"side":   string(e.Side),
		"magic":  strconv.FormatInt(e.Magic, 10),
	}
	for k, v := range extra {
		fields[k] = v
	}
	m.opts.Alerter.Important(event, fields)
}

func (m *Monitor) publishStates() {
	counts := map[string]int{}
	for _, e := range m.registry.Snapshot() {
		counts[string(e.State)]++
	}
	counts[string(core.LadderRetired)] = m.Retired()
	metrics.SetLadderStates(counts, string(core.LadderActive), string(core.LadderAnchorLost), string(core.LadderRetired))
}

// anchorPresent matches the anchor by ticket when known, otherwise by the
// rung-0 tag, and finally by magic for ladders rebuilt from terminal state.
func anchorPresent(e Entry, positions []core.Position) bool {
	if e.AnchorTicket != "" {
		for _, p := range positions {
			if p.Ticket == e.AnchorTicket {
				return true
			}
		}
		return false
	}
	tag := ladder.Tag(e.Magic, 0)
	for _, p := range positions {
		if p.Tag == tag {
			return true
		}
	}
	if !e.MatchByMagic {
		return false
	}
	for _, p := range positions {
		if p.Magic == e.Magic && (e.Side == "" || p.Side == e.Side) && !ladder.IsTopUpTag(p.Tag) {
			return true
		}
	}
	return false
}

func ownedOrders(e Entry, orders []core.WorkingOrder) []core.WorkingOrder {
	ids := make(map[string]struct{}, len(e.Pending))
	for _, id := range e.Pending {
		ids[id] = struct{}{}
	}
	var out []core.WorkingOrder
	for _, o := range orders {
		if _, ok := ids[o.OrderID]; ok {
			out = append(out, o)
			continue
		}
		if e.MatchByMagic && o.Magic == e.Magic {
			out = append(out, o)
		}
	}
	return out
}

func cancelJobs(e Entry, orders []core.WorkingOrder) []cancelJob {
	out := make([]cancelJob, 0, len(orders))
	for _, o := range orders {
		out = append(out, cancelJob{ladderID: e.LadderID, orderID: o.OrderID, tag: o.Tag})
	}
	return out
}
