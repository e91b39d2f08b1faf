package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"topup-ladder/internal/alert"
	"topup-ladder/internal/core"
	"topup-ladder/internal/gateway"
	"topup-ladder/internal/instrument"
	"topup-ladder/internal/ladder"
	"topup-ladder/internal/metrics"
	"topup-ladder/internal/monitor"
	"topup-ladder/internal/sizing"
	"topup-ladder/internal/store"
)

var ErrDeclined = errors.New("plan declined")

var ErrNothingAnchored = errors.New("no ladder anchored")

const maxEventBackoff = 30 * time.Second

// EventFeed streams book-change hints for a symbol. The signal channel
// closes when the feed drops; the error channel may say why.
type EventFeed interface {
	Watch(ctx context.Context, symbol string) (<-chan struct{}, <-chan error, error)
}

// Session plans a straddle of ladders, submits it, and watches it until
// every ladder has retired.
type Session struct {
	Gateway      gateway.Gateway
	Events       EventFeed
	Symbol       string
	Mode         string
	InstanceID   string
	Risk         sizing.RiskConfig
	Options      ladder.Options
	Sides        []core.Side
	PointsPerPip int64
	Monitor      monitor.Options
	Heartbeat    time.Duration
	Store        *store.Store
	Journal      *store.Journal
	Alerts       alert.Alerter
	// Confirm is asked before anything is submitted. Nil means yes.
	Confirm func([]core.OrderPlan) (bool, error)
	Out     io.Writer
	DryRun  bool
}

// Result is what a session did.
type Result struct {
	Plans   []core.OrderPlan
	Report  *ladder.ExecutionReport
	Retired int
}

func (s *Session) Run(ctx context.Context) (res Result, runErr error) {
	startedAt := time.Now().UTC()
	var ladders []monitor.Entry
	retired := 0
	s.persistRuntimeStatus("planning", startedAt, nil, 0, nil, pollHealth{})
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrDeclined) {
			err = nil
		}
		s.persistRuntimeStatus("stopped", startedAt, ladders, retired, err, pollHealth{})
	}()

	snap, plans, err := s.plan(ctx)
	if err != nil {
		s.alertImportant("plan_failed", map[string]string{"err": err.Error()})
		return res, err
	}
	res.Plans = plans
	if s.Out != nil {
		if err := PrintPlans(s.Out, snap, plans); err != nil {
			log.Warn().Err(err).Str("event", "plan_print_failed").Msg("plan printout failed")
		}
	}
	if s.Store != nil {
		if err := s.Store.SavePlans(plans, s.DryRun); err != nil {
			log.Warn().Err(err).Str("event", "plan_snapshot_write_failed").Msg("plan snapshot not saved")
		}
	}
	if s.DryRun {
		log.Info().Str("event", "dry_run").Int("ladders", len(plans)).Msg("dry run, nothing submitted")
		return res, nil
	}
	if s.Confirm != nil {
		ok, err := s.Confirm(plans)
		if err != nil {
			return res, fmt.Errorf("confirm: %w", err)
		}
		if !ok {
			log.Info().Str("event", "plan_declined").Msg("plan declined, nothing submitted")
			return res, ErrDeclined
		}
	}

	s.persistRuntimeStatus("submitting", startedAt, nil, 0, nil, pollHealth{})
	report := ladder.Execute(ctx, s.Gateway, snap.Volume, plans)
	res.Report = &report
	if err := s.Journal.RecordExecution(report); err != nil {
		log.Error().Err(err).Str("event", "journal_failed").Msg("execution not journaled")
	}
	s.reportExecution(report)

	ladders = monitor.FromExecution(report, time.Now().UTC())
	if len(ladders) == 0 {
		return res, errors.Join(ErrNothingAnchored, report.Err())
	}
	retired, ladders, err = s.watch(ctx, startedAt, ladders)
	res.Retired = retired
	return res, err
}

func (s *Session) plan(ctx context.Context) (instrument.Snapshot, []core.OrderPlan, error) {
	snap, err := instrument.Fetch(ctx, s.Gateway, s.Symbol, s.PointsPerPip)
	if err != nil {
		metrics.ObservePlan("", err)
		return instrument.Snapshot{}, nil, err
	}
	plans, err := ladder.PlanSides(s.Risk, snap, s.Options, s.Sides)
	if err != nil {
		side := ""
		var planErr *core.PlanningError
		if errors.As(err, &planErr) {
			side = string(planErr.Side)
		}
		metrics.ObservePlan(side, err)
		return instrument.Snapshot{}, nil, err
	}
	for _, plan := range plans {
		metrics.ObservePlan(string(plan.Side), nil)
		metrics.AddRejectedLevels(string(plan.Side), len(plan.Rejected))
		if err := s.Journal.RecordPlan(plan); err != nil {
			log.Error().Err(err).Str("event", "journal_failed").Str("ladder", plan.LadderID).Msg("plan not journaled")
		}
		ev := log.Info()
		if !plan.Shortfall.IsZero() {
			ev = log.Warn().Str("shortfall", plan.Shortfall.String())
		}
		ev.Str("event", "ladder_planned").Str("ladder", plan.LadderID).Str("side", string(plan.Side)).
			Str("market_lot", plan.Market.LotSize.String()).Int("pending", len(plan.Pending)).
			Int("rejected", len(plan.Rejected)).Str("planned_gain", plan.PlannedGainDollars.String()).
			Msg("ladder planned")
	}
	return snap, plans, nil
}

func (s *Session) reportExecution(report ladder.ExecutionReport) {
	for _, f := range report.Failures {
		log.Error().Err(f.Err).Str("event", "rung_failed").Str("ladder", f.LadderID).
			Str("side", string(f.Side)).Int("rung", f.Rung).Str("op", string(f.Op)).Msg("rung not placed")
	}
	if len(report.Failures) > 0 {
		s.alertImportant("execution_failed", map[string]string{
			"failures": strconv.Itoa(len(report.Failures)),
			"summary":  report.Summary(),
			"err":      report.Err().Error(),
		})
	}
	anchored := 0
	for _, l := range report.Ladders {
		if l.Anchored() {
			anchored++
		}
	}
	if anchored > 0 {
		s.alertImportant("ladders_submitted", map[string]string{
			"ladders": strconv.Itoa(anchored),
			"summary": report.Summary(),
		})
	}
	log.Info().Str("event", "execution_done").Int("anchored", anchored).
		Int("failures", len(report.Failures)).Msg(report.Summary())
}

// watch runs the monitor over ladders until all of them retire or ctx ends.
// It returns the retired count and the ladders still tracked.
func (s *Session) watch(ctx context.Context, startedAt time.Time, ladders []monitor.Entry) (int, []monitor.Entry, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := s.Monitor
	if opts.Alerter == nil && s.Alerts != nil {
		opts.Alerter = s.Alerts
	}
	if opts.Journal == nil && s.Journal != nil {
		opts.Journal = s.Journal
	}
	if s.Events != nil && opts.Nudge == nil {
		nudge := make(chan struct{}, 1)
		opts.Nudge = nudge
		go s.pumpEvents(runCtx, nudge)
	}

	handle, err := monitor.Start(runCtx, s.Gateway, ladders, opts)
	if err != nil {
		return 0, ladders, err
	}
	defer handle.Stop()
	s.persistRuntimeStatus("monitoring", startedAt, handle.Snapshot(), 0, nil, pollHealth{})
	health := func() pollHealth {
		last, failures := handle.PollHealth()
		return pollHealth{last: last, failures: failures}
	}

	check := time.NewTicker(checkInterval(opts.Interval))
	defer check.Stop()
	var heartbeat <-chan time.Time
	if s.Heartbeat > 0 {
		ticker := time.NewTicker(s.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for {
		select {
		case <-check.C:
			if handle.Retired() >= len(ladders) {
				log.Info().Str("event", "session_complete").Int("retired", handle.Retired()).Msg("every ladder retired")
				s.alertImportant("session_complete", map[string]string{"retired": strconv.Itoa(handle.Retired())})
				err := handle.Stop()
				return handle.Retired(), handle.Snapshot(), err
			}
		case <-heartbeat:
			s.persistRuntimeStatus("monitoring", startedAt, handle.Snapshot(), handle.Retired(), nil, health())
		case <-handle.Done():
			err := handle.Stop()
			if err == nil {
				err = ctx.Err()
			}
			return handle.Retired(), handle.Snapshot(), err
		case <-ctx.Done():
			_ = handle.Stop()
			return handle.Retired(), handle.Snapshot(), ctx.Err()
		}
	}
}

func checkInterval(poll time.Duration) time.Duration {
	if poll <= 0 || poll > time.Second {
		return time.Second
	}
	return poll
}

func (s *Session) pumpEvents(ctx context.Context, nudge chan<- struct{}) {
	PumpEvents(ctx, s.Events, s.Symbol, s.Alerts, nudge)
}

// PumpEvents forwards feed signals to nudge until ctx is done, reconnecting
// the feed with a doubling backoff when it drops. alerts may be nil.
func PumpEvents(ctx context.Context, feed EventFeed, symbol string, alerts alert.Alerter, nudge chan<- struct{}) {
	notify := func(event string, fields map[string]string) {
		if alerts != nil {
			alerts.Important(event, fields)
		}
	}
	wait := time.Second
	attempts := 0
	var downSince time.Time
	for {
		signals, errs, err := feed.Watch(ctx, symbol)
		if err == nil {
			if !downSince.IsZero() {
				notify("event_stream_reconnected", map[string]string{
					"reconnect_attempts": strconv.Itoa(attempts),
					"down_duration":      time.Since(downSince).Round(time.Second).String(),
				})
				downSince = time.Time{}
				attempts = 0
				wait = time.Second
			}
			err = forwardSignals(ctx, signals, errs, nudge)
		}
		if ctx.Err() != nil {
			return
		}
		if downSince.IsZero() {
			downSince = time.Now()
			notify("event_stream_disconnected", map[string]string{"reason": err.Error()})
		}
		attempts++
		log.Warn().Err(err).Str("event", "event_stream_retry").Int("attempt", attempts).Dur("wait", wait).
			Msg("event stream unavailable, polling continues")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		if wait < maxEventBackoff {
			wait *= 2
			if wait > maxEventBackoff {
				wait = maxEventBackoff
			}
		}
	}
}

func forwardSignals(ctx context.Context, signals <-chan struct{}, errs <-chan error, nudge chan<- struct{}) error {
	for {
		select {
		case _, ok := <-signals:
			if !ok {
				select {
				case err := <-errs:
					if err != nil {
						return err
					}
				default:
				}
				return errors.New("event stream closed")
			}
			select {
			case nudge <- struct{}{}:
			default:
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) alertImportant(event string, fields map[string]string) {
	if s.Alerts == nil {
		return
	}
	s.Alerts.Important(event, fields)
}

type pollHealth struct {
	last     time.Time
	failures int
}

func (s *Session) persistRuntimeStatus(state string, startedAt time.Time, ladders []monitor.Entry, retired int, lastErr error, health pollHealth) {
	if s.Store == nil {
		return
	}
	mode := strings.TrimSpace(s.Mode)
	if mode == "" {
		mode = "paper"
	}
	instanceID := s.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	status := store.RuntimeStatus{
		Mode:       mode,
		Symbol:     s.Symbol,
		InstanceID: instanceID,
		PID:        os.Getpid(),
		State:      state,
		StartedAt:  startedAt,
		Retired:    retired,
		Ladders:    make([]store.LadderStatus, 0, len(ladders)),
	}
	for _, e := range ladders {
		status.Ladders = append(status.Ladders, store.LadderStatus{
			LadderID:     e.LadderID,
			Side:         e.Side,
			Magic:        e.Magic,
			State:        e.State,
			AnchorTicket: e.AnchorTicket,
			Pending:      len(e.Pending),
		})
	}
	if !health.last.IsZero() {
		last := health.last
		status.LastPollAt = &last
		status.PollFailures = health.failures
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := s.Store.SaveRuntimeStatus(status); err != nil {
		log.Warn().Err(err).Str("event", "runtime_status_write_failed").Msg("runtime status not saved")
	}
}
