package engine

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"topup-ladder/internal/core"
	"topup-ladder/internal/gateway/paper"
	"topup-ladder/internal/instrument"
	"topup-ladder/internal/ladder"
	"topup-ladder/internal/monitor"
	"topup-ladder/internal/sizing"
	"topup-ladder/internal/store"
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func eurusdTerminal() *paper.Terminal {
	return paper.New(instrument.Spec{
		Symbol:           "EURUSD",
		Digits:           5,
		Point:            dec("0.00001"),
		ContractSize:     dec("100000"),
		StopsLevelPoints: 100,
		VolumeMin:        dec("0.01"),
		VolumeMax:        dec("100"),
		VolumeStep:       dec("0.01"),
		TradeAllowed:     true,
	}, instrument.Quote{Bid: dec("1.09990"), Ask: dec("1.10000"), Time: time.Unix(1700000000, 0)})
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *alertSpy) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ev := range a.events {
		if ev == event {
			return true
		}
	}
	return false
}

func newSession(t *testing.T, term *paper.Terminal) (*Session, *alertSpy) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	alerts := &alertSpy{}
	return &Session{
		Gateway:    term,
		Symbol:     "EURUSD",
		Mode:       "paper",
		InstanceID: "test",
		Risk: sizing.RiskConfig{
			AccountSize:             dec("10000"),
			TargetGainPercent:       dec("5"),
			InitialStopPercent:      dec("1"),
			InitialStopDistancePips: dec("100"),
			TakeProfitDistancePips:  dec("100"),
			TopUpPercentages:        []decimal.Decimal{dec("30"), dec("60"), dec("90")},
		},
		Options: ladder.Options{
			Solver:         sizing.ExactResidual{},
			RejectedLevels: ladder.Redistribute,
			BreakEvenStops: true,
			MagicBase:      1001,
		},
		Sides:   []core.Side{core.Buy, core.Sell},
		Monitor: monitor.Options{Interval: 20 * time.Millisecond, CancelTimeout: time.Second},
		Store:   st,
		Alerts:  alerts,
	}, alerts
}

func TestSessionDryRunSubmitsNothing(t *testing.T) {
	term := eurusdTerminal()
	s, _ := newSession(t, term)
	s.DryRun = true
	var out bytes.Buffer
	s.Out = &out

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(res.Plans) != 2 || res.Report != nil {
		t.Fatalf("unexpected result: plans=%d report=%v", len(res.Plans), res.Report)
	}
	positions, _ := term.OpenPositions(context.Background(), "EURUSD")
	orders, _ := term.PendingOrders(context.Background(), "EURUSD")
	if len(positions) != 0 || len(orders) != 0 {
		t.Fatalf("dry run reached the terminal: positions=%d orders=%d", len(positions), len(orders))
	}
	printed := out.String()
	for _, want := range []string{"BUY ladder", "SELL ladder", "RUNG", "market"} {
		if !strings.Contains(printed, want) {
			t.Fatalf("printout missing %q:\n%s", want, printed)
		}
	}
	snap, ok, err := s.Store.LoadPlans()
	if err != nil || !ok || !snap.DryRun || len(snap.Plans) != 2 {
		t.Fatalf("plan snapshot: ok=%v err=%v snap=%+v", ok, err, snap)
	}
	status, ok, err := s.Store.LoadRuntimeStatus()
	if err != nil || !ok || status.State != "stopped" || status.LastError != "" {
		t.Fatalf("runtime status: ok=%v err=%v status=%+v", ok, err, status)
	}
}

func TestSessionDeclinedConfirmSubmitsNothing(t *testing.T) {
	term := eurusdTerminal()
	s, _ := newSession(t, term)
	asked := 0
	s.Confirm = func(plans []core.OrderPlan) (bool, error) {
		asked++
		if len(plans) != 2 {
			t.Fatalf("confirm got %d plans", len(plans))
		}
		return false, nil
	}

	_, err := s.Run(context.Background())
	if !errors.Is(err, ErrDeclined) {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
	if asked != 1 {
		t.Fatalf("confirm asked %d times", asked)
	}
	positions, _ := term.OpenPositions(context.Background(), "EURUSD")
	if len(positions) != 0 {
		t.Fatalf("declined plan opened %d positions", len(positions))
	}
}

func TestSessionPlanFailureSubmitsNothing(t *testing.T) {
	term := eurusdTerminal()
	s, alerts := newSession(t, term)
	s.Risk.TopUpPercentages = []decimal.Decimal{dec("120")}

	_, err := s.Run(context.Background())
	if err == nil {
		t.Fatal("expected planning error")
	}
	if !alerts.has("plan_failed") {
		t.Fatal("expected plan_failed alert")
	}
	positions, _ := term.OpenPositions(context.Background(), "EURUSD")
	if len(positions) != 0 {
		t.Fatalf("failed plan opened %d positions", len(positions))
	}
}

func TestSessionFailsWhenNoAnchorIsAccepted(t *testing.T) {
	term := eurusdTerminal()
	term.RejectNext(core.OpSubmitMarket, core.RetCodeNoMoney)
	term.RejectNext(core.OpSubmitMarket, core.RetCodeNoMoney)
	s, alerts := newSession(t, term)

	res, err := s.Run(context.Background())
	if !errors.Is(err, ErrNothingAnchored) {
		t.Fatalf("expected ErrNothingAnchored, got %v", err)
	}
	if res.Report == nil || len(res.Report.Failures) != 2 {
		t.Fatalf("unexpected report: %+v", res.Report)
	}
	for _, l := range res.Report.Ladders {
		if l.Skipped != len(l.Plan.Pending) {
			t.Fatalf("ladder %s submitted rungs without an anchor", l.Plan.LadderID)
		}
	}
	orders, _ := term.PendingOrders(context.Background(), "EURUSD")
	if len(orders) != 0 {
		t.Fatalf("pending orders without anchor: %d", len(orders))
	}
	if !alerts.has("execution_failed") {
		t.Fatal("expected execution_failed alert")
	}
}

func TestSessionRunsUntilEveryLadderRetires(t *testing.T) {
	term := eurusdTerminal()
	s, alerts := newSession(t, term)
	s.Events = term
	journal, err := store.OpenJournal(s.Store.JournalPath())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer journal.Close()
	s.Journal = journal

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Run(ctx)
		done <- outcome{res, err}
	}()

	var positions []core.Position
	deadline := time.Now().Add(5 * time.Second)
	for {
		positions, _ = term.OpenPositions(ctx, "EURUSD")
		orders, _ := term.PendingOrders(ctx, "EURUSD")
		if len(positions) == 2 && len(orders) == 6 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ladders not placed: positions=%d orders=%d", len(positions), len(orders))
		}
		time.Sleep(10 * time.Millisecond)
	}
	for _, p := range positions {
		if err := term.ClosePosition(p.Ticket); err != nil {
			t.Fatalf("close %s: %v", p.Ticket, err)
		}
	}

	var got outcome
	select {
	case got = <-done:
	case <-time.After(8 * time.Second):
		t.Fatal("session did not finish after anchors closed")
	}
	if got.err != nil {
		t.Fatalf("run: %v", got.err)
	}
	if got.res.Retired != 2 {
		t.Fatalf("retired = %d, want 2", got.res.Retired)
	}
	orders, _ := term.PendingOrders(context.Background(), "EURUSD")
	if len(orders) != 0 {
		t.Fatalf("orphaned pending orders: %d", len(orders))
	}
	for _, ev := range []string{"ladders_submitted", "anchor_lost", "ladder_retired", "session_complete"} {
		if !alerts.has(ev) {
			t.Fatalf("missing alert %s", ev)
		}
	}
	execs, err := journal.Executions()
	if err != nil || len(execs) != 2 {
		t.Fatalf("journal executions: %d err=%v", len(execs), err)
	}
	for _, plan := range got.res.Plans {
		trs, err := journal.Transitions(plan.LadderID)
		if err != nil || len(trs) != 2 {
			t.Fatalf("journal transitions for %s: %+v err=%v", plan.LadderID, trs, err)
		}
	}
	status, ok, err := s.Store.LoadRuntimeStatus()
	if err != nil || !ok || status.State != "stopped" || status.Retired != 2 || len(status.Ladders) != 0 {
		t.Fatalf("runtime status: ok=%v err=%v status=%+v", ok, err, status)
	}
}

func TestSessionStopsOnContextCancel(t *testing.T) {
	term := eurusdTerminal()
	s, _ := newSession(t, term)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx)
		done <- err
	}()
	deadline := time.Now().Add(5 * time.Second)
	for {
		positions, _ := term.OpenPositions(ctx, "EURUSD")
		if len(positions) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ladders not placed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session ignored cancel")
	}
	status, ok, err := s.Store.LoadRuntimeStatus()
	if err != nil || !ok || status.State != "stopped" || status.LastError != "" || len(status.Ladders) != 2 {
		t.Fatalf("runtime status: ok=%v err=%v status=%+v", ok, err, status)
	}
}

type flakyFeed struct {
	mu    sync.Mutex
	calls int
	sig   chan struct{}
}

func (f *flakyFeed) Watch(ctx context.Context, symbol string) (<-chan struct{}, <-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, nil, errors.New("dial refused")
	}
	return f.sig, nil, nil
}

func TestPumpEventsReconnectsAndForwards(t *testing.T) {
	alerts := &alertSpy{}
	feed := &flakyFeed{sig: make(chan struct{}, 1)}
	s := &Session{Events: feed, Symbol: "EURUSD", Alerts: alerts}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	nudge := make(chan struct{}, 1)
	go s.pumpEvents(ctx, nudge)

	feed.sig <- struct{}{}
	select {
	case <-nudge:
	case <-time.After(5 * time.Second):
		t.Fatal("signal not forwarded after reconnect")
	}
	if !alerts.has("event_stream_disconnected") || !alerts.has("event_stream_reconnected") {
		t.Fatalf("unexpected alerts: %v", alerts.events)
	}
}

func TestForwardSignalsReportsStreamError(t *testing.T) {
	signals := make(chan struct{})
	errs := make(chan error, 1)
	errs <- errors.New("read deadline")
	close(signals)
	err := forwardSignals(context.Background(), signals, errs, make(chan struct{}, 1))
	if err == nil || !strings.Contains(err.Error(), "read deadline") {
		t.Fatalf("expected stream error, got %v", err)
	}
}
