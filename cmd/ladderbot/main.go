package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"topup-ladder/internal/alert"
	"topup-ladder/internal/config"
	"topup-ladder/internal/core"
	"topup-ladder/internal/engine"
	"topup-ladder/internal/gateway"
	"topup-ladder/internal/gateway/bridge"
	"topup-ladder/internal/gateway/paper"
	"topup-ladder/internal/instrument"
	"topup-ladder/internal/ladder"
	"topup-ladder/internal/metrics"
	"topup-ladder/internal/monitor"
	"topup-ladder/internal/safety"
	"topup-ladder/internal/sizing"
	"topup-ladder/internal/store"
)

type runOptions struct {
	Yes    bool
	DryRun bool
	In     io.Reader
	Out    io.Writer
}

func main() {
	var configPath, envPath string
	var opts runOptions
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with secrets")
	flag.BoolVar(&opts.Yes, "yes", false, "submit without asking for confirmation")
	flag.BoolVar(&opts.DryRun, "dry-run", false, "plan and print only")
	flag.Parse()
	opts.In = os.Stdin
	opts.Out = os.Stdout

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	config.SetupLogging(cfg.Observability, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, opts); err != nil {
		log.Error().Err(err).Str("event", "ladderbot_failed").Msg("ladderbot stopped")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, opts runOptions) error {
	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.Warn().Err(err).Str("event", "alert_close_failed").Msg("close alert manager failed")
			}
		}()
	}
	var alerter alert.Alerter
	if alerts != nil {
		alerter = alerts
	}
	metrics.Serve(ctx, cfg.Observability.MetricsAddr)

	stateDir := filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.Symbol, cfg.InstanceID)
	st, err := store.New(stateDir)
	if err != nil {
		return err
	}
	takeover := true
	if cfg.State.LockTakeover != nil {
		takeover = *cfg.State.LockTakeover
	}
	instanceLock, err := store.AcquireInstanceLockWithOptions(stateDir, store.LockOptions{
		TakeoverEnabled: takeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
		Owner:           "ladderbot " + cfg.Symbol,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := instanceLock.Release(); relErr != nil {
			log.Warn().Err(relErr).Str("event", "lock_release_failed").Msg("release instance lock failed")
		}
	}()
	var journal *store.Journal
	if cfg.State.Journal {
		journal, err = store.OpenJournal(st.JournalPath())
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	gw, feed, err := openGateway(ctx, cfg)
	if err != nil {
		return err
	}
	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
		cfg.CircuitBreaker.MaxPollFailures,
	)
	breaker.SetPollRecovery(
		time.Duration(cfg.CircuitBreaker.PollCooldownSec)*time.Second,
		cfg.CircuitBreaker.PollProbePasses,
	)
	breaker.SetAlerter(alerter)

	risk := riskFromConfig(cfg)
	ladderOpts, err := ladderOptions(cfg)
	if err != nil {
		return err
	}
	session := &engine.Session{
		Gateway:      safety.NewGuardedGateway(gw, breaker),
		Events:       feed,
		Symbol:       cfg.Symbol,
		Mode:         string(cfg.Mode),
		InstanceID:   cfg.InstanceID,
		Risk:         risk,
		Options:      ladderOpts,
		Sides:        sidesFromConfig(cfg.Ladder.Sides),
		PointsPerPip: cfg.Ladder.PointsPerPip,
		Monitor: monitor.Options{
			Interval:      time.Duration(cfg.Monitor.PollIntervalMs) * time.Millisecond,
			CancelTimeout: time.Duration(cfg.Monitor.CancelTimeoutSec) * time.Second,
			MaxBackoff:    time.Duration(cfg.Monitor.MaxBackoffSec) * time.Second,
			Guard:         breaker,
		},
		Heartbeat: time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
		Store:     st,
		Journal:   journal,
		Alerts:    alerter,
		Out:       opts.Out,
		DryRun:    opts.DryRun,
	}
	if !opts.Yes {
		session.Confirm = promptConfirm(opts.In, opts.Out)
	}

	res, err := session.Run(ctx)
	switch {
	case errors.Is(err, engine.ErrDeclined):
		fmt.Fprintln(opts.Out, "declined, nothing submitted")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return err
	}
	if opts.DryRun {
		fmt.Fprintf(opts.Out, "dry run: %d ladder(s) planned, nothing submitted\n", len(res.Plans))
		return nil
	}
	fmt.Fprintf(opts.Out, "done: %d ladder(s) retired\n", res.Retired)
	return nil
}

// openGateway returns the execution gateway for the configured mode and the
// feed that hints the monitor when the book changes.
func openGateway(ctx context.Context, cfg config.Config) (gateway.Gateway, engine.EventFeed, error) {
	switch cfg.Mode {
	case config.ModePaper:
		term := paperTerminal(cfg)
		if cfg.Paper.TicksPath != "" {
			feed, err := paper.NewJSONLFeed(cfg.Paper.TicksPath)
			if err != nil {
				return nil, nil, err
			}
			go func() {
				defer feed.Close()
				n, err := paper.Replay(ctx, feed, term, 1)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Str("event", "paper_replay_failed").Int("ticks", n).Msg("tick replay stopped")
					return
				}
				log.Info().Str("event", "paper_replay_done").Int("ticks", n).Msg("tick replay finished")
			}()
		}
		return term, term, nil
	case config.ModeLive:
		client, err := bridge.NewClient(cfg.Gateway, cfg.Ladder.DeviationPoints)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
	return nil, nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

func paperTerminal(cfg config.Config) *paper.Terminal {
	p := cfg.Paper
	return paper.New(instrument.Spec{
		Symbol:           cfg.Symbol,
		Digits:           p.Digits,
		Point:            decimal.New(1, -int32(p.Digits)),
		ContractSize:     p.ContractSize.Decimal,
		StopsLevelPoints: p.StopsLevelPoints,
		VolumeMin:        p.VolumeMin.Decimal,
		VolumeMax:        p.VolumeMax.Decimal,
		VolumeStep:       p.VolumeStep.Decimal,
		TradeAllowed:     true,
	}, instrument.Quote{Bid: p.Bid.Decimal, Ask: p.Ask.Decimal, Time: time.Now()})
}

func riskFromConfig(cfg config.Config) sizing.RiskConfig {
	return sizing.RiskConfig{
		AccountSize:             cfg.AccountSize.Decimal,
		TargetGainPercent:       cfg.Risk.TargetGainPercent.Decimal,
		InitialStopPercent:      cfg.Risk.InitialStopPercent.Decimal,
		InitialStopDistancePips: cfg.Risk.InitialStopDistancePips.Decimal,
		TakeProfitDistancePips:  cfg.Risk.TakeProfitDistancePips.Decimal,
		TopUpPercentages:        config.Decimals(cfg.Risk.TopUpPercentages),
	}
}

func ladderOptions(cfg config.Config) (ladder.Options, error) {
	solver, err := sizing.SolverByName(string(cfg.Ladder.Convergence))
	if err != nil {
		return ladder.Options{}, err
	}
	breakEven := true
	if cfg.Ladder.BreakEvenStops != nil {
		breakEven = *cfg.Ladder.BreakEvenStops
	}
	return ladder.Options{
		Solver:         solver,
		RejectedLevels: ladder.RejectedPolicy(cfg.Ladder.RejectedLevels),
		BreakEvenStops: breakEven,
		MagicBase:      cfg.Ladder.MagicBase,
	}, nil
}

func sidesFromConfig(sides []string) []core.Side {
	out := make([]core.Side, 0, len(sides))
	for _, s := range sides {
		out = append(out, core.Side(strings.ToUpper(strings.TrimSpace(s))))
	}
	return out
}

// promptConfirm asks once on out and reads y/yes from in.
func promptConfirm(in io.Reader, out io.Writer) func([]core.OrderPlan) (bool, error) {
	reader := bufio.NewReader(in)
	return func(plans []core.OrderPlan) (bool, error) {
		fmt.Fprintf(out, "\nsubmit %d ladder(s)? [y/N]: ", len(plans))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}

func buildAlertManager(cfg config.Config) *alert.Manager {
	notifier := alert.NewTelegramFromConfig(cfg.Observability.Telegram)
	if notifier == nil {
		return nil
	}
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, notifier, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
	})
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
