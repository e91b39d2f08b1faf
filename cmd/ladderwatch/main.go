// Command ladderwatch rebuilds ladder tracking from the terminal's open
// positions and pending orders and runs the monitor until every ladder it
// found has retired. It is the restart path when ladderbot is not running.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"topup-ladder/internal/alert"
	"topup-ladder/internal/config"
	"topup-ladder/internal/core"
	"topup-ladder/internal/engine"
	"topup-ladder/internal/gateway/bridge"
	"topup-ladder/internal/ladder"
	"topup-ladder/internal/monitor"
	"topup-ladder/internal/safety"
	"topup-ladder/internal/store"
)

func main() {
	var configPath, envPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with secrets")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeLive {
		fatal("ladderwatch needs mode: live; paper terminals do not outlive ladderbot")
	}
	config.SetupLogging(cfg.Observability, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("event", "ladderwatch_failed").Msg("ladderwatch stopped")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	var alerter alert.Alerter
	if notifier := alert.NewTelegramFromConfig(cfg.Observability.Telegram); notifier != nil {
		alerts := alert.NewManagerWithOptions(string(cfg.Mode), cfg.Symbol, notifier, alert.ManagerOptions{
			DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		})
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = alerts.Close(closeCtx)
		}()
		alerter = alerts
	}

	stateDir := filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.Symbol, cfg.InstanceID)
	st, err := store.New(stateDir)
	if err != nil {
		return err
	}
	takeover := true
	if cfg.State.LockTakeover != nil {
		takeover = *cfg.State.LockTakeover
	}
	lock, err := store.AcquireInstanceLockWithOptions(stateDir, store.LockOptions{
		TakeoverEnabled: takeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
		Owner:           "ladderwatch " + cfg.Symbol,
	})
	if err != nil {
		return err
	}
	defer lock.Release()
	var journal *store.Journal
	if cfg.State.Journal {
		journal, err = store.OpenJournal(st.JournalPath())
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	client, err := bridge.NewClient(cfg.Gateway, cfg.Ladder.DeviationPoints)
	if err != nil {
		return err
	}
	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
		cfg.CircuitBreaker.MaxPollFailures,
	)
	breaker.SetPollRecovery(time.Duration(cfg.CircuitBreaker.PollCooldownSec)*time.Second, cfg.CircuitBreaker.PollProbePasses)
	breaker.SetAlerter(alerter)

	w := watcher{
		Gateway: safety.NewGuardedGateway(client, breaker),
		Events:  client,
		Guard:   breaker,
		Alerts:  alerter,
	}
	if journal != nil {
		w.Journal = journal
	}
	_, err = w.run(ctx, cfg)
	return err
}

// watcher seeds the registry from the terminal and runs the monitor until
// every seeded ladder has retired.
type watcher struct {
	Gateway monitor.Gateway
	Events  engine.EventFeed
	Guard   monitor.PollGuard
	Alerts  alert.Alerter
	Journal monitor.Journal
}

func (w watcher) run(ctx context.Context, cfg config.Config) (int, error) {
	magics := make(map[core.Side]int64, len(cfg.Ladder.Sides))
	for _, s := range cfg.Ladder.Sides {
		side := core.Side(strings.ToUpper(strings.TrimSpace(s)))
		magics[side] = ladder.Magic(cfg.Ladder.MagicBase, side)
	}
	seed, err := monitor.DiscoverSeed(ctx, w.Gateway, cfg.Symbol, magics)
	if err != nil {
		return 0, fmt.Errorf("discover ladders: %w", err)
	}
	if len(seed) == 0 {
		log.Info().Str("event", "nothing_to_watch").Str("symbol", cfg.Symbol).Msg("no ladder orders or positions found")
		return 0, nil
	}
	for _, e := range seed {
		log.Info().Str("event", "ladder_discovered").Str("ladder", e.LadderID).Str("side", string(e.Side)).
			Int64("magic", e.Magic).Str("anchor", e.AnchorTicket).Int("pending", len(e.Pending)).Msg("watching ladder")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	interval := time.Duration(cfg.Monitor.PollIntervalMs) * time.Millisecond
	opts := monitor.Options{
		Interval:      interval,
		CancelTimeout: time.Duration(cfg.Monitor.CancelTimeoutSec) * time.Second,
		MaxBackoff:    time.Duration(cfg.Monitor.MaxBackoffSec) * time.Second,
		Alerter:       w.Alerts,
		Guard:         w.Guard,
		Journal:       w.Journal,
	}
	if w.Events != nil {
		nudge := make(chan struct{}, 1)
		go engine.PumpEvents(runCtx, w.Events, cfg.Symbol, w.Alerts, nudge)
		opts.Nudge = nudge
	}
	handle, err := monitor.Start(runCtx, w.Gateway, seed, opts)
	if err != nil {
		return 0, err
	}
	defer handle.Stop()

	every := time.Second
	if interval > 0 && interval < every {
		every = interval
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if handle.Retired() >= len(seed) {
				log.Info().Str("event", "watch_complete").Int("retired", handle.Retired()).Msg("every discovered ladder retired")
				return handle.Retired(), handle.Stop()
			}
		case <-handle.Done():
			if err := handle.Stop(); err != nil {
				return handle.Retired(), err
			}
			return handle.Retired(), ctx.Err()
		case <-ctx.Done():
			return handle.Retired(), ctx.Err()
		}
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
