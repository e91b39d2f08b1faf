// Command tickrecord polls the bridge for quotes and appends them as JSONL,
// one file per UTC day, in the format the paper terminal replays.
package main

import (
	"context"
	"encoding/json"
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
	"github.com/shopspring/decimal"

	"topup-ladder/internal/config"
	"topup-ladder/internal/gateway/bridge"
	"topup-ladder/internal/instrument"
)

const defaultOutDir = "data/ticks"

type tickLine struct {
	Time      string          `json:"time"`
	Timestamp int64           `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
}

func main() {
	var (
		configPath string
		envPath    string
		outDir     string
		everyMs    int
		maxTicks   int
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with secrets")
	flag.StringVar(&outDir, "out-dir", defaultOutDir, "output root dir")
	flag.IntVar(&everyMs, "every-ms", 500, "poll interval in milliseconds")
	flag.IntVar(&maxTicks, "max", 0, "stop after this many distinct quotes (0 = until interrupted)")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeLive {
		fatal("tickrecord requires mode=live")
	}
	config.SetupLogging(cfg.Observability, os.Stderr)
	if everyMs < 50 {
		everyMs = 50
	}

	client, err := bridge.NewClient(cfg.Gateway, cfg.Ladder.DeviationPoints)
	if err != nil {
		fatal(err.Error())
	}
	targetDir := filepath.Join(outDir, cfg.Symbol)
	writer, err := newDateWriter(targetDir)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if closeErr := writer.close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "close writer failed: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	n, err := record(ctx, client, cfg.Symbol, time.Duration(everyMs)*time.Millisecond, writer, maxTicks)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("event", "tickrecord_failed").Int("ticks", n).Msg("recording stopped")
		return
	}
	fmt.Printf("done: ticks=%d output=%s\n", n, targetDir)
}

// record writes every quote that differs from the previous one until ctx is
// done or max quotes are written. Failed polls are logged and retried.
func record(ctx context.Context, src instrument.Source, symbol string, every time.Duration, w *dateWriter, max int) (int, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var last instrument.Quote
	n := 0
	for {
		q, err := src.Tick(ctx, symbol)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			log.Warn().Err(err).Str("event", "tick_poll_failed").Str("symbol", symbol).Msg("quote poll failed")
		case q.Bid.Equal(last.Bid) && q.Ask.Equal(last.Ask):
		default:
			if err := writeTick(w, symbol, q); err != nil {
				return n, err
			}
			last = q
			n++
			if max > 0 && n >= max {
				return n, nil
			}
		}
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case <-ticker.C:
		}
	}
}

func writeTick(w *dateWriter, symbol string, q instrument.Quote) error {
	ts := q.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	encoded, err := json.Marshal(tickLine{
		Time:      ts.Format(time.RFC3339Nano),
		Timestamp: ts.UnixMilli(),
		Symbol:    symbol,
		Bid:       q.Bid,
		Ask:       q.Ask,
	})
	if err != nil {
		return err
	}
	return w.write(ts.Format("2006-01-02"), encoded)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
