package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"topup-ladder/internal/config"
	"topup-ladder/internal/core"
	"topup-ladder/internal/gateway/bridge"
	"topup-ladder/internal/instrument"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

// checkMagicOffset keeps probe orders out of every ladder's magic range.
const checkMagicOffset = 900

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Symbol     string        `json:"symbol"`
	Checks     []checkResult `json:"checks"`
}

type selectedChecks struct {
	preflight bool
	listing   bool
	stream    bool
	lifecycle bool
}

func main() {
	var (
		configPath  string
		envPath     string
		timeoutSec  int
		streamWait  int
		outJSONPath string
		checkFlag   string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", ".env", "dotenv file with secrets")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 5, "seconds to wait for a bridge event")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (preflight,listing,stream,lifecycle)")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fatal(err.Error())
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode != config.ModeLive {
		fatal("bridgecheck requires mode=live")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	if streamWait < 1 {
		streamWait = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client, err := bridge.NewClient(cfg.Gateway, cfg.Ladder.DeviationPoints)
	if err != nil {
		fatal(err.Error())
	}

	r := report{StartedAt: time.Now().UTC(), Symbol: cfg.Symbol}
	var snap instrument.Snapshot
	loaded := false
	loadSnapshot := func() error {
		if loaded {
			return nil
		}
		var err error
		snap, err = instrument.Fetch(ctx, client, cfg.Symbol, cfg.Ladder.PointsPerPip)
		if err != nil {
			return err
		}
		loaded = true
		return nil
	}

	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{Name: name, DurationMs: time.Since(start).Milliseconds(), Detail: detail}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	if checks.preflight {
		run("symbol_preflight", func() (string, error) {
			if err := loadSnapshot(); err != nil {
				return "", err
			}
			return fmt.Sprintf("bid=%s ask=%s spread=%s pips pip_value=%s min_stop=%s pips volume=%s..%s step %s",
				snap.Bid, snap.Ask, snap.SpreadPips.StringFixed(1), snap.PipValue, snap.MinStopDistancePips,
				snap.Volume.Min, snap.Volume.Max, snap.Volume.Step), nil
		})
	}

	if checks.listing {
		run("positions_and_orders", func() (string, error) {
			positions, err := client.OpenPositions(ctx, cfg.Symbol)
			if err != nil {
				return "", err
			}
			orders, err := client.PendingOrders(ctx, cfg.Symbol)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("positions=%d pending_orders=%d", len(positions), len(orders)), nil
		})
	}

	if checks.stream {
		run("event_stream_subscribe", func() (string, error) {
			streamCtx, streamCancel := context.WithTimeout(ctx, time.Duration(streamWait)*time.Second)
			defer streamCancel()
			signals, errs, err := client.Watch(streamCtx, cfg.Symbol)
			if err != nil {
				return "", err
			}
			select {
			case _, ok := <-signals:
				if ok {
					return "event received", nil
				}
				select {
				case err := <-errs:
					if err != nil {
						return "", err
					}
				default:
				}
				if streamCtx.Err() != nil {
					return "connected, no event within wait", nil
				}
				return "", errors.New("event stream closed")
			case err := <-errs:
				return "", err
			case <-streamCtx.Done():
				return "connected, no event within wait", nil
			}
		})
	}

	if checks.lifecycle {
		run("pending_order_place_cancel", func() (string, error) {
			if err := loadSnapshot(); err != nil {
				return "", err
			}
			return placeAndCancel(ctx, client, cfg, snap)
		})
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

// placeAndCancel places a minimum-volume buy stop far above the market and
// cancels it straight away.
func placeAndCancel(ctx context.Context, client *bridge.Client, cfg config.Config, snap instrument.Snapshot) (string, error) {
	distance := snap.MinStopDistancePips.Mul(decimal.NewFromInt(5))
	if floor := decimal.NewFromInt(100); distance.Cmp(floor) < 0 {
		distance = floor
	}
	trigger := snap.Ask.Add(snap.Offset(distance)).Round(int32(snap.PriceDigits))
	magic := cfg.Ladder.MagicBase + checkMagicOffset
	tag := fmt.Sprintf("tl:%d:check", magic)
	receipt, err := client.SubmitPendingOrder(ctx, core.PendingOrder{
		Symbol:       cfg.Symbol,
		Side:         core.Buy,
		Volume:       snap.Volume.Min,
		TriggerPrice: trigger,
		Magic:        magic,
		Tag:          tag,
	})
	if err != nil {
		return "", err
	}
	if err := client.CancelPendingOrder(ctx, receipt.OrderID, tag); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
		return "", fmt.Errorf("placed order %s but cancel failed: %w", receipt.OrderID, err)
	}
	return fmt.Sprintf("order=%s trigger=%s volume=%s", receipt.OrderID, trigger, snap.Volume.Min), nil
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == "default" {
		return selectedChecks{preflight: true, listing: true, stream: true}, nil
	}
	if raw == "all" {
		return selectedChecks{preflight: true, listing: true, stream: true, lifecycle: true}, nil
	}
	var out selectedChecks
	for _, p := range strings.Split(raw, ",") {
		switch name := strings.TrimSpace(p); name {
		case "":
			continue
		case "preflight", "symbol_preflight":
			out.preflight = true
		case "listing", "positions_and_orders":
			out.listing = true
		case "stream", "event_stream", "event_stream_subscribe":
			out.stream = true
		case "lifecycle", "pending_order_place_cancel":
			out.lifecycle = true
		default:
			return selectedChecks{}, fmt.Errorf("unknown check: %s", name)
		}
	}
	if !out.preflight && !out.listing && !out.stream && !out.lifecycle {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

func printSummary(r report) {
	pass := 0
	fail := 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary symbol=%s pass=%d fail=%d duration=%s\n",
		r.Symbol, pass, fail, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String())
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
