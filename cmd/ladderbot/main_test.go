package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"topup-ladder/internal/config"
	"topup-ladder/internal/core"
	"topup-ladder/internal/store"
)

const paperConfig = `
symbol: EURUSD
account_size: "10000"

risk:
  target_gain_percent: "5"
  initial_stop_percent: "1"
  initial_stop_distance_pips: "100"
  take_profit_distance_pips: "100"
  top_up_percentages: ["30", "60", "90"]

paper:
  bid: "1.09990"
  ask: "1.10000"
  digits: 5
  contract_size: "100000"
  stops_level_points: 100

state:
  dir: %STATE%
`

func loadPaperConfig(t *testing.T) config.Config {
	t.Helper()
	stateDir := t.TempDir()
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := strings.ReplaceAll(paperConfig, "%STATE%", stateDir)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(body)+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestRunDryRunPrintsAndSavesPlans(t *testing.T) {
	cfg := loadPaperConfig(t)
	var out bytes.Buffer
	err := run(context.Background(), cfg, runOptions{DryRun: true, In: strings.NewReader(""), Out: &out})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	printed := out.String()
	if !strings.Contains(printed, "BUY ladder 1001-") || !strings.Contains(printed, "SELL ladder 1002-") {
		t.Fatalf("printout missing ladders:\n%s", printed)
	}
	if !strings.Contains(printed, "dry run: 2 ladder(s) planned") {
		t.Fatalf("missing dry-run summary:\n%s", printed)
	}
	if strings.Contains(printed, "[y/N]") {
		t.Fatalf("dry run asked for confirmation:\n%s", printed)
	}

	st, err := store.New(filepath.Join(cfg.State.Dir, "paper", "EURUSD", "default"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	snap, ok, err := st.LoadPlans()
	if err != nil || !ok || !snap.DryRun || len(snap.Plans) != 2 {
		t.Fatalf("plan snapshot: ok=%v err=%v snap=%+v", ok, err, snap)
	}
	if _, err := os.Stat(filepath.Join(st.Root(), ".ladderbot.lock")); !os.IsNotExist(err) {
		t.Fatalf("instance lock not released: %v", err)
	}
}

func TestRunDeclinedPromptSubmitsNothing(t *testing.T) {
	cfg := loadPaperConfig(t)
	var out bytes.Buffer
	err := run(context.Background(), cfg, runOptions{In: strings.NewReader("n\n"), Out: &out})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	printed := out.String()
	if !strings.Contains(printed, "submit 2 ladder(s)? [y/N]") || !strings.Contains(printed, "declined, nothing submitted") {
		t.Fatalf("unexpected output:\n%s", printed)
	}
}

func TestPromptConfirmAnswers(t *testing.T) {
	cases := map[string]bool{"y\n": true, "YES\n": true, " yes ": true, "n\n": false, "\n": false, "": false, "maybe\n": false}
	for input, want := range cases {
		confirm := promptConfirm(strings.NewReader(input), &bytes.Buffer{})
		got, err := confirm([]core.OrderPlan{{}})
		if err != nil {
			t.Fatalf("confirm(%q): %v", input, err)
		}
		if got != want {
			t.Fatalf("confirm(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestLadderOptionsFromConfig(t *testing.T) {
	cfg := loadPaperConfig(t)
	opts, err := ladderOptions(cfg)
	if err != nil {
		t.Fatalf("ladderOptions: %v", err)
	}
	if opts.Solver.Name() != "exact_residual" || opts.RejectedLevels != "redistribute" || !opts.BreakEvenStops || opts.MagicBase != 1001 {
		t.Fatalf("unexpected options: %+v", opts)
	}

	cfg.Ladder.Convergence = "bogus"
	if _, err := ladderOptions(cfg); err == nil {
		t.Fatal("expected unknown solver error")
	}
}

func TestPaperTerminalUsesConfiguredDigits(t *testing.T) {
	cfg := loadPaperConfig(t)
	term := paperTerminal(cfg)
	spec, err := term.SymbolInfo(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("symbol info: %v", err)
	}
	if spec.Point.String() != "0.00001" || spec.StopsLevelPoints != 100 || !spec.TradeAllowed {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestSidesFromConfig(t *testing.T) {
	got := sidesFromConfig([]string{" buy", "SELL "})
	if len(got) != 2 || got[0] != core.Buy || got[1] != core.Sell {
		t.Fatalf("sides = %v", got)
	}
}
