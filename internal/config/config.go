package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

type Convergence string

type RejectedLevelPolicy string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

const (
	ConvergenceExactResidual    Convergence = "exact_residual"
	ConvergenceMonotonicStepped Convergence = "monotonic_stepped"
)

const (
	RejectedRedistribute RejectedLevelPolicy = "redistribute"
	RejectedShrink       RejectedLevelPolicy = "shrink"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	AccountSize    Decimal              `yaml:"account_size"`
	Risk           RiskConfig           `yaml:"risk"`
	Ladder         LadderConfig         `yaml:"ladder"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Paper          PaperConfig          `yaml:"paper"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	State          StateConfig          `yaml:"state"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type RiskConfig struct {
	TargetGainPercent       Decimal   `yaml:"target_gain_percent"`
	InitialStopPercent      Decimal   `yaml:"initial_stop_percent"`
	InitialStopDistancePips Decimal   `yaml:"initial_stop_distance_pips"`
	TakeProfitDistancePips  Decimal   `yaml:"take_profit_distance_pips"`
	TopUpPercentages        []Decimal `yaml:"top_up_percentages"`
}

type LadderConfig struct {
	Sides           []string            `yaml:"sides"`
	Convergence     Convergence         `yaml:"convergence"`
	RejectedLevels  RejectedLevelPolicy `yaml:"rejected_levels"`
	BreakEvenStops  *bool               `yaml:"break_even_stops"`
	MagicBase       int64               `yaml:"magic_base"`
	PointsPerPip    int64               `yaml:"points_per_pip"`
	DeviationPoints int64               `yaml:"deviation_points"`
}

type GatewayConfig struct {
	BaseURL            string `yaml:"base_url"`
	EventsURL          string `yaml:"events_url"`
	Token              string `yaml:"token"`
	HTTPTimeoutSec     int64  `yaml:"http_timeout_sec"`
	RequestsPerSec     int    `yaml:"requests_per_sec"`
	RetryMaxElapsedSec int64  `yaml:"retry_max_elapsed_sec"`
}

type PaperConfig struct {
	Bid              Decimal `yaml:"bid"`
	Ask              Decimal `yaml:"ask"`
	Digits           int     `yaml:"digits"`
	ContractSize     Decimal `yaml:"contract_size"`
	StopsLevelPoints int64   `yaml:"stops_level_points"`
	VolumeMin        Decimal `yaml:"volume_min"`
	VolumeMax        Decimal `yaml:"volume_max"`
	VolumeStep       Decimal `yaml:"volume_step"`
	TicksPath        string  `yaml:"ticks_path"`
}

type MonitorConfig struct {
	PollIntervalMs   int64 `yaml:"poll_interval_ms"`
	CancelTimeoutSec int64 `yaml:"cancel_timeout_sec"`
	MaxBackoffSec    int64 `yaml:"max_backoff_sec"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	MaxPollFailures   int   `yaml:"max_poll_failures"`
	PollCooldownSec   int64 `yaml:"poll_cooldown_sec"`
	PollProbePasses   int   `yaml:"poll_probe_passes"`
}

type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
	Journal      bool   `yaml:"journal"`
}

type ObservabilityConfig struct {
	LogLevel    string         `yaml:"log_level"`
	LogFormat   string         `yaml:"log_format"`
	MetricsAddr string         `yaml:"metrics_addr"`
	Telegram    TelegramConfig `yaml:"telegram"`
	Runtime     RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.Ladder.Convergence = Convergence(strings.ToLower(strings.TrimSpace(string(c.Ladder.Convergence))))
	c.Ladder.RejectedLevels = RejectedLevelPolicy(strings.ToLower(strings.TrimSpace(string(c.Ladder.RejectedLevels))))
	for i, side := range c.Ladder.Sides {
		c.Ladder.Sides[i] = strings.ToUpper(strings.TrimSpace(side))
	}
	c.Gateway.BaseURL = strings.TrimSpace(c.Gateway.BaseURL)
	c.Gateway.EventsURL = strings.TrimSpace(c.Gateway.EventsURL)
	c.Gateway.Token = strings.TrimSpace(c.Gateway.Token)
	c.Paper.TicksPath = strings.TrimSpace(c.Paper.TicksPath)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Observability.LogLevel = strings.ToLower(strings.TrimSpace(c.Observability.LogLevel))
	c.Observability.LogFormat = strings.ToLower(strings.TrimSpace(c.Observability.LogFormat))
	c.Observability.MetricsAddr = strings.TrimSpace(c.Observability.MetricsAddr)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModePaper
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if len(c.Ladder.Sides) == 0 {
		c.Ladder.Sides = []string{"BUY", "SELL"}
	}
	if c.Ladder.Convergence == "" {
		c.Ladder.Convergence = ConvergenceExactResidual
	}
	if c.Ladder.RejectedLevels == "" {
		c.Ladder.RejectedLevels = RejectedRedistribute
	}
	if c.Ladder.BreakEvenStops == nil {
		enabled := true
		c.Ladder.BreakEvenStops = &enabled
	}
	if c.Ladder.MagicBase == 0 {
		c.Ladder.MagicBase = 1001
	}
	if c.Ladder.DeviationPoints == 0 {
		c.Ladder.DeviationPoints = 10
	}
	if c.Gateway.HTTPTimeoutSec == 0 {
		c.Gateway.HTTPTimeoutSec = 15
	}
	if c.Gateway.RequestsPerSec == 0 {
		c.Gateway.RequestsPerSec = 5
	}
	if c.Gateway.RetryMaxElapsedSec == 0 {
		c.Gateway.RetryMaxElapsedSec = 10
	}
	if c.Paper.Digits == 0 {
		c.Paper.Digits = 2
	}
	if c.Paper.ContractSize.IsZero() {
		c.Paper.ContractSize = Decimal{decimal.NewFromInt(100)}
	}
	if c.Paper.VolumeMin.IsZero() {
		c.Paper.VolumeMin = Decimal{decimal.RequireFromString("0.01")}
	}
	if c.Paper.VolumeMax.IsZero() {
		c.Paper.VolumeMax = Decimal{decimal.NewFromInt(100)}
	}
	if c.Paper.VolumeStep.IsZero() {
		c.Paper.VolumeStep = Decimal{decimal.RequireFromString("0.01")}
	}
	if c.Monitor.PollIntervalMs == 0 {
		c.Monitor.PollIntervalMs = 1000
	}
	if c.Monitor.CancelTimeoutSec == 0 {
		c.Monitor.CancelTimeoutSec = 10
	}
	if c.Monitor.MaxBackoffSec == 0 {
		c.Monitor.MaxBackoffSec = 30
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.MaxPollFailures == 0 {
		c.CircuitBreaker.MaxPollFailures = 10
	}
	if c.CircuitBreaker.PollCooldownSec == 0 {
		c.CircuitBreaker.PollCooldownSec = 30
	}
	if c.CircuitBreaker.PollProbePasses == 0 {
		c.CircuitBreaker.PollProbePasses = 1
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.LogFormat == "" {
		c.Observability.LogFormat = "console"
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
	if c.Mode == ModeLive && c.Gateway.BaseURL == "" {
		c.Gateway.BaseURL = "http://127.0.0.1:8787"
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModePaper, ModeLive:
	default:
		return fmt.Errorf("mode must be paper or live")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9._#-], length 2..32")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.AccountSize.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("account_size must be > 0")
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Ladder.validate(); err != nil {
		return err
	}
	if c.Monitor.PollIntervalMs < 50 || c.Monitor.PollIntervalMs > 600000 {
		return fmt.Errorf("monitor.poll_interval_ms must be between 50 and 600000")
	}
	if c.Monitor.CancelTimeoutSec < 1 || c.Monitor.CancelTimeoutSec > 120 {
		return fmt.Errorf("monitor.cancel_timeout_sec must be between 1 and 120")
	}
	if c.Monitor.MaxBackoffSec < 1 || c.Monitor.MaxBackoffSec > 3600 {
		return fmt.Errorf("monitor.max_backoff_sec must be between 1 and 3600")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxPollFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_poll_failures must be >= 1")
		}
		if c.CircuitBreaker.PollCooldownSec < 1 || c.CircuitBreaker.PollCooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.poll_cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.PollProbePasses < 1 || c.CircuitBreaker.PollProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.poll_probe_passes must be between 1 and 20")
		}
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	switch c.Observability.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("observability.log_level must be trace, debug, info, warn, or error")
	}
	if c.Observability.LogFormat != "console" && c.Observability.LogFormat != "json" {
		return fmt.Errorf("observability.log_format must be console or json")
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	switch c.Mode {
	case ModePaper:
		if c.Paper.Bid.Cmp(decimal.Zero) <= 0 || c.Paper.Ask.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("paper bid/ask must be > 0")
		}
		if c.Paper.Ask.Cmp(c.Paper.Bid.Decimal) < 0 {
			return fmt.Errorf("paper ask must be >= bid")
		}
		if c.Paper.Digits < 0 || c.Paper.Digits > 8 {
			return fmt.Errorf("paper digits must be between 0 and 8")
		}
		if c.Paper.ContractSize.Cmp(decimal.Zero) <= 0 {
			return fmt.Errorf("paper contract_size must be > 0")
		}
		if c.Paper.StopsLevelPoints < 0 {
			return fmt.Errorf("paper stops_level_points must be >= 0")
		}
		if c.Paper.VolumeMin.Cmp(decimal.Zero) < 0 || c.Paper.VolumeStep.Cmp(decimal.Zero) < 0 {
			return fmt.Errorf("paper volume_min/volume_step must be >= 0")
		}
		if c.Paper.VolumeMax.Cmp(c.Paper.VolumeMin.Decimal) < 0 {
			return fmt.Errorf("paper volume_max must be >= volume_min")
		}
	case ModeLive:
		if err := validateURL(c.Gateway.BaseURL, "http", "https"); err != nil {
			return fmt.Errorf("gateway base_url %v", err)
		}
		if c.Gateway.EventsURL != "" {
			if err := validateURL(c.Gateway.EventsURL, "ws", "wss"); err != nil {
				return fmt.Errorf("gateway events_url %v", err)
			}
		}
		if c.Gateway.HTTPTimeoutSec < 1 || c.Gateway.HTTPTimeoutSec > 120 {
			return fmt.Errorf("gateway http_timeout_sec must be between 1 and 120")
		}
		if c.Gateway.RequestsPerSec < 1 || c.Gateway.RequestsPerSec > 100 {
			return fmt.Errorf("gateway requests_per_sec must be between 1 and 100")
		}
		if c.Gateway.RetryMaxElapsedSec < 0 || c.Gateway.RetryMaxElapsedSec > 300 {
			return fmt.Errorf("gateway retry_max_elapsed_sec must be between 0 and 300")
		}
	}
	return nil
}

func (r RiskConfig) validate() error {
	hundred := decimal.NewFromInt(100)
	if r.TargetGainPercent.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("risk.target_gain_percent must be > 0")
	}
	if r.InitialStopPercent.Cmp(decimal.Zero) <= 0 || r.InitialStopPercent.Cmp(hundred) >= 0 {
		return fmt.Errorf("risk.initial_stop_percent must be between 0 and 100 exclusive")
	}
	if r.InitialStopDistancePips.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("risk.initial_stop_distance_pips must be > 0")
	}
	if r.TakeProfitDistancePips.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("risk.take_profit_distance_pips must be > 0")
	}
	if len(r.TopUpPercentages) == 0 {
		return fmt.Errorf("risk.top_up_percentages must not be empty")
	}
	prev := decimal.Zero
	for i, p := range r.TopUpPercentages {
		if p.Cmp(decimal.Zero) <= 0 || p.Cmp(hundred) >= 0 {
			return fmt.Errorf("risk.top_up_percentages[%d] must be between 0 and 100 exclusive", i)
		}
		if i > 0 && p.Cmp(prev) <= 0 {
			return fmt.Errorf("risk.top_up_percentages must be strictly increasing")
		}
		prev = p.Decimal
	}
	return nil
}

func (l LadderConfig) validate() error {
	seen := make(map[string]struct{}, len(l.Sides))
	for _, side := range l.Sides {
		if side != "BUY" && side != "SELL" {
			return fmt.Errorf("ladder.sides entries must be buy or sell")
		}
		if _, ok := seen[side]; ok {
			return fmt.Errorf("ladder.sides must not repeat %s", strings.ToLower(side))
		}
		seen[side] = struct{}{}
	}
	switch l.Convergence {
	case ConvergenceExactResidual, ConvergenceMonotonicStepped:
	default:
		return fmt.Errorf("ladder.convergence must be exact_residual or monotonic_stepped")
	}
	switch l.RejectedLevels {
	case RejectedRedistribute, RejectedShrink:
	default:
		return fmt.Errorf("ladder.rejected_levels must be redistribute or shrink")
	}
	if l.MagicBase < 1 {
		return fmt.Errorf("ladder.magic_base must be >= 1")
	}
	if l.PointsPerPip < 0 || l.PointsPerPip > 1000 {
		return fmt.Errorf("ladder.points_per_pip must be between 0 and 1000")
	}
	if l.DeviationPoints < 0 || l.DeviationPoints > 10000 {
		return fmt.Errorf("ladder.deviation_points must be between 0 and 10000")
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 2 || len(v) > 32 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '#' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
